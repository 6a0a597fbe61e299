// Package gateway runs the request pipeline and serves it over HTTP.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/filter"
	"github.com/af-corp/gaianet-gateway/internal/filter/privacy"
	"github.com/af-corp/gaianet-gateway/internal/filter/sanitize"
	"github.com/af-corp/gaianet-gateway/internal/filter/validate"
	"github.com/af-corp/gaianet-gateway/internal/ratelimit"
	"github.com/af-corp/gaianet-gateway/internal/telemetry"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Completer is the upstream chat-completion client.
type Completer interface {
	Complete(ctx context.Context, req *types.ChatRequest) (*types.Completion, error)
	Stream(ctx context.Context, req *types.ChatRequest, onDelta func(string) error) (string, error)
}

// Gateway is the facade over rate gate, validation, sanitization, privacy,
// policy, upstream call and response redaction.
type Gateway struct {
	gate      ratelimit.Gate
	validator *validate.Validator
	scanner   *privacy.Scanner
	raw       *filter.Chain
	chain     *filter.Chain
	upstream  Completer
	timeout   time.Duration
	holdback  int
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New builds the gateway. The privacy scanner checks message content twice:
// before sanitization, where addresses and assignments are still intact, and
// after it, ahead of extra (for example the policy evaluator). metrics may be nil.
func New(cfg *config.Config, gate ratelimit.Gate, upstream Completer, metrics *telemetry.Metrics, extra ...filter.Filter) *Gateway {
	scanner := privacy.NewScanner(cfg.Privacy)
	filters := append([]filter.Filter{scanner}, extra...)
	return &Gateway{
		gate:      gate,
		validator: validate.NewValidator(cfg.Validation),
		scanner:   scanner,
		raw:       filter.NewChain(scanner),
		chain:     filter.NewChain(filters...),
		upstream:  upstream,
		timeout:   cfg.Upstream.Timeout,
		holdback:  cfg.Privacy.StreamHoldback,
		metrics:   metrics,
		tracer:    otel.Tracer("github.com/af-corp/gaianet-gateway/internal/gateway"),
	}
}

// HandleChat runs a non-streaming request through the full pipeline.
func (g *Gateway) HandleChat(ctx context.Context, raw map[string]any, clientID string) (*types.ChatResponse, error) {
	if _, err := g.Admit(ctx, clientID); err != nil {
		return nil, err
	}
	return g.chat(ctx, raw, clientID)
}

// HandleChatStream runs the pipeline and passes redacted fragments to emit.
// It returns the model that served the request.
func (g *Gateway) HandleChatStream(ctx context.Context, raw map[string]any, clientID string, emit func(string) error) (string, error) {
	if _, err := g.Admit(ctx, clientID); err != nil {
		return "", err
	}
	return g.chatStream(ctx, raw, clientID, emit)
}

// chat and chatStream run everything after admission.
func (g *Gateway) chat(ctx context.Context, raw map[string]any, clientID string) (*types.ChatResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.chat")
	defer span.End()

	req, err := g.prepare(ctx, raw, clientID)
	if err != nil {
		fail(span, err)
		return nil, err
	}

	uctx, cancel := g.upstreamContext(ctx)
	defer cancel()

	started := time.Now()
	completion, err := g.upstream.Complete(uctx, req)
	if err != nil {
		err = timeoutAware(uctx, err)
		g.recordUpstream(req.Model, err, started, types.Usage{})
		fail(span, err)
		return nil, err
	}
	g.recordUpstream(completion.Model, nil, started, completion.Usage)

	text := completion.Text
	if g.scanner.Enabled() {
		matches := g.scanner.Scan(text)
		if len(matches) > 0 {
			cats := categoryNames(privacy.Categories(matches))
			slog.Info("redacted sensitive data from response", "client_id", clientID, "categories", cats)
			if g.metrics != nil {
				g.metrics.RecordPrivacy("outbound", cats)
			}
			text = g.scanner.Redact(text)
		}
	}

	span.SetAttributes(attribute.String("gen_ai.response.model", completion.Model))
	return &types.ChatResponse{Text: text, ModelUsed: completion.Model}, nil
}

func (g *Gateway) chatStream(ctx context.Context, raw map[string]any, clientID string, emit func(string) error) (string, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.chat_stream")
	defer span.End()

	req, err := g.prepare(ctx, raw, clientID)
	if err != nil {
		fail(span, err)
		return "", err
	}

	uctx, cancel := g.upstreamContext(ctx)
	defer cancel()

	redact := g.scanner.Enabled()
	redactor := privacy.NewStreamRedactor(g.holdback)
	onDelta := func(fragment string) error {
		if !redact {
			return emit(fragment)
		}
		if out := redactor.Write(fragment); out != "" {
			return emit(out)
		}
		return nil
	}

	started := time.Now()
	model, err := g.upstream.Stream(uctx, req, onDelta)
	if err != nil {
		err = timeoutAware(uctx, err)
		g.recordUpstream(req.Model, err, started, types.Usage{})
		fail(span, err)
		return model, err
	}
	g.recordUpstream(model, nil, started, types.Usage{})

	if redact {
		if tail := redactor.Flush(); tail != "" {
			if err := emit(tail); err != nil {
				fail(span, err)
				return model, err
			}
		}
		if n := redactor.Redactions(); n > 0 {
			cats := categoryNames(redactor.Categories())
			slog.Info("redacted sensitive data from stream", "client_id", clientID, "categories", cats, "redactions", n)
			if g.metrics != nil {
				g.metrics.RecordPrivacy("outbound", cats)
			}
		}
	}
	return model, nil
}

// prepare runs validation, the raw privacy check, sanitization and the
// inbound filter chain.
func (g *Gateway) prepare(ctx context.Context, raw map[string]any, clientID string) (*types.ChatRequest, error) {
	req, err := g.validator.Validate(raw)
	if err != nil {
		return nil, err
	}

	ctx = filter.WithClientID(ctx, clientID)
	req, err = g.runChain(ctx, g.raw, req, clientID)
	if err != nil {
		return nil, err
	}

	msgs := make([]types.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = types.ChatMessage{Role: m.Role, Content: sanitize.Sanitize(m.Content)}
	}
	req = req.WithMessages(msgs)

	return g.runChain(ctx, g.chain, req, clientID)
}

func (g *Gateway) runChain(ctx context.Context, chain *filter.Chain, req *types.ChatRequest, clientID string) (*types.ChatRequest, error) {
	req, results, blocked := chain.Run(ctx, req)
	for _, r := range results {
		if r.Action == filter.ActionPass {
			continue
		}
		if g.metrics != nil {
			g.metrics.RecordFilterAction(r.FilterName, string(r.Action))
			if r.FilterName == g.scanner.Name() {
				g.metrics.RecordPrivacy("inbound", r.Categories)
			}
		}
		slog.Warn("inbound filter action",
			"client_id", clientID,
			"filter", r.FilterName,
			"action", r.Action,
			"detections", r.Detections,
			"categories", r.Categories,
		)
	}
	if blocked != nil {
		return nil, types.NewError(blocked.Kind, "%s", blocked.Message)
	}
	return req, nil
}

// Admit consults the rate gate for clientID. It runs before the request body
// is read so malformed requests still count against the window. A denial or
// a gate failure is returned as a rate_limited error alongside the decision.
func (g *Gateway) Admit(ctx context.Context, clientID string) (ratelimit.Decision, error) {
	decision, err := g.gate.Check(ctx, clientID)
	if err != nil {
		slog.Error("rate gate check failed", "client_id", clientID, "error", err)
		g.recordRateLimit("error")
		return decision, types.WrapError(types.KindRateLimited, err, "rate limiter unavailable")
	}
	if !decision.Allowed {
		g.recordRateLimit("blocked")
		msg := "rate limit exceeded"
		if decision.Reason != "" {
			msg = decision.Reason
		}
		return decision, types.NewError(types.KindRateLimited, "%s", msg)
	}
	g.recordRateLimit("allowed")
	return decision, nil
}

func (g *Gateway) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// timeoutAware reports an expired upstream deadline as a timeout regardless
// of how the client surfaced it.
func timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && types.KindOf(err) != types.KindUpstreamTimeout {
		return types.WrapError(types.KindUpstreamTimeout, err, "upstream request timed out")
	}
	var gerr *types.Error
	if !errors.As(err, &gerr) {
		return types.WrapError(types.KindInternal, err, "internal error")
	}
	return err
}

func (g *Gateway) recordUpstream(model string, err error, started time.Time, usage types.Usage) {
	if g.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
	}
	g.metrics.RecordUpstream(model, outcome, float64(time.Since(started).Milliseconds()), usage.PromptTokens, usage.CompletionTokens)
}

func (g *Gateway) recordRateLimit(decision string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimit(decision)
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(types.KindOf(err)))
}

func categoryNames(cats []privacy.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
