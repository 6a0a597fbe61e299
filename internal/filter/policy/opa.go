// Package policy evaluates OPA Rego policies against chat requests.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/filter"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Query evaluated against loaded modules. Policies live in package gaiagate.policy
// and define allow (bool) and reason (string).
const Query = "[data.gaiagate.policy.allow, data.gaiagate.policy.reason]"

// Input is the data sent to OPA for evaluation. Message content is not included.
type Input struct {
	Client  InputClient  `json:"client"`
	Request InputRequest `json:"request"`
	Time    InputTime    `json:"time"`
}

type InputClient struct {
	ID string `json:"id"`
}

type InputRequest struct {
	Model        string   `json:"model"`
	MessageCount int      `json:"message_count"`
	Roles        []string `json:"roles"`
	TotalChars   int      `json:"total_chars"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

type InputTime struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Evaluator implements filter.Filter using OPA.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      config.PolicyConfig
	now      func() time.Time
}

// NewEvaluator creates a policy evaluator. Call Load to compile policies.
func NewEvaluator(cfg config.PolicyConfig) *Evaluator {
	return &Evaluator{cfg: cfg, now: time.Now}
}

func (e *Evaluator) Name() string  { return "policy" }
func (e *Evaluator) Enabled() bool { return e.cfg.Enabled }

// Load compiles Rego modules from the bundle path.
func (e *Evaluator) Load() error {
	modules, err := LoadRegoFiles(e.cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		slog.Warn("no rego files found", "path", e.cfg.BundlePath)
	}
	if err := e.LoadFromModules(modules); err != nil {
		return err
	}
	slog.Info("opa policies loaded", "path", e.cfg.BundlePath, "modules", len(modules))
	return nil
}

// LoadFromModules compiles policies from module sources keyed by file name.
// On error the previously loaded policies stay in effect.
func (e *Evaluator) LoadFromModules(modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(Query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against the given input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (bool, string, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// Fail closed.
		return false, "no policies loaded", nil
	}

	timeout := e.cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return false, "policy evaluation error", fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "no policy result", nil
	}

	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		// An undefined allow or reason leaves the array short.
		return false, "unexpected policy result format", nil
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return allowed, reason, nil
}

// BuildInput derives the policy input from a validated request.
func (e *Evaluator) BuildInput(clientID string, req *types.ChatRequest) Input {
	now := e.now().UTC()
	in := Input{
		Client: InputClient{ID: clientID},
		Request: InputRequest{
			Model:        req.Model,
			MessageCount: len(req.Messages),
			Roles:        make([]string, 0, len(req.Messages)),
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
		},
		Time: InputTime{Hour: now.Hour(), Day: now.Weekday().String()},
	}
	for _, m := range req.Messages {
		in.Request.Roles = append(in.Request.Roles, string(m.Role))
		in.Request.TotalChars += len([]rune(m.Content))
	}
	return in
}

// ScanRequest implements filter.Filter.
func (e *Evaluator) ScanRequest(ctx context.Context, req *types.ChatRequest) filter.Result {
	allowed, reason, err := e.Evaluate(ctx, e.BuildInput(filter.ClientIDFromContext(ctx), req))
	if err != nil {
		slog.Error("policy evaluation failed", "error", err)
		return filter.Result{
			Action:     filter.ActionBlock,
			FilterName: e.Name(),
			Kind:       types.KindPolicyDenied,
			Message:    "request denied: policy evaluation failed",
		}
	}
	if !allowed {
		msg := "request denied by policy"
		if reason != "" {
			msg += ": " + reason
		}
		return filter.Result{
			Action:     filter.ActionBlock,
			FilterName: e.Name(),
			Kind:       types.KindPolicyDenied,
			Message:    msg,
		}
	}
	return filter.Result{Action: filter.ActionPass, FilterName: e.Name()}
}
