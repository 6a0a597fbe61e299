// Package upstream talks to the OpenAI-compatible GaiaNet node.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

// Client sends chat completions to the node. It sets no overall timeout of its
// own; callers bound each call with a context deadline.
type Client struct {
	cfg     config.UpstreamConfig
	http    *http.Client
	breaker *CircuitBreaker
	tracer  trace.Tracer
}

// New creates a client. A nil httpClient gets a pooled transport sized from cfg.
func New(cfg config.UpstreamConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.MaxIdleConns > 0 {
			transport.MaxIdleConns = cfg.MaxIdleConns
			transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
		}
		httpClient = &http.Client{Transport: transport}
	}
	c := &Client{
		cfg:    cfg,
		http:   httpClient,
		tracer: otel.Tracer("github.com/af-corp/gaianet-gateway/internal/upstream"),
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = NewCircuitBreaker(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.RecoveryProbeInterval)
	}
	return c
}

// Configured reports whether a base URL and API key are set.
func (c *Client) Configured() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

// Breaker returns the circuit breaker, or nil when disabled.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []types.ChatMessage `json:"messages"`
	Stream      bool                `json:"stream,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage types.Usage `json:"usage"`
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *types.ChatRequest) (*types.Completion, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.complete", trace.WithAttributes(attribute.String("gen_ai.request.model", req.Model)))
	defer span.End()

	resp, err := c.send(ctx, req, false)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer resp.Body.Close()

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		gerr := c.fail(ctx, fmt.Errorf("decode completion: %w", err))
		recordSpanError(span, gerr)
		return nil, gerr
	}
	if len(body.Choices) == 0 {
		gerr := c.fail(ctx, types.NewError(types.KindUpstreamUnavailable, msgBadResponse))
		recordSpanError(span, gerr)
		return nil, gerr
	}
	c.succeed()

	model := body.Model
	if model == "" {
		model = req.Model
	}
	span.SetAttributes(attribute.String("gen_ai.response.model", model))
	return &types.Completion{
		Text:         body.Choices[0].Message.Content,
		Model:        model,
		FinishReason: body.Choices[0].FinishReason,
		Usage:        body.Usage,
	}, nil
}

// Stream sends a streaming chat completion, calling onDelta for each non-empty
// content fragment. An error from onDelta stops the stream and is returned as is.
func (c *Client) Stream(ctx context.Context, req *types.ChatRequest, onDelta func(string) error) (string, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.stream", trace.WithAttributes(attribute.String("gen_ai.request.model", req.Model)))
	defer span.End()

	resp, err := c.send(ctx, req, true)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}
	defer resp.Body.Close()

	model := req.Model
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				c.succeed()
				recordSpanError(span, err)
				return model, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		gerr := c.fail(ctx, fmt.Errorf("read stream: %w", err))
		recordSpanError(span, gerr)
		return model, gerr
	}
	c.succeed()
	return model, nil
}

// Ping checks connectivity with GET {base}/models.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Configured() {
		return types.NewError(types.KindUpstreamUnavailable, msgNotConfigured)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/models"), nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return mapTransport(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return mapStatus(resp.StatusCode)
	}
	return nil
}

// send issues the request and returns a 2xx response. Any other outcome is
// returned as a taxonomy error and recorded against the breaker.
func (c *Client) send(ctx context.Context, req *types.ChatRequest, stream bool) (*http.Response, error) {
	if !c.Configured() {
		return nil, types.NewError(types.KindUpstreamUnavailable, msgNotConfigured)
	}
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, types.NewError(types.KindUpstreamUnavailable, msgCircuitOpen)
	}

	data, err := json.Marshal(completionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "internal error")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/chat/completions"), bytes.NewReader(data))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, err, "internal error")
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain for connection reuse; the body is not surfaced.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		return nil, c.fail(ctx, mapStatus(resp.StatusCode))
	}
	return resp, nil
}

// fail maps err into the taxonomy, logs it without content and updates the breaker.
func (c *Client) fail(ctx context.Context, err error) error {
	gerr, ok := err.(*types.Error)
	if !ok {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		gerr = mapTransport(err)
	}
	attrs := []any{"kind", gerr.Kind, "error", err}
	var se *StatusError
	responded := errors.As(gerr, &se)
	if responded {
		attrs = append(attrs, "status", se.StatusCode)
	}
	slog.Warn("upstream call failed", attrs...)

	if c.breaker != nil {
		switch {
		case transient(gerr):
			c.breaker.RecordFailure()
		case responded:
			// A 4xx means the node is up.
			c.breaker.RecordSuccess()
		default:
			c.breaker.Release()
		}
	}
	return gerr
}

func (c *Client) succeed() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range c.cfg.Headers {
		if v != "" {
			r.Header.Set(k, v)
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(types.KindOf(err)))
}
