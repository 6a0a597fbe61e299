package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

const testKey = "gaia-test-key-0123456789"

func newTestClient(url string) *Client {
	return New(config.UpstreamConfig{
		BaseURL: url,
		APIKey:  testKey,
		CircuitBreaker: config.CircuitBreakerConfig{
			Enabled:               true,
			FailureThreshold:      2,
			RecoveryProbeInterval: time.Hour,
		},
	}, nil)
}

func testRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "llama",
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "Hello"}},
	}
}

func TestComplete_Success(t *testing.T) {
	var gotAuth string
	var gotBody completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"model":"llama-3","choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL + "/v1/")
	maxTokens := 50
	req := testRequest()
	req.MaxTokens = &maxTokens

	got, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "Hi there" || got.Model != "llama-3" || got.FinishReason != "stop" {
		t.Errorf("unexpected completion: %+v", got)
	}
	if got.Usage.TotalTokens != 5 {
		t.Errorf("expected usage total 5, got %d", got.Usage.TotalTokens)
	}
	if gotAuth != "Bearer "+testKey {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotBody.Model != "llama" || gotBody.Stream || gotBody.MaxTokens == nil || *gotBody.MaxTokens != 50 {
		t.Errorf("unexpected upstream body: %+v", gotBody)
	}
}

func TestComplete_ModelFallsBackToRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Model != "llama" {
		t.Errorf("expected request model, got %q", got.Model)
	}
}

func TestComplete_StatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		kind    types.Kind
		message string
	}{
		{http.StatusBadRequest, types.KindInvalidRequest, "invalid request format"},
		{http.StatusUnauthorized, types.KindAuthenticationFailure, "upstream authentication failed"},
		{http.StatusForbidden, types.KindAuthenticationFailure, "upstream authentication failed"},
		{http.StatusNotFound, types.KindUpstreamUnavailable, "model not available"},
		{http.StatusTooManyRequests, types.KindUpstreamUnavailable, "service temporarily unavailable"},
		{http.StatusInternalServerError, types.KindUpstreamUnavailable, "service temporarily unavailable"},
		{http.StatusBadGateway, types.KindUpstreamUnavailable, "service temporarily unavailable"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"secret internal detail"}`)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Complete(context.Background(), testRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			if k := types.KindOf(err); k != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, k)
			}
			msg := types.PublicMessage(err)
			if msg != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, msg)
			}
			if strings.Contains(msg, "secret") {
				t.Error("upstream body leaked into the caller message")
			}
		})
	}
}

func TestComplete_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Complete(ctx, testRequest())
	if types.KindOf(err) != types.KindUpstreamTimeout {
		t.Fatalf("expected upstream_timeout, got %v", err)
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), testRequest())
	if types.KindOf(err) != types.KindUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
}

func TestComplete_NotConfigured(t *testing.T) {
	c := New(config.UpstreamConfig{}, nil)
	if c.Configured() {
		t.Fatal("expected unconfigured client")
	}
	_, err := c.Complete(context.Background(), testRequest())
	if types.KindOf(err) != types.KindUpstreamUnavailable {
		t.Fatalf("expected upstream_unavailable, got %v", err)
	}
}

func TestComplete_CircuitOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 2; i++ {
		c.Complete(context.Background(), testRequest())
	}
	if c.Breaker().State() != StateOpen {
		t.Fatalf("expected open circuit, got %s", c.Breaker().State())
	}

	_, err := c.Complete(context.Background(), testRequest())
	if types.KindOf(err) != types.KindUpstreamUnavailable {
		t.Errorf("expected upstream_unavailable, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("open circuit must not reach the node, got %d calls", calls.Load())
	}
}

func TestComplete_ClientErrorsDoNotOpenCircuit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 5; i++ {
		c.Complete(context.Background(), testRequest())
	}
	if c.Breaker().State() != StateClosed {
		t.Errorf("expected closed circuit, got %s", c.Breaker().State())
	}
}

func TestStream_Fragments(t *testing.T) {
	var gotStream bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body completionRequest
		json.NewDecoder(r.Body).Decode(&body)
		gotStream = body.Stream

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"llama-3\",\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var parts []string
	model, err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(s string) error {
		parts = append(parts, s)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotStream {
		t.Error("expected stream=true in upstream body")
	}
	if model != "llama-3" {
		t.Errorf("expected model llama-3, got %q", model)
	}
	if strings.Join(parts, "|") != "Hel|lo" {
		t.Errorf("unexpected fragments %v", parts)
	}
}

func TestStream_CallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
	}))
	defer srv.Close()

	stop := fmt.Errorf("client went away")
	calls := 0
	_, err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(string) error {
		calls++
		return stop
	})
	if err != stop {
		t.Fatalf("expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 callback, got %d", calls)
	}
}

func TestStream_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Stream(context.Background(), testRequest(), func(string) error { return nil })
	if types.KindOf(err) != types.KindAuthenticationFailure {
		t.Fatalf("expected authentication_failure, got %v", err)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL + "/v1").Ping(context.Background()); err != nil {
		t.Errorf("expected ping success, got %v", err)
	}
	if err := newTestClient(srv.URL).Ping(context.Background()); err == nil {
		t.Error("expected ping failure for wrong base path")
	}
	if err := New(config.UpstreamConfig{}, nil).Ping(context.Background()); err == nil {
		t.Error("expected ping failure when unconfigured")
	}
}
