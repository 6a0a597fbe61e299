package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/af-corp/gaianet-gateway/internal/config"
	"github.com/af-corp/gaianet-gateway/internal/filter/validate"
	"github.com/af-corp/gaianet-gateway/internal/httputil"
	"github.com/af-corp/gaianet-gateway/internal/ratelimit"
	"github.com/af-corp/gaianet-gateway/internal/telemetry"
	"github.com/af-corp/gaianet-gateway/internal/types"
)

const (
	maxBodyBytes = 1 << 20

	headerRateLimit          = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// HealthChecker reports upstream connectivity.
type HealthChecker interface {
	Configured() bool
	Ping(ctx context.Context) error
}

// BlockStore is the durable copy of the block list.
type BlockStore interface {
	Delete(ctx context.Context, clientID string) error
}

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	gw           *Gateway
	gate         ratelimit.Gate
	health       HealthChecker
	store        BlockStore
	metrics      *telemetry.Metrics
	defaultModel string
	adminToken   string
	version      string
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

func WithMetrics(m *telemetry.Metrics) HandlerOption { return func(h *Handler) { h.metrics = m } }
func WithBlockStore(s BlockStore) HandlerOption      { return func(h *Handler) { h.store = s } }
func WithVersion(v string) HandlerOption             { return func(h *Handler) { h.version = v } }

func NewHandler(gw *Gateway, gate ratelimit.Gate, health HealthChecker, cfg *config.Config, opts ...HandlerOption) *Handler {
	h := &Handler{
		gw:           gw,
		gate:         gate,
		health:       health,
		defaultModel: cfg.Upstream.DefaultModel,
		adminToken:   cfg.Admin.Token,
		version:      "dev",
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes builds the chi router for the caller and admin surfaces.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(securityHeaders)

	r.Get("/api/health", h.Health)
	r.Post("/api/chat", h.Chat)
	r.Get("/api/chat/stream", h.ChatStream)
	r.Post("/api/chat/stream", h.ChatStream)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(h.adminAuth)
		r.Get("/blocks", h.ListBlocks)
		r.Delete("/blocks/{clientID}", h.Unblock)
	})
	return r
}

type chatResponseBody struct {
	Response  string `json:"response"`
	Model     string `json:"model"`
	Timestamp string `json:"timestamp"`
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	start := time.Now()
	client := clientID(r)

	decision, err := h.gw.Admit(r.Context(), client)
	setRateHeaders(w, decision)
	if err != nil {
		h.finish("chat", reqID, client, start, err)
		httputil.WriteGateError(w, reqID, err)
		return
	}

	raw, err := h.readBody(w, r)
	if err != nil {
		h.finish("chat", reqID, client, start, err)
		httputil.WriteGateError(w, reqID, err)
		return
	}

	resp, err := h.gw.chat(r.Context(), raw, client)
	h.finish("chat", reqID, client, start, err)
	if err != nil {
		httputil.WriteGateError(w, reqID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, chatResponseBody{
		Response:  resp.Text,
		Model:     resp.ModelUsed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ChatStream handles GET and POST /api/chat/stream. GET takes message and
// model query parameters; POST takes the same body as Chat.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	start := time.Now()
	client := clientID(r)

	decision, err := h.gw.Admit(r.Context(), client)
	setRateHeaders(w, decision)
	if err != nil {
		h.finish("chat_stream", reqID, client, start, err)
		httputil.WriteGateError(w, reqID, err)
		return
	}

	var raw map[string]any
	if r.Method == http.MethodGet {
		raw, err = queryRequest(r, h.defaultModel)
	} else {
		raw, err = h.readBody(w, r)
	}
	if err != nil {
		h.finish("chat_stream", reqID, client, start, err)
		httputil.WriteGateError(w, reqID, err)
		return
	}

	sse, ok := newSSEWriter(w, reqID)
	if !ok {
		httputil.WriteInternalError(w, reqID, "streaming not supported")
		return
	}

	model, err := h.gw.chatStream(r.Context(), raw, client, sse.Content)
	h.finish("chat_stream", reqID, client, start, err)

	if err != nil {
		if !sse.Started() {
			httputil.WriteGateError(w, reqID, err)
			return
		}
		sse.Error(httputil.NewAPIError(reqID, err))
		return
	}
	sse.Done(model)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	GaianetStatus string `json:"gaianet_status"`
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case h.health == nil || !h.health.Configured():
		resp.GaianetStatus = "not_configured"
	default:
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			slog.Warn("upstream health check failed", "kind", types.KindOf(err), "error", err)
			resp.GaianetStatus = "error"
		} else {
			resp.GaianetStatus = "connected"
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type blocksResponse struct {
	Blocks []ratelimit.BlockEntry `json:"blocks"`
}

// ListBlocks handles GET /admin/v1/blocks.
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	blocks, err := h.gate.Blocks(r.Context())
	if err != nil {
		slog.Error("failed to list blocks", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "failed to list blocks")
		return
	}
	if blocks == nil {
		blocks = []ratelimit.BlockEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, blocksResponse{Blocks: blocks})
}

// Unblock handles DELETE /admin/v1/blocks/{clientID}.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	id := chi.URLParam(r, "clientID")
	if id == "" {
		httputil.WriteBadRequestError(w, reqID, "client id is required")
		return
	}
	if err := h.gate.Unblock(r.Context(), id); err != nil {
		slog.Error("failed to unblock client", "request_id", reqID, "client_id", id, "error", err)
		httputil.WriteInternalError(w, reqID, "failed to unblock client")
		return
	}
	if h.store != nil {
		if err := h.store.Delete(r.Context(), id); err != nil {
			slog.Error("failed to delete durable block", "request_id", reqID, "client_id", id, "error", err)
		}
	}
	slog.Info("client unblocked", "request_id", reqID, "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get("X-Request-ID")
		if h.adminToken == "" {
			httputil.WriteNotFoundError(w, reqID, "admin API disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			httputil.WriteAuthError(w, reqID, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, types.NewError(types.KindInvalidRequest, "request body too large")
		}
		return nil, types.NewError(types.KindInvalidRequest, "failed to read request body")
	}
	defer r.Body.Close()

	raw, err := validate.Decode(body)
	if err != nil {
		return nil, err
	}
	return normalize(raw, h.defaultModel), nil
}

// normalize converts the {"message": "..."} shorthand to a single user message
// and fills in the default model when the caller sent none.
func normalize(raw map[string]any, defaultModel string) map[string]any {
	if msg, ok := raw["message"]; ok {
		raw["messages"] = []any{map[string]any{"role": string(types.RoleUser), "content": msg}}
		delete(raw, "message")
	}
	if _, ok := raw["model"]; !ok && defaultModel != "" {
		raw["model"] = defaultModel
	}
	return raw
}

func queryRequest(r *http.Request, defaultModel string) (map[string]any, error) {
	q := r.URL.Query()
	msg := q.Get("message")
	if msg == "" {
		return nil, types.NewError(types.KindInvalidRequest, "message parameter required")
	}
	raw := map[string]any{"message": msg}
	if m := q.Get("model"); m != "" {
		raw["model"] = m
	}
	return normalize(raw, defaultModel), nil
}

func (h *Handler) finish(route, reqID, client string, start time.Time, err error) {
	duration := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = string(types.KindOf(err))
		slog.Warn("request rejected",
			"request_id", reqID,
			"route", route,
			"client_id", client,
			"kind", outcome,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		slog.Info("request completed",
			"request_id", reqID,
			"route", route,
			"client_id", client,
			"duration_ms", duration.Milliseconds(),
		)
	}
	if h.metrics != nil {
		h.metrics.RecordRequest(route, outcome, float64(duration.Milliseconds()))
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 && !d.Blocked && !d.Allowed {
		return
	}
	w.Header().Set(headerRateLimit, strconv.Itoa(d.Limit))
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		w.Header().Set(headerRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
		if d.Blocked {
			secs := int(time.Until(d.ResetAt).Seconds()) + 1
			if secs < 1 {
				secs = 1
			}
			w.Header().Set(headerRetryAfter, strconv.Itoa(secs))
		}
	}
}

// clientID is the caller's network address with the port stripped. RealIP has
// already applied X-Real-IP / X-Forwarded-For.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
