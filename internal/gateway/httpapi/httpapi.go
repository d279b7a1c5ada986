// Package httpapi implements the HTTP API gateway for Sage.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sage/internal/observability"
	"github.com/jkaninda/sage/internal/orchestrator"
	"github.com/jkaninda/sage/internal/ratelimit"
	"github.com/jkaninda/sage/internal/session"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Empty = auth disabled.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	engine  *orchestrator.Engine
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Streaming support.
	sseEnabled bool // Enable SSE streaming endpoint.

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, engine *orchestrator.Engine, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		engine:  engine,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sage",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithSSE enables the SSE streaming endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given pattern.
// Useful for adding the WebSocket watch endpoint alongside the API routes.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Cap request bodies at the configured limit.
	limit := g.config.MaxRequestSize
	if limit <= 0 {
		limit = defaultMaxRequestSize
	}
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return maxBytesHandler(limit, next)
	})

	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Session endpoints.
	g.group.Post("/sessions", g.handleSessionStart,
		okapi.DocSummary("Start a research session for a question"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(SessionStartRequest{}),
		okapi.DocResponse(http.StatusAccepted, SessionStartResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionStatus,
		okapi.DocSummary("Get session status, result and memory trace"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/cancel", g.handleSessionCancel,
		okapi.DocSummary("Cancel a running session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// SSE streaming endpoint.
	if g.sseEnabled {
		g.group.Get("/sessions/{id}/stream", g.handleSessionStream,
			okapi.DocSummary("Stream session progress and explanation via SSE"),
			okapi.DocTags("Sessions"),
			okapi.DocPathParam("id", "string", "Session ID (UUID)"),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., the WebSocket watch endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// maxBytesHandler rejects request bodies larger than limit. Reads past the
// limit fail and MaxBytesReader writes the 413 response.
func maxBytesHandler(limit int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SessionStartRequest is the JSON body for POST /v1/sessions.
type SessionStartRequest struct {
	Query           string `json:"query"`
	DocumentContext string `json:"document_context,omitempty"`
	SessionID       string `json:"session_id,omitempty"` // Optional caller-chosen UUID.
}

// SessionStartResponse is the JSON response for POST /v1/sessions.
type SessionStartResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

func (g *Gateway) handleSessionStart(c *okapi.Context) error {
	userID := c.GetString("userID")

	// Rate limit.
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	// Parse request.
	var req SessionStartRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("query is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.AbortBadRequest("query is required")
	}

	var sessionID uuid.UUID
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			return c.AbortBadRequest("session_id must be a UUID")
		}
		sessionID = id
	}

	correlationID := newCorrelationID()

	g.logger.Info("http session start",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
	)

	sess, err := g.engine.Start(c.Context(), &orchestrator.StartRequest{
		SessionID:       sessionID,
		UserID:          userID,
		CorrelationID:   correlationID,
		Query:           req.Query,
		DocumentContext: req.DocumentContext,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidInput) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("session start failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session start failed")
	}

	return c.JSON(http.StatusAccepted, SessionStartResponse{
		SessionID:     sess.ID.String(),
		Status:        string(sess.Status),
		CorrelationID: correlationID,
	})
}

// SessionResponse is the JSON response for GET /v1/sessions/{id}.
type SessionResponse struct {
	SessionID   string               `json:"session_id"`
	Status      string               `json:"status"`
	Query       string               `json:"query"`
	Result      string               `json:"result,omitempty"`  // The committed explanation.
	Summary     string               `json:"summary,omitempty"` // The synthesized summary behind the result.
	Verdict     string               `json:"verdict,omitempty"`
	LoopCount   int                  `json:"loop_count"`
	Citation    *session.Citation    `json:"citation,omitempty"`
	MemoryTrace []session.TraceEntry `json:"memory_trace"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

func sessionResponse(rec *session.Record) SessionResponse {
	resp := SessionResponse{
		SessionID:   rec.Session.ID.String(),
		Status:      string(rec.Session.Status),
		Query:       rec.Session.Query,
		Verdict:     rec.State.Verdict,
		LoopCount:   rec.State.LoopCount,
		Citation:    rec.State.Citation,
		MemoryTrace: rec.Trace,
		Error:       rec.Session.Error,
		CreatedAt:   rec.Session.CreatedAt,
		CompletedAt: rec.Session.CompletedAt,
	}
	if resp.MemoryTrace == nil {
		resp.MemoryTrace = []session.TraceEntry{}
	}
	// The result is published only once the session is complete; partial
	// summaries are never exposed.
	if rec.Session.Status == session.StatusComplete {
		resp.Result = rec.State.Explanation
		resp.Summary = rec.State.Summary
	}
	return resp
}

func (g *Gateway) handleSessionStatus(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	rec, err := g.engine.Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
		}
		return c.AbortInternalServerError("status lookup failed")
	}

	return c.OK(sessionResponse(rec))
}

func (g *Gateway) handleSessionCancel(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	if err := g.engine.Cancel(c.Context(), id); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
		}
		return c.AbortInternalServerError("cancellation failed")
	}

	return c.OK(map[string]string{"status": "cancellation requested"})
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context. With no configured keys every request maps to "anonymous".
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set("userID", "anonymous")
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// --- Helpers ---

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
