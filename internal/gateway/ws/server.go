// Package ws implements the WebSocket endpoint for watching a research
// session. Clients connect, name a session, and receive a JSON update on
// every status transition until the session reaches a terminal state.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/sage/internal/orchestrator"
	"github.com/jkaninda/sage/internal/session"
)

// pollInterval is how often the watcher re-reads session state.
const pollInterval = 250 * time.Millisecond

// Config configures the WebSocket watch endpoint.
type Config struct {
	Token string // Shared token for client authentication. Empty = auth disabled.
}

// Server upgrades watch requests and streams session updates.
type Server struct {
	engine *orchestrator.Engine
	cfg    Config
	logger *slog.Logger
}

// Update is one JSON message pushed to a watching client.
type Update struct {
	SessionID string            `json:"session_id"`
	Status    string            `json:"status"`
	Stage     string            `json:"stage,omitempty"` // Last recorded trace stage.
	Result    string            `json:"result,omitempty"`
	Citation  *session.Citation `json:"citation,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// NewServer creates a WebSocket watch server backed by the pipeline engine.
func NewServer(engine *orchestrator.Engine, cfg Config, logger *slog.Logger) *Server {
	return &Server{engine: engine, cfg: cfg, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token.
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != s.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	id, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "id query parameter must be a session UUID", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sage-watch-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.watch(r.Context(), conn, id)
}

// watch streams status updates for one session until it is terminal or the
// client goes away.
func (s *Server) watch(ctx context.Context, conn *websocket.Conn, id uuid.UUID) {
	defer conn.Close(websocket.StatusNormalClosure, "session finished")

	var lastStatus session.Status
	var lastTraceLen int

	for {
		rec, err := s.engine.Status(ctx, id)
		if err != nil {
			if errors.Is(err, orchestrator.ErrNotFound) {
				conn.Close(websocket.StatusPolicyViolation, "session not found")
				return
			}
			s.logger.Warn("session watch lookup failed",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
			conn.Close(websocket.StatusInternalError, "status lookup failed")
			return
		}

		if rec.Session.Status != lastStatus || len(rec.Trace) != lastTraceLen {
			lastStatus = rec.Session.Status
			lastTraceLen = len(rec.Trace)
			if err := s.writeUpdate(ctx, conn, rec); err != nil {
				s.logger.Debug("session watch write failed",
					slog.String("session_id", id.String()),
					slog.String("error", err.Error()),
				)
				return
			}
		}

		if rec.Session.Status.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

func (s *Server) writeUpdate(ctx context.Context, conn *websocket.Conn, rec *session.Record) error {
	update := Update{
		SessionID: rec.Session.ID.String(),
		Status:    string(rec.Session.Status),
		Error:     rec.Session.Error,
	}
	if len(rec.Trace) > 0 {
		update.Stage = string(rec.Trace[len(rec.Trace)-1].Stage)
	}
	if rec.Session.Status == session.StatusComplete {
		update.Result = rec.State.Explanation
		update.Citation = rec.State.Citation
	}

	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
