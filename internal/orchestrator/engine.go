// Package orchestrator implements the research pipeline for Sage. A session
// moves through a fixed sequence of reasoning stages (decompose, retrieve,
// synthesize, validate, explain) with a bounded enrichment feedback loop when
// validation finds the summary insufficient. Every stage transition is
// persisted synchronously together with an append-only memory trace entry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/session"
)

// Engine is the main entry point: it accepts questions, runs the pipeline in
// a background goroutine per session, and answers status queries from the
// session store.
type Engine struct {
	store    session.Store
	provider llm.Provider
	fetcher  enrichment.Fetcher // nil when no enrichment source is configured.
	metrics  *PipelineMetrics
	logger   *slog.Logger
	config   Config

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc // Active session cancellation functions.
}

// Config configures pipeline behavior.
type Config struct {
	MaxEnrichmentLoops      int           // Enrichment feedback loops per session. Default: 1.
	MaxConcurrentRetrievals int           // Parallelism limit for the retrieval fan-out. Default: 4.
	StageTimeout            time.Duration // Per-reasoning-call timeout. Default: 60s.
	PersistAttempts         int           // Store write attempts before the session fails. Default: 3.
}

func (c Config) maxLoops() int {
	if c.MaxEnrichmentLoops > 0 {
		return c.MaxEnrichmentLoops
	}
	return 1
}

func (c Config) concurrency() int {
	if c.MaxConcurrentRetrievals > 0 {
		return c.MaxConcurrentRetrievals
	}
	return 4
}

func (c Config) stageTimeout() time.Duration {
	if c.StageTimeout > 0 {
		return c.StageTimeout
	}
	return 60 * time.Second
}

func (c Config) persistAttempts() int {
	if c.PersistAttempts > 0 {
		return c.PersistAttempts
	}
	return 3
}

// NewEngine creates a pipeline engine with the given components. The fetcher
// may be nil; the enrichment branch is then skipped and sessions proceed to
// the explanation with the passages they have.
func NewEngine(
	store session.Store,
	provider llm.Provider,
	fetcher enrichment.Fetcher,
	metrics *PipelineMetrics,
	logger *slog.Logger,
	config Config,
) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		store:    store,
		provider: provider,
		fetcher:  fetcher,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartRequest carries the inputs for a new session.
type StartRequest struct {
	SessionID       uuid.UUID // Optional caller-provided ID; zero = generate.
	UserID          string
	CorrelationID   string
	Query           string
	DocumentContext string
}

// Start validates the request, persists the session in pending state and
// launches the pipeline. Invalid requests are rejected before anything is
// written to the store.
func (e *Engine) Start(ctx context.Context, req *StartRequest) (*session.Session, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}

	id := req.SessionID
	if id == uuid.Nil {
		id = uuid.New()
	} else if _, err := e.store.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: session %s already exists", ErrInvalidInput, id)
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, &PersistenceError{Op: "session lookup", Err: err}
	}

	now := time.Now().UTC()
	rec := &session.Record{
		Session: session.Session{
			ID:              id,
			UserID:          req.UserID,
			CorrelationID:   req.CorrelationID,
			Query:           req.Query,
			DocumentContext: req.DocumentContext,
			Status:          session.StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}

	if err := e.store.Put(ctx, rec); err != nil {
		return nil, &PersistenceError{Op: "session create", Err: err}
	}

	if e.metrics != nil {
		e.metrics.ActiveSessions.Inc()
	}

	e.logger.InfoContext(ctx, "session started",
		slog.String("session_id", id.String()),
		slog.String("user_id", req.UserID),
		slog.String("correlation_id", req.CorrelationID),
	)

	// The pipeline outlives the request; only Cancel stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, id)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.ActiveSessions.Dec()
			}
		}()

		p := &pipeline{
			store:    e.store,
			provider: e.provider,
			fetcher:  e.fetcher,
			metrics:  e.metrics,
			config:   e.config,
			logger:   e.logger,
		}

		if err := p.run(runCtx, rec); err != nil {
			e.logger.WarnContext(runCtx, "session finished with error",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	sess := rec.Session
	return &sess, nil
}

// Status returns the current session record, including state and trace.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*session.Record, error) {
	return e.store.Get(ctx, id)
}

// Cancel requests cancellation of a running session. The pipeline observes
// it at the next stage boundary. Cancelling a finished session is a no-op.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()

	if !ok {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Session.Status == session.StatusRunning {
			return fmt.Errorf("session %s is running but cancel function not found", id)
		}
		return nil // Already finished.
	}

	cancel()
	e.logger.InfoContext(ctx, "session cancellation requested",
		slog.String("session_id", id.String()),
	)
	return nil
}
