package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/session"
)

// pipeline runs the stage sequence for a single session. It owns the session
// record for the duration of the run; every transition is committed to the
// store before the next stage begins.
type pipeline struct {
	store    session.Store
	provider llm.Provider
	fetcher  enrichment.Fetcher
	metrics  *PipelineMetrics
	config   Config
	logger   *slog.Logger
}

// run drives the session from pending to a terminal status.
func (p *pipeline) run(ctx context.Context, rec *session.Record) error {
	p.logger.InfoContext(ctx, "pipeline started",
		slog.String("session_id", rec.Session.ID.String()),
		slog.String("correlation_id", rec.Session.CorrelationID),
	)

	// pending -> running.
	rec.Session.Status = session.StatusRunning
	if err := p.commit(ctx, rec); err != nil {
		return p.failSession(ctx, rec, err)
	}

	// Decompose.
	if err := ctx.Err(); err != nil {
		return p.cancelSession(ctx, rec, err)
	}
	subqs, err := runStage(p, ctx, session.StageDecompose, func(stageCtx context.Context) ([]string, error) {
		return p.decompose(stageCtx, rec.Session.Query)
	})
	if err != nil {
		return p.failSession(ctx, rec, err)
	}
	rec.State.Subquestions = subqs
	entry := p.traceEntry(rec, session.StageDecompose, rec.Session.Query, strings.Join(subqs, "\n"))
	if err := p.commit(ctx, rec, entry); err != nil {
		return p.failSession(ctx, rec, err)
	}

	// Retrieve (parallel fan-out, one result slot per subquestion).
	if err := ctx.Err(); err != nil {
		return p.cancelSession(ctx, rec, err)
	}
	if err := p.retrieveAll(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) {
			return p.cancelSession(ctx, rec, err)
		}
		return p.failSession(ctx, rec, err)
	}

	// Synthesize/validate, looping through enrichment while the validator
	// finds the summary insufficient and loop budget remains.
	for {
		if err := ctx.Err(); err != nil {
			return p.cancelSession(ctx, rec, err)
		}
		summary, err := runStage(p, ctx, session.StageSynthesize, func(stageCtx context.Context) (string, error) {
			return p.synthesize(stageCtx, rec)
		})
		if err != nil {
			return p.failSession(ctx, rec, err)
		}
		synthInput := strings.Join(rec.State.Responses, "\n")
		rec.State.Summary = summary
		rec.State.Citation = chooseCitation(rec.Session.DocumentContext, rec.State.Passages)
		entry = p.traceEntry(rec, session.StageSynthesize, synthInput, summary)
		if err := p.commit(ctx, rec, entry); err != nil {
			return p.failSession(ctx, rec, err)
		}

		if err := ctx.Err(); err != nil {
			return p.cancelSession(ctx, rec, err)
		}
		verdict, err := runStage(p, ctx, session.StageValidate, func(stageCtx context.Context) (verdictResult, error) {
			v, reason, verr := p.validate(stageCtx, rec.Session.Query, rec.State.Summary)
			return verdictResult{verdict: v, reason: reason}, verr
		})
		if err != nil {
			return p.failSession(ctx, rec, err)
		}
		rec.State.Verdict = verdict.verdict
		rec.State.VerdictReason = verdict.reason
		entry = p.traceEntry(rec, session.StageValidate, rec.State.Summary, verdict.verdict+": "+verdict.reason)
		if err := p.commit(ctx, rec, entry); err != nil {
			return p.failSession(ctx, rec, err)
		}

		if verdict.verdict == session.VerdictSufficient {
			break
		}
		if rec.State.LoopCount >= p.config.maxLoops() {
			// Loop budget exhausted: proceed with the summary we have.
			p.logger.WarnContext(ctx, "enrichment loop budget exhausted",
				slog.String("session_id", rec.Session.ID.String()),
				slog.Int("loop_count", rec.State.LoopCount),
			)
			entry = p.traceEntry(rec, session.StageEnrich, verdict.reason, loopBudgetExhaustedNote)
			if err := p.commit(ctx, rec, entry); err != nil {
				return p.failSession(ctx, rec, err)
			}
			break
		}

		if err := ctx.Err(); err != nil {
			return p.cancelSession(ctx, rec, err)
		}
		if err := p.enrich(ctx, rec); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return p.cancelSession(ctx, rec, context.Cause(ctx))
			}
			// Enrichment is best effort: an unreachable source contributes
			// no new passages and the session proceeds to Explain with the
			// verdict left insufficient.
			p.logger.WarnContext(ctx, "enrichment unavailable, proceeding without new passages",
				slog.String("session_id", rec.Session.ID.String()),
				slog.String("error", err.Error()),
			)
			entry = p.traceEntry(rec, session.StageEnrich, verdict.reason, enrichmentSkippedNote)
			if cerr := p.commit(ctx, rec, entry); cerr != nil {
				return p.failSession(ctx, rec, cerr)
			}
			break
		}
	}

	// Explain. A failed explanation falls back to the summary; it never
	// fails the session.
	if err := ctx.Err(); err != nil {
		return p.cancelSession(ctx, rec, err)
	}
	explanation, err := runStage(p, ctx, session.StageExplain, func(stageCtx context.Context) (string, error) {
		return p.explain(stageCtx, rec.State.Summary)
	})
	if err != nil {
		p.logger.WarnContext(ctx, "explanation failed, falling back to summary",
			slog.String("session_id", rec.Session.ID.String()),
			slog.String("error", err.Error()),
		)
		explanation = rec.State.Summary
	}
	rec.State.Explanation = explanation
	entry = p.traceEntry(rec, session.StageExplain, rec.State.Summary, explanation)
	if err := p.commit(ctx, rec, entry); err != nil {
		return p.failSession(ctx, rec, err)
	}

	return p.finishSession(ctx, rec)
}

// Trace markers recorded when the enrichment branch cannot run.
const (
	enrichmentSkippedNote   = "enrichment unavailable; proceeding with existing passages"
	loopBudgetExhaustedNote = "enrichment loop budget exhausted"
)

// verdictResult carries the validator's decision through runStage.
type verdictResult struct {
	verdict string
	reason  string
}

// retrieveAll answers every subquestion concurrently. Results land in a slot
// per subquestion index, so trace order and response order follow the
// decomposition regardless of completion order. A failed retrieval fills its
// slot with a placeholder instead of failing the session.
func (p *pipeline) retrieveAll(ctx context.Context, rec *session.Record) error {
	subqs := rec.State.Subquestions
	answers := make([]string, len(subqs))
	conversation := append([]session.Turn(nil), rec.State.Conversation...)

	sem := make(chan struct{}, p.config.concurrency())
	var wg sync.WaitGroup
	for i := range subqs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			stageCtx, cancel := context.WithTimeout(ctx, p.config.stageTimeout())
			defer cancel()

			answer, err := p.retrieveOne(stageCtx, subqs[idx], rec.Session.DocumentContext, conversation)
			if err != nil {
				p.logger.WarnContext(ctx, "retrieval failed for subquestion",
					slog.String("session_id", rec.Session.ID.String()),
					slog.Int("subquestion", idx),
					slog.String("error", err.Error()),
				)
				if p.metrics != nil {
					p.metrics.RetrievalFailuresTotal.Inc()
				}
				answer = retrievalPlaceholder
			}
			answers[idx] = answer
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	// Fan-in: commit responses, conversation turns and trace entries in
	// subquestion order.
	rec.State.Responses = answers
	entries := make([]session.TraceEntry, 0, len(subqs))
	for i := range subqs {
		rec.State.Conversation = append(rec.State.Conversation,
			session.Turn{Role: string(llm.RoleUser), Content: subqs[i]},
			session.Turn{Role: string(llm.RoleAssistant), Content: answers[i]},
		)
		entries = append(entries, p.traceEntry(rec, session.StageRetrieve, subqs[i], answers[i]))
	}
	if p.metrics != nil {
		p.metrics.StagesTotal.WithLabelValues(string(session.StageRetrieve), "ok").Inc()
	}
	return p.commit(ctx, rec, entries...)
}

// enrich fetches external passages for the failing query and charges one
// loop against the budget. The fetch query carries the validator's
// insufficiency reason so the source can target the gap.
func (p *pipeline) enrich(ctx context.Context, rec *session.Record) error {
	if p.fetcher == nil {
		return fmt.Errorf("%w: no enrichment source configured", ErrEnrichmentUnavailable)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.config.stageTimeout())
	defer cancel()

	query := rec.Session.Query
	if rec.State.VerdictReason != "" {
		query += "\n" + rec.State.VerdictReason
	}

	start := time.Now()
	passages, err := p.fetcher.FetchContext(stageCtx, query)
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(string(session.StageEnrich)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if p.metrics != nil {
			p.metrics.StagesTotal.WithLabelValues(string(session.StageEnrich), "error").Inc()
		}
		if errors.Is(err, enrichment.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, err)
	}

	rec.State.Passages = append(rec.State.Passages, passages...)
	rec.State.LoopCount++
	if p.metrics != nil {
		p.metrics.StagesTotal.WithLabelValues(string(session.StageEnrich), "ok").Inc()
		p.metrics.EnrichmentLoopsTotal.Inc()
	}

	var texts []string
	for _, passage := range passages {
		texts = append(texts, passage.Text)
	}
	entry := p.traceEntry(rec, session.StageEnrich, query, strings.Join(texts, "\n"))
	return p.commit(ctx, rec, entry)
}

// runStage executes a single-result stage with timeout and metrics.
func runStage[T any](p *pipeline, ctx context.Context, stage session.Stage, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.config.stageTimeout())
	defer cancel()

	start := time.Now()
	result, err := fn(stageCtx)
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.StagesTotal.WithLabelValues(string(stage), status).Inc()
	}
	return result, err
}

// traceEntry builds the next trace entry for the record. Payloads are
// digested, never stored in the trace.
func (p *pipeline) traceEntry(rec *session.Record, stage session.Stage, input, output string) session.TraceEntry {
	return session.TraceEntry{
		Seq:          len(rec.Trace),
		Stage:        stage,
		InputDigest:  session.Digest(input),
		OutputDigest: session.Digest(output),
		Timestamp:    time.Now().UTC(),
	}
}

// commit persists the record and appends trace entries, retrying transient
// store failures. Entries are reflected in rec.Trace only after the store
// accepted them.
func (p *pipeline) commit(ctx context.Context, rec *session.Record, entries ...session.TraceEntry) error {
	// Trace entries created against the pre-commit record; fix sequence
	// numbers in case multiple entries are committed together.
	for i := range entries {
		entries[i].Seq = len(rec.Trace) + i
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.persistAttempts(); attempt++ {
		if lastErr = p.store.Put(ctx, rec); lastErr == nil {
			if len(entries) > 0 {
				lastErr = p.store.AppendTrace(ctx, rec.Session.ID, entries...)
			}
			if lastErr == nil {
				rec.Trace = append(rec.Trace, entries...)
				return nil
			}
		}
		p.logger.WarnContext(ctx, "session persist failed",
			slog.String("session_id", rec.Session.ID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return &PersistenceError{Op: "session state", Err: lastErr}
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return &PersistenceError{Op: "session state", Err: lastErr}
}

// failSession marks the session failed and records the cause. A cancellation
// that surfaced as a stage failure is resolved to cancelled instead.
func (p *pipeline) failSession(ctx context.Context, rec *session.Record, cause error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return p.cancelSession(ctx, rec, context.Cause(ctx))
	}
	now := time.Now().UTC()
	rec.Session.Status = session.StatusFailed
	rec.Session.Error = cause.Error()
	rec.Session.CompletedAt = &now

	// Best effort: the store may be the thing that is failing.
	if err := p.store.Put(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.ErrorContext(ctx, "failed to persist session failure",
			slog.String("session_id", rec.Session.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	p.observeFinish(rec, session.StatusFailed)
	p.logger.WarnContext(ctx, "session failed",
		slog.String("session_id", rec.Session.ID.String()),
		slog.String("error", cause.Error()),
	)
	return cause
}

// cancelSession marks the session cancelled.
func (p *pipeline) cancelSession(ctx context.Context, rec *session.Record, cause error) error {
	now := time.Now().UTC()
	rec.Session.Status = session.StatusCancelled
	rec.Session.Error = cause.Error()
	rec.Session.CompletedAt = &now

	if err := p.store.Put(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.ErrorContext(ctx, "failed to persist session cancellation",
			slog.String("session_id", rec.Session.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	p.observeFinish(rec, session.StatusCancelled)
	p.logger.InfoContext(ctx, "session cancelled",
		slog.String("session_id", rec.Session.ID.String()),
	)
	return fmt.Errorf("session cancelled: %w", cause)
}

// finishSession marks the session complete.
func (p *pipeline) finishSession(ctx context.Context, rec *session.Record) error {
	now := time.Now().UTC()
	rec.Session.Status = session.StatusComplete
	rec.Session.CompletedAt = &now
	if err := p.commit(ctx, rec); err != nil {
		return p.failSession(ctx, rec, err)
	}

	p.observeFinish(rec, session.StatusComplete)
	p.logger.InfoContext(ctx, "session complete",
		slog.String("session_id", rec.Session.ID.String()),
		slog.Int("subquestions", len(rec.State.Subquestions)),
		slog.Int("enrichment_loops", rec.State.LoopCount),
	)
	return nil
}

func (p *pipeline) observeFinish(rec *session.Record, status session.Status) {
	if p.metrics == nil {
		return
	}
	p.metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
	if rec.Session.CompletedAt != nil && rec.Session.CreatedAt.Before(*rec.Session.CompletedAt) {
		duration := rec.Session.CompletedAt.Sub(rec.Session.CreatedAt).Seconds()
		p.metrics.SessionDuration.WithLabelValues(string(status)).Observe(duration)
	}
}
