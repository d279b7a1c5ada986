package orchestrator

import (
	"errors"
	"fmt"

	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/session"
)

// ErrInvalidInput is returned by Start when the request cannot enter the
// pipeline (empty query, conflicting session ID). Nothing is persisted.
var ErrInvalidInput = errors.New("invalid input")

// ErrNotFound is returned by Status and Cancel for unknown or expired sessions.
var ErrNotFound = session.ErrNotFound

// ErrEnrichmentUnavailable marks an enrichment source that is unreachable or
// misconfigured. Non-fatal: the pipeline skips the enrichment branch and
// proceeds with the passages it has.
var ErrEnrichmentUnavailable = enrichment.ErrUnavailable

// StageError wraps a failure inside a pipeline stage: a reasoning call that
// errored or stage output that could not be interpreted.
type StageError struct {
	Stage session.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageErr builds a StageError for the given stage.
func stageErr(stage session.Stage, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Err: fmt.Errorf(format, args...)}
}

// PersistenceError wraps a store failure that aborted the pipeline after
// retries were exhausted.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
