// Package session defines the persistent state of a research session: the
// original question, the intermediate pipeline results, and the append-only
// memory trace recorded for every stage transition. Stores in the subpackages
// (memstore, redistore, dbstore) persist this state with a configurable TTL.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Store implementations when a session does not
// exist or its TTL has expired.
var ErrNotFound = errors.New("session not found")

// Status represents the lifecycle state of a session. Transitions are
// monotonic: pending -> running -> complete | failed | cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Stage identifies a pipeline stage in the memory trace.
type Stage string

const (
	StageDecompose  Stage = "decompose"
	StageRetrieve   Stage = "retrieve"
	StageSynthesize Stage = "synthesize"
	StageValidate   Stage = "validate"
	StageEnrich     Stage = "enrich"
	StageExplain    Stage = "explain"
)

// Validator verdicts.
const (
	VerdictSufficient   = "sufficient"
	VerdictInsufficient = "insufficient"
)

// Session is the top-level unit of work: one question, one pipeline run.
type Session struct {
	ID              uuid.UUID
	UserID          string
	CorrelationID   string
	Query           string // The original user question.
	DocumentContext string // Optional caller-supplied document text.
	Status          Status
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Passage is a unit of supporting context, either supplied by the caller or
// fetched from an external knowledge source during enrichment.
type Passage struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Relevance float64   `json:"relevance"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Citation points at the single passage that best supports the answer.
type Citation struct {
	Source  string `json:"source"`
	Excerpt string `json:"excerpt"`
}

// Turn is one exchange in the session-scoped conversation log. The log feeds
// retrieval prompts so later subquestions see earlier answers.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant".
	Content string `json:"content"`
}

// State holds every intermediate result of the pipeline. Responses is always
// sized to Subquestions; a failed retrieval leaves a placeholder answer at
// its index rather than a gap.
type State struct {
	Subquestions  []string  `json:"subquestions,omitempty"`
	Responses     []string  `json:"responses,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Verdict       string    `json:"verdict,omitempty"` // "sufficient" or "insufficient".
	VerdictReason string    `json:"verdict_reason,omitempty"`
	Passages      []Passage `json:"passages,omitempty"`
	Citation      *Citation `json:"citation,omitempty"`
	Explanation   string    `json:"explanation,omitempty"`
	LoopCount     int       `json:"loop_count"`
	Conversation  []Turn    `json:"conversation,omitempty"`
}

// TraceEntry is one append-only memory trace record. Entries carry digests of
// stage input and output rather than full payloads.
type TraceEntry struct {
	Seq          int       `json:"seq"`
	Stage        Stage     `json:"stage"`
	InputDigest  string    `json:"input_digest"`
	OutputDigest string    `json:"output_digest"`
	Timestamp    time.Time `json:"timestamp"`
}

// Record is the unit of persistence: session metadata, pipeline state and the
// trace appended so far.
type Record struct {
	Session Session
	State   State
	Trace   []TraceEntry
}

// Store persists session records with a TTL configured at construction.
// Put overwrites the full record; AppendTrace appends entries without
// rewriting state, preserving trace order across concurrent readers.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	AppendTrace(ctx context.Context, id uuid.UUID, entries ...TraceEntry) error
	Delete(ctx context.Context, id uuid.UUID) error
	Close() error
}

// Digest returns a short hex digest of s for use in trace entries.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}

// Clone returns a deep copy of the record so callers can mutate it without
// aliasing store-internal state.
func (r *Record) Clone() *Record {
	cp := *r
	cp.State.Subquestions = append([]string(nil), r.State.Subquestions...)
	cp.State.Responses = append([]string(nil), r.State.Responses...)
	cp.State.Passages = append([]Passage(nil), r.State.Passages...)
	cp.State.Conversation = append([]Turn(nil), r.State.Conversation...)
	if r.State.Citation != nil {
		c := *r.State.Citation
		cp.State.Citation = &c
	}
	cp.Trace = append([]TraceEntry(nil), r.Trace...)
	return &cp
}
