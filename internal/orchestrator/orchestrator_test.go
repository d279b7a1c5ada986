package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/session"
	"github.com/jkaninda/sage/internal/session/memstore"
)

// fakeProvider routes reasoning calls to a per-test handler.
type fakeProvider struct {
	fn func(ctx context.Context, req *llm.Request) (*llm.Response, error)
}

func (f *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(ctx, req)
}

func (f *fakeProvider) Name() string { return "fake" }

// stageScript builds a provider handler from canned per-stage behavior.
type stageScript struct {
	mu            sync.Mutex
	decomposeResp string
	retrieve      func(content string) (string, error)
	synthesizeResp string
	validateResps []string // Popped per validate call.
	explainResp   string
	explainErr    error
}

func (s *stageScript) provider() *fakeProvider {
	return &fakeProvider{fn: func(_ context.Context, req *llm.Request) (*llm.Response, error) {
		switch req.SystemPrompt {
		case decomposerSystemPrompt:
			return &llm.Response{Content: s.decomposeResp}, nil
		case retrieverSystemPrompt:
			content := req.Messages[len(req.Messages)-1].Content
			if s.retrieve != nil {
				answer, err := s.retrieve(content)
				if err != nil {
					return nil, err
				}
				return &llm.Response{Content: answer}, nil
			}
			return &llm.Response{Content: "Answer to: " + content}, nil
		case synthesizerSystemPrompt:
			resp := s.synthesizeResp
			if resp == "" {
				resp = "The combined summary."
			}
			return &llm.Response{Content: resp}, nil
		case validatorSystemPrompt:
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.validateResps) == 0 {
				return &llm.Response{Content: "Yes. The summary is sufficient."}, nil
			}
			resp := s.validateResps[0]
			s.validateResps = s.validateResps[1:]
			return &llm.Response{Content: resp}, nil
		case explainerSystemPrompt:
			if s.explainErr != nil {
				return nil, s.explainErr
			}
			resp := s.explainResp
			if resp == "" {
				resp = "A longer explanation of the summary."
			}
			return &llm.Response{Content: resp}, nil
		default:
			return nil, fmt.Errorf("unexpected system prompt: %q", req.SystemPrompt)
		}
	}}
}

// fakeFetcher returns canned passages or an error and records the queries it
// was asked for.
type fakeFetcher struct {
	passages  []session.Passage
	err       error
	calls     int
	lastQuery string
}

func (f *fakeFetcher) FetchContext(_ context.Context, query string) ([]session.Passage, error) {
	f.calls++
	f.lastQuery = query
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

func (f *fakeFetcher) Name() string { return "fake" }
func (f *fakeFetcher) Close() error { return nil }

func newTestEngine(t *testing.T, provider llm.Provider, fetcher enrichment.Fetcher) (*Engine, session.Store) {
	t.Helper()
	store := memstore.New(time.Hour)
	eng := NewEngine(store, provider, fetcher, nil, nil, Config{
		StageTimeout:    5 * time.Second,
		PersistAttempts: 1,
	})
	return eng, store
}

// waitForTerminal polls until the session reaches a terminal status.
func waitForTerminal(t *testing.T, eng *Engine, id uuid.UUID) *session.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := eng.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if rec.Session.Status.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal status")
	return nil
}

func TestStart_EmptyQuery(t *testing.T) {
	eng, store := newTestEngine(t, (&stageScript{}).provider(), nil)

	_, err := eng.Start(context.Background(), &StartRequest{Query: "   "})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	// Nothing may be persisted for a rejected request. The store has no
	// sessions at all, so any ID must come back not found.
	if _, err := store.Get(context.Background(), uuid.New()); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStart_DuplicateSessionID(t *testing.T) {
	script := &stageScript{decomposeResp: `["q1", "q2"]`}
	eng, _ := newTestEngine(t, script.provider(), nil)

	id := uuid.New()
	if _, err := eng.Start(context.Background(), &StartRequest{SessionID: id, Query: "what is mTLS?"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := eng.Start(context.Background(), &StartRequest{SessionID: id, Query: "again"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for duplicate ID, got %v", err)
	}
	waitForTerminal(t, eng, id)
}

func TestPipeline_HappyPath(t *testing.T) {
	script := &stageScript{
		decomposeResp:  `["What is mTLS?", "How does mTLS differ from TLS?", "When is mTLS required?"]`,
		synthesizeResp: "mTLS authenticates both peers.",
		explainResp:    "mTLS extends TLS by requiring certificates on both sides.",
	}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, err := eng.Start(context.Background(), &StartRequest{Query: "Explain mTLS requirements."})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Status != session.StatusPending {
		t.Errorf("expected pending at start, got %s", sess.Status)
	}

	rec := waitForTerminal(t, eng, sess.ID)
	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}

	if len(rec.State.Subquestions) != 3 {
		t.Fatalf("expected 3 subquestions, got %d", len(rec.State.Subquestions))
	}
	if len(rec.State.Responses) != len(rec.State.Subquestions) {
		t.Fatalf("responses (%d) must match subquestions (%d)",
			len(rec.State.Responses), len(rec.State.Subquestions))
	}
	if rec.State.Summary != "mTLS authenticates both peers." {
		t.Errorf("unexpected summary: %q", rec.State.Summary)
	}
	if rec.State.Verdict != session.VerdictSufficient {
		t.Errorf("expected sufficient verdict, got %q", rec.State.Verdict)
	}
	if rec.State.Explanation != "mTLS extends TLS by requiring certificates on both sides." {
		t.Errorf("unexpected explanation: %q", rec.State.Explanation)
	}
	if rec.State.LoopCount != 0 {
		t.Errorf("expected 0 enrichment loops, got %d", rec.State.LoopCount)
	}

	// Trace: decompose, 3 retrieves in subquestion order, synthesize,
	// validate, explain.
	wantStages := []session.Stage{
		session.StageDecompose,
		session.StageRetrieve, session.StageRetrieve, session.StageRetrieve,
		session.StageSynthesize,
		session.StageValidate,
		session.StageExplain,
	}
	if len(rec.Trace) != len(wantStages) {
		t.Fatalf("expected %d trace entries, got %d", len(wantStages), len(rec.Trace))
	}
	for i, entry := range rec.Trace {
		if entry.Stage != wantStages[i] {
			t.Errorf("trace[%d]: expected stage %s, got %s", i, wantStages[i], entry.Stage)
		}
		if entry.Seq != i {
			t.Errorf("trace[%d]: expected seq %d, got %d", i, i, entry.Seq)
		}
		if entry.InputDigest == "" || entry.OutputDigest == "" {
			t.Errorf("trace[%d]: missing digests", i)
		}
	}
	// Retrieve entries follow subquestion order, not completion order.
	for i, subq := range rec.State.Subquestions {
		if rec.Trace[1+i].InputDigest != session.Digest(subq) {
			t.Errorf("retrieve trace %d does not match subquestion %d", i, i)
		}
	}

	// Conversation log carries one user/assistant pair per subquestion.
	if len(rec.State.Conversation) != 6 {
		t.Errorf("expected 6 conversation turns, got %d", len(rec.State.Conversation))
	}
}

func TestPipeline_EnrichmentLoop(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["q1", "q2"]`,
		validateResps: []string{
			"No. The summary needs supporting context.",
			"Yes. The enriched summary is sufficient.",
		},
	}
	fetcher := &fakeFetcher{passages: []session.Passage{
		{Source: "kb", Text: "Relevant legal clause.", Relevance: 0.9},
		{Source: "kb", Text: "Secondary reference.", Relevance: 0.4},
	}}
	eng, _ := newTestEngine(t, script.provider(), fetcher)

	sess, err := eng.Start(context.Background(), &StartRequest{Query: "Is clause 7 enforceable?"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if rec.State.LoopCount != 1 {
		t.Errorf("expected 1 enrichment loop, got %d", rec.State.LoopCount)
	}
	if fetcher.calls != 1 {
		t.Errorf("expected 1 fetch call, got %d", fetcher.calls)
	}
	if len(rec.State.Passages) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(rec.State.Passages))
	}
	if rec.State.Citation == nil {
		t.Fatal("expected a citation")
	}
	if rec.State.Citation.Excerpt != "Relevant legal clause." {
		t.Errorf("expected highest-relevance passage as citation, got %q", rec.State.Citation.Excerpt)
	}

	// The fetch query targets the gap: original question plus the
	// validator's insufficiency reason.
	if !strings.Contains(fetcher.lastQuery, "Is clause 7 enforceable?") {
		t.Errorf("fetch query missing the original question: %q", fetcher.lastQuery)
	}
	if !strings.Contains(fetcher.lastQuery, "The summary needs supporting context") {
		t.Errorf("fetch query missing the insufficiency reason: %q", fetcher.lastQuery)
	}

	// Trace contains the enrichment loop: synthesize, validate, enrich,
	// synthesize, validate.
	var stages []session.Stage
	for _, entry := range rec.Trace {
		stages = append(stages, entry.Stage)
	}
	want := []session.Stage{
		session.StageDecompose,
		session.StageRetrieve, session.StageRetrieve,
		session.StageSynthesize, session.StageValidate,
		session.StageEnrich,
		session.StageSynthesize, session.StageValidate,
		session.StageExplain,
	}
	if !reflect.DeepEqual(stages, want) {
		t.Errorf("unexpected trace stages:\n got %v\nwant %v", stages, want)
	}
}

func TestPipeline_LoopBudgetExhausted(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["q1", "q2"]`,
		validateResps: []string{
			"No. Still missing context.",
			"No. Still insufficient.",
		},
	}
	fetcher := &fakeFetcher{passages: []session.Passage{{Source: "kb", Text: "Some context."}}}
	eng, _ := newTestEngine(t, script.provider(), fetcher)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "hard question"})
	rec := waitForTerminal(t, eng, sess.ID)

	// The loop budget (default 1) caps enrichment; the session completes
	// with the summary it has.
	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if rec.State.LoopCount != 1 {
		t.Errorf("expected exactly 1 loop, got %d", rec.State.LoopCount)
	}
	if fetcher.calls != 1 {
		t.Errorf("expected exactly 1 fetch, got %d", fetcher.calls)
	}
	if rec.State.Verdict != session.VerdictInsufficient {
		t.Errorf("expected final verdict insufficient, got %q", rec.State.Verdict)
	}

	// The exhausted budget is recorded in the trace before the pipeline
	// moves on to the explanation.
	var stages []session.Stage
	for _, entry := range rec.Trace {
		stages = append(stages, entry.Stage)
	}
	want := []session.Stage{
		session.StageDecompose,
		session.StageRetrieve, session.StageRetrieve,
		session.StageSynthesize, session.StageValidate,
		session.StageEnrich,
		session.StageSynthesize, session.StageValidate,
		session.StageEnrich,
		session.StageExplain,
	}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("unexpected trace stages:\n got %v\nwant %v", stages, want)
	}
	marker := rec.Trace[len(rec.Trace)-2]
	if marker.OutputDigest != session.Digest(loopBudgetExhaustedNote) {
		t.Error("expected the final enrich entry to record the exhausted loop budget")
	}
}

func TestPipeline_EnrichmentUnavailable(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["q1", "q2"]`,
		validateResps: []string{"No. Needs more context."},
	}
	fetcher := &fakeFetcher{err: fmt.Errorf("%w: connection refused", enrichment.ErrUnavailable)}
	eng, _ := newTestEngine(t, script.provider(), fetcher)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	// An unreachable enrichment source is "no new passages", never a
	// session failure: the pipeline proceeds to the explanation with the
	// verdict left insufficient.
	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if rec.Session.Error != "" {
		t.Errorf("expected no session error, got %q", rec.Session.Error)
	}
	if rec.State.Verdict != session.VerdictInsufficient {
		t.Errorf("expected verdict insufficient, got %q", rec.State.Verdict)
	}
	if rec.State.LoopCount != 0 {
		t.Errorf("a failed fetch must not charge the loop budget, got %d", rec.State.LoopCount)
	}
	if len(rec.State.Passages) != 0 {
		t.Errorf("expected no passages, got %d", len(rec.State.Passages))
	}
	if rec.State.Explanation == "" {
		t.Error("expected an explanation despite the failed enrichment")
	}

	// The skipped enrichment is visible in the trace.
	var stages []session.Stage
	for _, entry := range rec.Trace {
		stages = append(stages, entry.Stage)
	}
	want := []session.Stage{
		session.StageDecompose,
		session.StageRetrieve, session.StageRetrieve,
		session.StageSynthesize, session.StageValidate,
		session.StageEnrich,
		session.StageExplain,
	}
	if !reflect.DeepEqual(stages, want) {
		t.Fatalf("unexpected trace stages:\n got %v\nwant %v", stages, want)
	}
	marker := rec.Trace[len(rec.Trace)-2]
	if marker.OutputDigest != session.Digest(enrichmentSkippedNote) {
		t.Error("expected the enrich entry to record the skipped enrichment")
	}
}

func TestPipeline_NoFetcherConfigured(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["q1", "q2"]`,
		validateResps: []string{"No. Needs more context."},
	}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	// No configured source degrades the same way as an unreachable one.
	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if rec.State.Verdict != session.VerdictInsufficient {
		t.Errorf("expected verdict insufficient, got %q", rec.State.Verdict)
	}
	if rec.State.LoopCount != 0 {
		t.Errorf("expected 0 loops, got %d", rec.State.LoopCount)
	}
}

func TestPipeline_RetrievalFailureIsolated(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["good one", "broken one", "another good one"]`,
		retrieve: func(content string) (string, error) {
			if strings.Contains(content, "broken") {
				return "", fmt.Errorf("model overloaded")
			}
			return "Answer to: " + content, nil
		},
	}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if len(rec.State.Responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(rec.State.Responses))
	}
	if rec.State.Responses[1] != retrievalPlaceholder {
		t.Errorf("expected placeholder at index 1, got %q", rec.State.Responses[1])
	}
	if rec.State.Responses[0] == retrievalPlaceholder || rec.State.Responses[2] == retrievalPlaceholder {
		t.Error("healthy retrievals must not be replaced by placeholders")
	}
}

func TestPipeline_ValidatorMalformed(t *testing.T) {
	script := &stageScript{
		decomposeResp: `["q1", "q2"]`,
		validateResps: []string{"Perhaps, it depends on the jurisdiction."},
	}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Session.Status)
	}
	if !strings.Contains(rec.Session.Error, "stage validate") {
		t.Errorf("expected validate stage error, got %q", rec.Session.Error)
	}
}

func TestPipeline_DecomposerTooFewSubquestions(t *testing.T) {
	script := &stageScript{decomposeResp: `["only one"]`}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Session.Status)
	}
	if !strings.Contains(rec.Session.Error, "stage decompose") {
		t.Errorf("expected decompose stage error, got %q", rec.Session.Error)
	}
}

func TestPipeline_ExplainerFallsBackToSummary(t *testing.T) {
	script := &stageScript{
		decomposeResp:  `["q1", "q2"]`,
		synthesizeResp: "The short summary.",
		explainErr:     fmt.Errorf("model unavailable"),
	}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
	if rec.State.Explanation != "The short summary." {
		t.Errorf("expected explanation to fall back to summary, got %q", rec.State.Explanation)
	}
}

func TestPipeline_DocumentContextCitation(t *testing.T) {
	script := &stageScript{decomposeResp: `["q1", "q2"]`}
	eng, _ := newTestEngine(t, script.provider(), nil)

	doc := strings.Repeat("clause text ", 40) // Over the excerpt cap.
	sess, _ := eng.Start(context.Background(), &StartRequest{
		Query:           "question",
		DocumentContext: doc,
	})
	rec := waitForTerminal(t, eng, sess.ID)

	if rec.Session.Status != session.StatusComplete {
		t.Fatalf("expected complete, got %s", rec.Session.Status)
	}
	if rec.State.Citation == nil {
		t.Fatal("expected a citation from document context")
	}
	if rec.State.Citation.Source != "document" {
		t.Errorf("expected document source, got %q", rec.State.Citation.Source)
	}
	if !strings.HasSuffix(rec.State.Citation.Excerpt, "...") {
		t.Error("expected truncated excerpt to end with ellipsis")
	}
	if len(rec.State.Citation.Excerpt) != maxExcerptLen+3 {
		t.Errorf("expected excerpt of %d chars, got %d", maxExcerptLen+3, len(rec.State.Citation.Excerpt))
	}
}

func TestCancel_MidRetrieval(t *testing.T) {
	retrievalStarted := make(chan struct{})
	var once sync.Once
	script := &stageScript{decomposeResp: `["q1", "q2"]`}
	base := script.provider()
	blocking := &fakeProvider{fn: func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		if req.SystemPrompt == retrieverSystemPrompt {
			once.Do(func() { close(retrievalStarted) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return base.fn(ctx, req)
	}}
	eng, _ := newTestEngine(t, blocking, nil)

	sess, err := eng.Start(context.Background(), &StartRequest{Query: "question"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	<-retrievalStarted
	if err := eng.Cancel(context.Background(), sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	rec := waitForTerminal(t, eng, sess.ID)
	if rec.Session.Status != session.StatusCancelled {
		t.Fatalf("expected cancelled, got %s (error: %s)", rec.Session.Status, rec.Session.Error)
	}
}

func TestCancel_FinishedSessionIsNoop(t *testing.T) {
	script := &stageScript{decomposeResp: `["q1", "q2"]`}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	waitForTerminal(t, eng, sess.ID)

	if err := eng.Cancel(context.Background(), sess.ID); err != nil {
		t.Errorf("cancelling a finished session should be a no-op, got %v", err)
	}
}

func TestStatus_UnknownSession(t *testing.T) {
	eng, _ := newTestEngine(t, (&stageScript{}).provider(), nil)
	_, err := eng.Status(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatus_RepeatedReadsIdentical(t *testing.T) {
	script := &stageScript{decomposeResp: `["q1", "q2"]`}
	eng, _ := newTestEngine(t, script.provider(), nil)

	sess, _ := eng.Start(context.Background(), &StartRequest{Query: "question"})
	waitForTerminal(t, eng, sess.ID)

	first, err := eng.Status(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	second, err := eng.Status(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("repeated status reads of a terminal session must be identical")
	}
}

// failingStore wraps a store and fails all writes.
type failingStore struct {
	session.Store
}

func (f *failingStore) Put(context.Context, *session.Record) error {
	return fmt.Errorf("disk full")
}

func TestStart_PersistenceError(t *testing.T) {
	store := &failingStore{Store: memstore.New(time.Hour)}
	eng := NewEngine(store, (&stageScript{}).provider(), nil, nil, nil, Config{})

	_, err := eng.Start(context.Background(), &StartRequest{Query: "question"})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}
