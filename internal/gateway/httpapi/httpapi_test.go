package httpapi

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sage/internal/session"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty",
			text: "  ",
			want: nil,
		},
		{
			name: "single sentence",
			text: "The answer is mutual TLS.",
			want: []string{"The answer is mutual TLS."},
		},
		{
			name: "multiple sentences",
			text: "First point. Second point! Third point?",
			want: []string{"First point.", "Second point!", "Third point?"},
		},
		{
			name: "decimal not split",
			text: "Latency dropped to 1.5 seconds. That is acceptable.",
			want: []string{"Latency dropped to 1.5 seconds.", "That is acceptable."},
		},
		{
			name: "trailing text without terminator",
			text: "Done. And one more thing",
			want: []string{"Done.", "And one more thing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitSentences(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitSentences(%q):\n got %#v\nwant %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestMaxBytesHandler(t *testing.T) {
	var readErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		if readErr != nil {
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := maxBytesHandler(16, inner)

	// Within the limit.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions", strings.NewReader("small body")))
	if readErr != nil {
		t.Fatalf("body within limit failed: %v", readErr)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Over the limit.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/sessions", strings.NewReader(strings.Repeat("x", 64))))
	if readErr == nil {
		t.Fatal("reading an oversized body should fail")
	}
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("err = %v, want MaxBytesError", readErr)
	}
}

func TestSessionResponse_ResultOnlyWhenComplete(t *testing.T) {
	rec := &session.Record{
		Session: session.Session{
			ID:        uuid.New(),
			Query:     "question",
			Status:    session.StatusRunning,
			CreatedAt: time.Now().UTC(),
		},
		State: session.State{
			Summary:     "partial summary",
			Explanation: "partial explanation",
		},
	}

	resp := sessionResponse(rec)
	if resp.Result != "" {
		t.Errorf("running session must not expose a result, got %q", resp.Result)
	}
	if resp.Summary != "" {
		t.Errorf("running session must not expose a summary, got %q", resp.Summary)
	}
	if resp.MemoryTrace == nil {
		t.Error("memory trace must serialize as an array, not null")
	}

	rec.Session.Status = session.StatusComplete
	resp = sessionResponse(rec)
	if resp.Result != "partial explanation" {
		t.Errorf("complete session should expose the explanation, got %q", resp.Result)
	}
	if resp.Summary != "partial summary" {
		t.Errorf("complete session should expose the summary, got %q", resp.Summary)
	}
}
