package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sage/internal/session"
)

func TestParseSubquestions(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
		wantErr  bool
	}{
		{
			name:     "plain array",
			response: `["What is X?", "Why does X matter?"]`,
			want:     []string{"What is X?", "Why does X matter?"},
		},
		{
			name:     "array wrapped in prose",
			response: "Here are the subquestions:\n[\"What is X?\", \"Why does X matter?\"]\nLet me know.",
			want:     []string{"What is X?", "Why does X matter?"},
		},
		{
			name:     "brackets inside strings",
			response: `["What is [citation needed]?", "How does ] work?"]`,
			want:     []string{"What is [citation needed]?", "How does ] work?"},
		},
		{
			name:     "blank entries dropped",
			response: `["What is X?", "  ", ""]`,
			want:     []string{"What is X?"},
		},
		{
			name:     "empty response",
			response: "   ",
			wantErr:  true,
		},
		{
			name:     "no array at all",
			response: "I cannot split this question.",
			wantErr:  true,
		},
		{
			name:     "unterminated array",
			response: `["What is X?", "Why`,
			wantErr:  true,
		},
		{
			name:     "all entries blank",
			response: `["", "  "]`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSubquestions(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("subquestion %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name        string
		response    string
		wantVerdict string
		wantReason  string
		wantErr     bool
	}{
		{
			name:        "yes with period",
			response:    "Yes. The summary covers all aspects.",
			wantVerdict: session.VerdictSufficient,
			wantReason:  "The summary covers all aspects.",
		},
		{
			name:        "no with comma",
			response:    "No, it misses the enforcement clause.",
			wantVerdict: session.VerdictInsufficient,
			wantReason:  "it misses the enforcement clause.",
		},
		{
			name:        "case insensitive",
			response:    "YES: complete.",
			wantVerdict: session.VerdictSufficient,
			wantReason:  "complete.",
		},
		{
			name:        "bare yes",
			response:    "yes",
			wantVerdict: session.VerdictSufficient,
			wantReason:  "",
		},
		{
			name:        "newline separator",
			response:    "No\nThe summary contradicts the document.",
			wantVerdict: session.VerdictInsufficient,
			wantReason:  "The summary contradicts the document.",
		},
		{
			name:     "hedge instead of verdict",
			response: "Maybe. It depends.",
			wantErr:  true,
		},
		{
			name:     "empty",
			response: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, reason, err := parseVerdict(tt.response)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got verdict %q", verdict)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if verdict != tt.wantVerdict {
				t.Errorf("expected verdict %q, got %q", tt.wantVerdict, verdict)
			}
			if reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, reason)
			}
		})
	}
}

func TestChooseCitation(t *testing.T) {
	now := time.Now().UTC()

	t.Run("no sources", func(t *testing.T) {
		if c := chooseCitation("", nil); c != nil {
			t.Fatalf("expected nil citation, got %+v", c)
		}
	})

	t.Run("document context wins over passages", func(t *testing.T) {
		passages := []session.Passage{{Source: "kb", Text: "fetched", Relevance: 1.0}}
		c := chooseCitation("the uploaded contract", passages)
		if c == nil || c.Source != "document" {
			t.Fatalf("expected document citation, got %+v", c)
		}
		if c.Excerpt != "the uploaded contract" {
			t.Errorf("unexpected excerpt: %q", c.Excerpt)
		}
	})

	t.Run("highest relevance wins", func(t *testing.T) {
		passages := []session.Passage{
			{Source: "a", Text: "low", Relevance: 0.2, FetchedAt: now},
			{Source: "b", Text: "high", Relevance: 0.8, FetchedAt: now},
			{Source: "c", Text: "mid", Relevance: 0.5, FetchedAt: now},
		}
		c := chooseCitation("", passages)
		if c == nil || c.Source != "b" {
			t.Fatalf("expected source b, got %+v", c)
		}
	})

	t.Run("tie broken by fetch time", func(t *testing.T) {
		passages := []session.Passage{
			{Source: "old", Text: "first", Relevance: 0.5, FetchedAt: now},
			{Source: "new", Text: "second", Relevance: 0.5, FetchedAt: now.Add(time.Minute)},
		}
		c := chooseCitation("", passages)
		if c == nil || c.Source != "new" {
			t.Fatalf("expected later passage on tie, got %+v", c)
		}
	})

	t.Run("long excerpt truncated", func(t *testing.T) {
		long := strings.Repeat("x", maxExcerptLen+50)
		c := chooseCitation("", []session.Passage{{Source: "kb", Text: long, Relevance: 1}})
		if c == nil {
			t.Fatal("expected a citation")
		}
		if len(c.Excerpt) != maxExcerptLen+3 || !strings.HasSuffix(c.Excerpt, "...") {
			t.Errorf("expected %d-char excerpt ending in ellipsis, got %d chars", maxExcerptLen+3, len(c.Excerpt))
		}
	})
}
