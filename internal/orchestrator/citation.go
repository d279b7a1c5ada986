package orchestrator

import (
	"strings"

	"github.com/jkaninda/sage/internal/session"
)

// maxExcerptLen caps citation excerpts; longer passages are truncated with an
// ellipsis.
const maxExcerptLen = 300

// chooseCitation selects the single passage that best supports the answer.
// Caller-supplied document context always wins over fetched passages. Among
// fetched passages the highest relevance wins; equal relevance is broken in
// favor of the most recently fetched passage.
func chooseCitation(documentContext string, passages []session.Passage) *session.Citation {
	if strings.TrimSpace(documentContext) != "" {
		return &session.Citation{
			Source:  "document",
			Excerpt: truncateExcerpt(documentContext),
		}
	}

	var best *session.Passage
	for i := range passages {
		p := &passages[i]
		if best == nil ||
			p.Relevance > best.Relevance ||
			(p.Relevance == best.Relevance && p.FetchedAt.After(best.FetchedAt)) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return &session.Citation{
		Source:  best.Source,
		Excerpt: truncateExcerpt(best.Text),
	}
}

func truncateExcerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxExcerptLen {
		return s
	}
	return s[:maxExcerptLen] + "..."
}
