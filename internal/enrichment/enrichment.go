// Package enrichment provides the external-context port used when validation
// finds a summary insufficient. A Fetcher turns the failing query into
// supporting passages from a knowledge source (an MCP server or a plain HTTP
// knowledge API).
package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/sage/internal/session"
)

// ErrUnavailable indicates the enrichment source could not be reached or
// returned an unusable response. The pipeline treats this as "no new
// passages" and proceeds to the explanation rather than retrying.
var ErrUnavailable = errors.New("enrichment source unavailable")

// Fetcher retrieves supporting passages for a query.
type Fetcher interface {
	// FetchContext returns passages relevant to the query, best first.
	// Implementations return an error wrapping ErrUnavailable when the
	// source cannot be reached.
	FetchContext(ctx context.Context, query string) ([]session.Passage, error)
	// Name identifies the fetcher for logging and trace purposes.
	Name() string
	Close() error
}

// stampPassages fills FetchedAt and assigns decaying relevance for sources
// that do not score their results. The first passage is considered the best
// match.
func stampPassages(passages []session.Passage, source string, now time.Time) []session.Passage {
	for i := range passages {
		if passages[i].Source == "" {
			passages[i].Source = source
		}
		if passages[i].FetchedAt.IsZero() {
			passages[i].FetchedAt = now
		}
		if passages[i].Relevance == 0 {
			passages[i].Relevance = 1.0 / float64(i+1)
		}
	}
	return passages
}
