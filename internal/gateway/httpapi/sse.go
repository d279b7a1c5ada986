package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sage/internal/orchestrator"
	"github.com/jkaninda/sage/internal/session"
)

// streamPollInterval is how often the SSE handler re-reads session state.
const streamPollInterval = 250 * time.Millisecond

// SSEEvent represents a server-sent event for streaming session progress.
type SSEEvent struct {
	Status   string            `json:"status,omitempty"`
	Content  string            `json:"content,omitempty"`
	Citation *session.Citation `json:"citation,omitempty"`
}

// handleSessionStream handles GET /v1/sessions/{id}/stream with SSE.
// Status transitions are streamed as they are observed; once the session
// completes, the committed explanation is streamed sentence by sentence.
// Nothing from an uncommitted explanation is ever sent.
func (g *Gateway) handleSessionStream(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid session ID")
	}

	rec, err := g.engine.Status(c.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
		}
		return c.AbortInternalServerError("status lookup failed")
	}

	lastStatus := rec.Session.Status
	c.SSEvent("status", SSEEvent{Status: string(lastStatus)})

	for !rec.Session.Status.Terminal() {
		select {
		case <-c.Context().Done():
			return nil
		case <-time.After(streamPollInterval):
		}

		rec, err = g.engine.Status(c.Context(), id)
		if err != nil {
			c.SSEvent("error", SSEEvent{Content: "session no longer available"})
			return nil
		}
		if rec.Session.Status != lastStatus {
			lastStatus = rec.Session.Status
			c.SSEvent("status", SSEEvent{Status: string(lastStatus)})
		}
	}

	switch rec.Session.Status {
	case session.StatusComplete:
		for _, sentence := range splitSentences(rec.State.Explanation) {
			c.SSEvent("text", SSEEvent{Content: sentence})
		}
		if rec.State.Citation != nil {
			c.SSEvent("citation", SSEEvent{Citation: rec.State.Citation})
		}
	case session.StatusFailed:
		c.SSEvent("error", SSEEvent{Content: rec.Session.Error})
	case session.StatusCancelled:
		c.SSEvent("error", SSEEvent{Content: "session cancelled"})
	}

	c.SSEvent("done", SSEEvent{Status: string(rec.Session.Status)})
	return nil
}

// splitSentences splits text on sentence-ending punctuation followed by
// whitespace. The terminator stays attached to its sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' || text[i+1] == '\n' {
				if s := strings.TrimSpace(text[start : i+1]); s != "" {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
