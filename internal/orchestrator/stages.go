package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/session"
)

// Stage agents. Each agent is one reasoning round-trip plus the parsing
// needed to turn free text into pipeline state.

const (
	minSubquestions = 2
	maxSubquestions = 5
)

// retrievalPlaceholder stands in for a subquestion whose retrieval failed.
// It keeps the responses slice aligned with the subquestions slice.
const retrievalPlaceholder = "No answer could be retrieved for this subquestion."

// decompose splits the question into subquestions.
func (p *pipeline) decompose(ctx context.Context, query string) ([]string, error) {
	resp, err := p.provider.Complete(ctx, llm.UserMessage(decomposerSystemPrompt, query))
	if err != nil {
		return nil, stageErr(session.StageDecompose, "reasoning call: %w", err)
	}
	subqs, err := parseSubquestions(resp.Content)
	if err != nil {
		return nil, stageErr(session.StageDecompose, "%w", err)
	}
	if len(subqs) < minSubquestions || len(subqs) > maxSubquestions {
		return nil, stageErr(session.StageDecompose, "expected %d-%d subquestions, got %d",
			minSubquestions, maxSubquestions, len(subqs))
	}
	return subqs, nil
}

// retrieveOne answers a single subquestion. The conversation log carries
// answers committed by earlier pipeline runs within the same session.
func (p *pipeline) retrieveOne(ctx context.Context, subq, documentContext string, conversation []session.Turn) (string, error) {
	req := &llm.Request{SystemPrompt: retrieverSystemPrompt}
	for _, turn := range conversation {
		req.Messages = append(req.Messages, llm.Message{
			Role:    llm.Role(turn.Role),
			Content: turn.Content,
		})
	}
	content := subq
	if strings.TrimSpace(documentContext) != "" {
		content = fmt.Sprintf("Context:\n%s\n\nSubquestion: %s", documentContext, subq)
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: content})

	resp, err := p.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("reasoning call: %w", err)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return "", fmt.Errorf("empty retrieval answer")
	}
	return answer, nil
}

// synthesize combines responses and passages into a short summary.
func (p *pipeline) synthesize(ctx context.Context, rec *session.Record) (string, error) {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(rec.Session.Query)
	sb.WriteString("\n\nRetrieved answers:\n")
	for i, r := range rec.State.Responses {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
	}
	if rec.Session.DocumentContext != "" {
		sb.WriteString("\nDocument context:\n")
		sb.WriteString(rec.Session.DocumentContext)
		sb.WriteString("\n")
	}
	if len(rec.State.Passages) > 0 {
		sb.WriteString("\nSupporting passages:\n")
		for _, passage := range rec.State.Passages {
			fmt.Fprintf(&sb, "- [%s] %s\n", passage.Source, passage.Text)
		}
	}

	resp, err := p.provider.Complete(ctx, llm.UserMessage(synthesizerSystemPrompt, sb.String()))
	if err != nil {
		return "", stageErr(session.StageSynthesize, "reasoning call: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", stageErr(session.StageSynthesize, "empty summary")
	}
	return summary, nil
}

// validate judges whether the summary answers the question. It returns the
// verdict ("sufficient" or "insufficient") and the validator's reasoning.
func (p *pipeline) validate(ctx context.Context, query, summary string) (string, string, error) {
	input := fmt.Sprintf("Question: %s\n\nSummary: %s\n\nDoes the summary sufficiently answer the question?", query, summary)
	resp, err := p.provider.Complete(ctx, llm.UserMessage(validatorSystemPrompt, input))
	if err != nil {
		return "", "", stageErr(session.StageValidate, "reasoning call: %w", err)
	}
	verdict, reason, err := parseVerdict(resp.Content)
	if err != nil {
		return "", "", stageErr(session.StageValidate, "%w", err)
	}
	return verdict, reason, nil
}

// explain expands the summary. Errors are reported to the caller, which falls
// back to the summary itself rather than failing the session.
func (p *pipeline) explain(ctx context.Context, summary string) (string, error) {
	resp, err := p.provider.Complete(ctx, llm.UserMessage(explainerSystemPrompt, summary))
	if err != nil {
		return "", fmt.Errorf("reasoning call: %w", err)
	}
	explanation := strings.TrimSpace(resp.Content)
	if explanation == "" {
		return "", fmt.Errorf("empty explanation")
	}
	return explanation, nil
}

// parseSubquestions extracts a JSON string array from the decomposer's
// response. The model may wrap the array in surrounding prose; bracket
// matching recovers it.
func parseSubquestions(response string) ([]string, error) {
	if strings.TrimSpace(response) == "" {
		return nil, fmt.Errorf("decomposer returned empty response")
	}

	var subqs []string
	if err := json.Unmarshal([]byte(response), &subqs); err != nil {
		start := findJSONArrayStart(response)
		if start < 0 {
			return nil, fmt.Errorf("decomposer response does not contain a JSON array: %w", err)
		}
		end := findJSONArrayEnd(response, start)
		if end < 0 {
			return nil, fmt.Errorf("decomposer response contains malformed JSON array: %w", err)
		}
		if err := json.Unmarshal([]byte(response[start:end+1]), &subqs); err != nil {
			return nil, fmt.Errorf("parsing decomposer JSON: %w", err)
		}
	}

	var cleaned []string
	for _, s := range subqs {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("decomposer returned no subquestions")
	}
	return cleaned, nil
}

// parseVerdict reads the validator's leading yes/no and maps it to a verdict.
func parseVerdict(response string) (string, string, error) {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return "", "", fmt.Errorf("validator returned empty response")
	}

	head := trimmed
	reason := ""
	if idx := strings.IndexAny(trimmed, ".\n,:;"); idx >= 0 {
		head = trimmed[:idx]
		reason = strings.TrimSpace(strings.TrimLeft(trimmed[idx:], ".\n,:; "))
	}

	switch strings.ToLower(strings.TrimSpace(head)) {
	case "yes":
		return session.VerdictSufficient, reason, nil
	case "no":
		return session.VerdictInsufficient, reason, nil
	default:
		return "", "", fmt.Errorf("validator response does not start with yes or no: %q", head)
	}
}

// findJSONArrayStart finds the index of the first '[' in the string.
func findJSONArrayStart(s string) int {
	for i, c := range s {
		if c == '[' {
			return i
		}
	}
	return -1
}

// findJSONArrayEnd finds the matching ']' for the '[' at start.
func findJSONArrayEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		c := s[i]
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == '[' {
			depth++
		} else if c == ']' {
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
