// Package llm defines the provider-agnostic reasoning interface the pipeline
// stages call. Every stage agent reduces to one Complete round-trip: a system
// prompt, a short conversation, and a text answer.
package llm

import "context"

// Provider is the abstraction over any LLM backend (Anthropic, OpenAI, Gemini).
type Provider interface {
	// Complete sends a conversation to the LLM and returns its text response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request represents a full conversation sent to the LLM.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the LLM returns.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens"
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// UserMessage builds a single-turn request with the given system prompt.
func UserMessage(system, content string) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: content}},
	}
}
