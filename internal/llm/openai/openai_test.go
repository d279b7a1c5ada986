package openai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/sage/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request structure.
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}

		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %q", req.Model)
		}
		// Should have system + user messages.
		if len(req.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(req.Messages))
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("expected system role, got %q", req.Messages[0].Role)
		}
		if req.Messages[1].Role != "user" {
			t.Errorf("expected user role, got %q", req.Messages[1].Role)
		}

		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected content Hello!, got %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestComplete_MultiTurnConversation(t *testing.T) {
	var capturedReq apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "Done."},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 30, CompletionTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "What is a rate limiter?"},
			{Role: llm.RoleAssistant, Content: "A throughput control mechanism."},
			{Role: llm.RoleUser, Content: "Name one algorithm."},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// system + 3 conversation turns = 4 messages.
	if len(capturedReq.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(capturedReq.Messages))
	}
	if capturedReq.Messages[2].Role != "assistant" {
		t.Errorf("expected assistant role, got %q", capturedReq.Messages[2].Role)
	}
}

func TestComplete_NoAuth(t *testing.T) {
	// Ollama scenario: no API key.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		resp := apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "OK"},
				FinishReason: "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("", "llama3.1", discardLogger(), WithBaseURL(srv.URL), WithName("ollama"))
	if client.Name() != "ollama" {
		t.Errorf("expected name ollama, got %q", client.Name())
	}

	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content OK, got %q", resp.Content)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.input); got != tt.want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
