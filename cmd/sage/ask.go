package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the ask command.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitUnauthorized = 2
	ExitUnavailable  = 3
)

var (
	askQuestion   string
	askContext    string
	askServerURL  string
	askAPIKey     string
	askStream     bool
	askTimeout    int
	askShowTrace  bool
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask a question through a Sage server",
	Long: `Send a question to a Sage server, wait for the research session to finish
and print the explanation.

Examples:
  sage ask -q "why did checkout latency spike last week?"
  sage ask -q "compare raft and paxos" --stream
  sage ask -q "summarize this incident" --context "$(cat incident.txt)"

Exit codes:
  0  success
  1  session failed or was cancelled
  2  unauthorized or rate limited
  3  server unavailable`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askQuestion, "question", "q", "", "question to research (required)")
	askCmd.Flags().StringVar(&askContext, "context", "", "optional document context to ground retrieval")
	askCmd.Flags().StringVar(&askServerURL, "server-url", "http://localhost:8080", "Sage server URL")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key for server authentication (or SAGE_API_KEY env)")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "stream the explanation via SSE")
	askCmd.Flags().IntVar(&askTimeout, "timeout", 300, "timeout in seconds")
	askCmd.Flags().BoolVar(&askShowTrace, "trace", false, "print the memory trace after the answer")

	_ = askCmd.MarkFlagRequired("question")
}

func runAsk(_ *cobra.Command, _ []string) error {
	if askQuestion == "" {
		return fmt.Errorf("question is required: use -q flag")
	}

	// Resolve API key and server URL from flag or env.
	apiKey := goutils.Env("SAGE_API_KEY", askAPIKey)
	serverURL := goutils.Env("SAGE_SERVER_URL", askServerURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(askTimeout)*time.Second)
	defer cancel()

	sessionID := startSession(ctx, serverURL, apiKey)

	if askStream {
		return streamSession(ctx, serverURL, apiKey, sessionID)
	}
	return pollSession(ctx, serverURL, apiKey, sessionID)
}

// startSession submits the question and returns the new session ID.
// Exits the process on any error.
func startSession(ctx context.Context, serverURL, apiKey string) string {
	reqBody, _ := json.Marshal(map[string]any{
		"query":            askQuestion,
		"document_context": askContext,
	})

	req, err := http.NewRequestWithContext(ctx, "POST", serverURL+"/v1/sessions", bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
		var started struct {
			SessionID     string `json:"session_id"`
			CorrelationID string `json:"correlation_id"`
		}
		_ = json.Unmarshal(respBody, &started)
		fmt.Fprintf(os.Stderr, "[session=%s correlation_id=%s]\n", started.SessionID, started.CorrelationID)
		return started.SessionID

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitUnauthorized)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return "" // unreachable
}

// sessionView mirrors the server's session response.
type sessionView struct {
	Status    string `json:"status"`
	Result    string `json:"result"`
	Verdict   string `json:"verdict"`
	LoopCount int    `json:"loop_count"`
	Citation  *struct {
		Source  string `json:"source"`
		Excerpt string `json:"excerpt"`
	} `json:"citation"`
	MemoryTrace []struct {
		Seq          int    `json:"seq"`
		Stage        string `json:"stage"`
		InputDigest  string `json:"input_digest"`
		OutputDigest string `json:"output_digest"`
	} `json:"memory_trace"`
	Error string `json:"error"`
}

// pollSession polls the session until it is terminal and prints the result.
func pollSession(ctx context.Context, serverURL, apiKey, sessionID string) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "Error: timed out waiting for the session")
			os.Exit(ExitFailure)
		case <-time.After(1 * time.Second):
		}

		req, err := http.NewRequestWithContext(ctx, "GET", serverURL+"/v1/sessions/"+sessionID, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(ExitFailure)
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
			os.Exit(ExitUnavailable)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
			os.Exit(ExitFailure)
		}

		var view sessionView
		if err := json.Unmarshal(respBody, &view); err != nil {
			fmt.Fprintf(os.Stderr, "Error: malformed server response: %v\n", err)
			os.Exit(ExitFailure)
		}

		switch view.Status {
		case "complete":
			fmt.Println(view.Result)
			if view.Citation != nil {
				fmt.Fprintf(os.Stderr, "\n[source: %s] %s\n", view.Citation.Source, view.Citation.Excerpt)
			}
			fmt.Fprintf(os.Stderr, "[verdict=%s loops=%d]\n", view.Verdict, view.LoopCount)
			if askShowTrace {
				printTrace(view)
			}
			os.Exit(ExitSuccess)
		case "failed":
			fmt.Fprintf(os.Stderr, "Error: session failed: %s\n", view.Error)
			os.Exit(ExitFailure)
		case "cancelled":
			fmt.Fprintln(os.Stderr, "Error: session was cancelled")
			os.Exit(ExitFailure)
		}
	}
}

func printTrace(view sessionView) {
	for _, entry := range view.MemoryTrace {
		fmt.Fprintf(os.Stderr, "  %2d %-10s in=%s out=%s\n",
			entry.Seq, entry.Stage, entry.InputDigest, entry.OutputDigest)
	}
}

// streamSession consumes the SSE stream and prints events as they arrive.
func streamSession(ctx context.Context, serverURL, apiKey, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", serverURL+"/v1/sessions/"+sessionID+"/stream", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", serverURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	// Parse the SSE stream. Each event is an "event:" line followed by a
	// "data:" line carrying JSON.
	scanner := bufio.NewScanner(resp.Body)
	exitCode := ExitSuccess
	eventName := ""

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event struct {
			Status   string `json:"status"`
			Content  string `json:"content"`
			Citation *struct {
				Source  string `json:"source"`
				Excerpt string `json:"excerpt"`
			} `json:"citation"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch eventName {
		case "status":
			fmt.Fprintf(os.Stderr, "[status: %s]\n", event.Status)
		case "text":
			fmt.Println(event.Content)
		case "citation":
			if event.Citation != nil {
				fmt.Fprintf(os.Stderr, "[source: %s] %s\n", event.Citation.Source, event.Citation.Excerpt)
			}
		case "error":
			fmt.Fprintf(os.Stderr, "Error: %s\n", event.Content)
			exitCode = ExitFailure
		case "done":
			os.Exit(exitCode)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}

	return nil
}
