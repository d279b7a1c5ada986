package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/sage/internal/session"
)

// MCPConfig describes one MCP server used as an enrichment source.
type MCPConfig struct {
	Name       string            `yaml:"name" json:"name"`
	Transport  string            `yaml:"transport" json:"transport"` // "stdio", "sse" or "streamable_http".
	Command    string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL        string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Tool       string            `yaml:"tool" json:"tool"`                                   // Tool to call for context fetches.
	QueryParam string            `yaml:"query_param,omitempty" json:"query_param,omitempty"` // Tool argument carrying the query. Default "query".
}

// MCPFetcher fetches passages by calling a search tool on an MCP server.
type MCPFetcher struct {
	client     mcpclient.MCPClient
	serverName string
	tool       string
	queryParam string
	logger     *slog.Logger
}

// NewMCPFetcher connects to the configured MCP server and performs the
// initialization handshake.
func NewMCPFetcher(ctx context.Context, cfg MCPConfig, logger *slog.Logger) (*MCPFetcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "sage",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	queryParam := cfg.QueryParam
	if queryParam == "" {
		queryParam = "query"
	}

	logger.Info("MCP enrichment source connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.String("tool", cfg.Tool),
	)

	return &MCPFetcher{
		client:     c,
		serverName: cfg.Name,
		tool:       cfg.Tool,
		queryParam: queryParam,
		logger:     logger,
	}, nil
}

func (f *MCPFetcher) Name() string { return "mcp:" + f.serverName }

// FetchContext calls the configured tool and converts its content items to
// passages, one passage per text item.
func (f *MCPFetcher) FetchContext(ctx context.Context, query string) ([]session.Passage, error) {
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = f.tool
	callReq.Params.Arguments = map[string]any{f.queryParam: query}

	result, err := f.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("%w: MCP call to %s/%s: %v", ErrUnavailable, f.serverName, f.tool, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("%w: MCP tool %s/%s returned error: %s",
			ErrUnavailable, f.serverName, f.tool, formatContent(result.Content))
	}

	now := time.Now().UTC()
	var passages []session.Passage
	for _, c := range result.Content {
		text := contentText(c)
		if strings.TrimSpace(text) == "" {
			continue
		}
		passages = append(passages, session.Passage{Text: text})
	}

	f.logger.InfoContext(ctx, "enrichment context fetched",
		slog.String("source", f.Name()),
		slog.Int("passages", len(passages)),
	)

	return stampPassages(passages, f.Name(), now), nil
}

func (f *MCPFetcher) Close() error {
	return f.client.Close()
}

// contentText extracts the text from an MCP content item, serializing
// non-text content as JSON.
func contentText(c mcp.Content) string {
	if tc, ok := mcp.AsTextContent(c); ok {
		return tc.Text
	}
	data, _ := json.Marshal(c)
	return string(data)
}

func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(contentText(c))
	}
	return sb.String()
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg MCPConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+os.ExpandEnv(v))
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandHeaders(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandHeaders(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// expandHeaders returns a new map with values expanded via os.ExpandEnv.
func expandHeaders(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// Compile-time check.
var _ Fetcher = (*MCPFetcher)(nil)
