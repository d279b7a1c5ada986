// Package config handles loading and validating Sage configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sage.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sage/data. Override: SAGE_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Store         *StoreConfig         `json:"store,omitempty" yaml:"store,omitempty"`           // nil = in-memory store with default TTL.
	Enrichment    *EnrichmentConfig    `json:"enrichment,omitempty" yaml:"enrichment,omitempty"` // nil = enrichment disabled.
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled.
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Empty = auth disabled.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`                   // Serve OpenAPI docs.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	SSE                 bool              `json:"sse" yaml:"sse"` // Enable SSE streaming endpoint.
	WebSocket           bool              `json:"websocket" yaml:"websocket"`                               // Enable WebSocket session watch endpoint.
	WebSocketToken      string            `json:"websocket_token,omitempty" yaml:"websocket_token,omitempty"` // Shared token for WebSocket clients. Empty = auth disabled.
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// StoreConfig configures the session persistence backend.
// When nil, sessions are kept in memory with the default TTL.
type StoreConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // "memory" (default), "redis", "sqlite" or "postgres".
	TTLSeconds    int    `json:"ttl_seconds" yaml:"ttl_seconds"` // Session TTL. Default: 86400 (24h).
	RedisURL      string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"` // Override: SAGE_REDIS_URL env var.
	SQLitePath    string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"` // Default: derived from data dir.
	PostgresDSN   string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"` // Override: SAGE_DB_DSN env var.
	PurgeSchedule string `json:"purge_schedule,omitempty" yaml:"purge_schedule,omitempty"` // Cron spec for expired-session sweeps (sqlite/postgres). Default: "@every 10m".
}

// StoreDriver returns the configured driver, defaulting to "memory".
func (s *StoreConfig) StoreDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "memory"
}

// TTL returns the session TTL with a default of 24h.
func (s *StoreConfig) TTL() time.Duration {
	if s != nil && s.TTLSeconds > 0 {
		return time.Duration(s.TTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// EnrichmentConfig configures the external-context source consulted when a
// summary is judged insufficient. Exactly one of MCP or HTTP may be set.
type EnrichmentConfig struct {
	MCP  *MCPServerConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	HTTP *HTTPSourceConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// MCPServerConfig defines an MCP knowledge server connection. Sage acts as
// an MCP client, calling a single context-retrieval tool on the server.
type MCPServerConfig struct {
	Name       string            `json:"name" yaml:"name"`                                   // Server ID used in citations (e.g., "wiki").
	Transport  string            `json:"transport" yaml:"transport"`                         // "stdio", "sse", or "streamable_http".
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`         // Executable to launch (stdio only).
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`               // Command arguments (stdio only).
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                 // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`                 // Server endpoint (sse/streamable_http only).
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`         // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	Tool       string            `json:"tool" yaml:"tool"`                                   // Tool name to call. Default: "search".
	QueryParam string            `json:"query_param,omitempty" yaml:"query_param,omitempty"` // Tool argument carrying the query. Default: "query".
}

// HTTPSourceConfig defines a plain HTTP knowledge API.
type HTTPSourceConfig struct {
	Name           string            `json:"name" yaml:"name"` // Source ID used in citations.
	BaseURL        string            `json:"base_url" yaml:"base_url"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
}

// Timeout returns the fetch timeout with a default of 10s.
func (h *HTTPSourceConfig) Timeout() time.Duration {
	if h != nil && h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// PipelineConfig tunes the research pipeline.
type PipelineConfig struct {
	MaxEnrichmentLoops      int `json:"max_enrichment_loops" yaml:"max_enrichment_loops"`           // Default: 1.
	MaxConcurrentRetrievals int `json:"max_concurrent_retrievals" yaml:"max_concurrent_retrievals"` // Default: 4.
	StageTimeoutSeconds     int `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`         // Default: 60.
	PersistAttempts         int `json:"persist_attempts" yaml:"persist_attempts"`                   // Default: 3.
}

// StageTimeout returns the per-stage timeout with a default of 60s.
func (p PipelineConfig) StageTimeout() time.Duration {
	if p.StageTimeoutSeconds > 0 {
		return time.Duration(p.StageTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks and anomaly
// detection. When nil, all observability features are disabled with zero
// overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sage"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeStore bool `json:"include_store" yaml:"include_store"`
}

// AnomalyConfig configures threshold-based error rate monitoring for
// reasoning and enrichment calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "gemini", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// DefaultConfigPath returns the default config file path (~/.sage/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sage.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sage", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and store connection strings can be set in the config file or
// overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variables take precedence over config file values.
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		cfg.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Providers.OpenAI.APIKey = envKey
	}
	if envKey := os.Getenv("GEMINI_API_KEY"); envKey != "" {
		cfg.Providers.Gemini.APIKey = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("SAGE_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Store connection overrides from environment.
	if envURL := os.Getenv("SAGE_REDIS_URL"); envURL != "" {
		if cfg.Store == nil {
			cfg.Store = &StoreConfig{Driver: "redis"}
		}
		cfg.Store.RedisURL = envURL
	}
	if envDSN := os.Getenv("SAGE_DB_DSN"); envDSN != "" {
		if cfg.Store == nil {
			cfg.Store = &StoreConfig{Driver: "postgres"}
		}
		cfg.Store.PostgresDSN = envDSN
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sage", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Store != nil && c.Store.SQLitePath != "" {
		return c.Store.SQLitePath
	}
	return filepath.Join(c.ResolvedDataDir(), "sage.db")
}

func (c *Config) validate() error {
	// Default provider to anthropic for backward compatibility.
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("fallback provider: %w", err)
		}
	}
	// Store driver validation.
	if c.Store != nil && c.Store.Driver != "" {
		switch c.Store.Driver {
		case "memory", "sqlite", "postgres":
			// valid
		case "redis":
			if c.Store.RedisURL == "" {
				return fmt.Errorf("store.redis_url is required for the redis driver (set SAGE_REDIS_URL env var)")
			}
		default:
			return fmt.Errorf("store.driver %q is not supported (use memory, redis, sqlite or postgres)", c.Store.Driver)
		}
		if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver (set SAGE_DB_DSN env var)")
		}
	}
	// Enrichment source validation.
	if c.Enrichment != nil {
		if c.Enrichment.MCP != nil && c.Enrichment.HTTP != nil {
			return fmt.Errorf("enrichment: configure either mcp or http, not both")
		}
		if c.Enrichment.MCP == nil && c.Enrichment.HTTP == nil {
			return fmt.Errorf("enrichment: either mcp or http must be configured")
		}
		if srv := c.Enrichment.MCP; srv != nil {
			if srv.Name == "" {
				return fmt.Errorf("enrichment.mcp.name is required")
			}
			switch srv.Transport {
			case "stdio":
				if srv.Command == "" {
					return fmt.Errorf("enrichment.mcp (%q): command is required for stdio transport", srv.Name)
				}
			case "sse", "streamable_http":
				if srv.URL == "" {
					return fmt.Errorf("enrichment.mcp (%q): url is required for %s transport", srv.Name, srv.Transport)
				}
			default:
				return fmt.Errorf("enrichment.mcp (%q): transport must be stdio, sse, or streamable_http", srv.Name)
			}
		}
		if src := c.Enrichment.HTTP; src != nil {
			if src.Name == "" {
				return fmt.Errorf("enrichment.http.name is required")
			}
			if src.BaseURL == "" {
				return fmt.Errorf("enrichment.http.base_url is required")
			}
		}
	}
	if c.Pipeline.MaxEnrichmentLoops < 0 {
		return fmt.Errorf("pipeline.max_enrichment_loops must not be negative")
	}
	if c.Pipeline.MaxConcurrentRetrievals < 0 {
		return fmt.Errorf("pipeline.max_concurrent_retrievals must not be negative")
	}
	return nil
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use anthropic, openai, gemini, or ollama)", name)
	}
	return nil
}
