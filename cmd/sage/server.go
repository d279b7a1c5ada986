package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/sage/internal/config"
	"github.com/jkaninda/sage/internal/enrichment"
	"github.com/jkaninda/sage/internal/gateway/httpapi"
	"github.com/jkaninda/sage/internal/gateway/ws"
	"github.com/jkaninda/sage/internal/llm"
	"github.com/jkaninda/sage/internal/llm/anthropic"
	"github.com/jkaninda/sage/internal/llm/gemini"
	"github.com/jkaninda/sage/internal/llm/openai"
	"github.com/jkaninda/sage/internal/observability"
	"github.com/jkaninda/sage/internal/orchestrator"
	"github.com/jkaninda/sage/internal/ratelimit"
	"github.com/jkaninda/sage/internal/session"
	"github.com/jkaninda/sage/internal/session/dbstore"
	"github.com/jkaninda/sage/internal/session/memstore"
	"github.com/jkaninda/sage/internal/session/redistore"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Sage HTTP server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sage --config path` and `sage server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts the research pipeline behind the HTTP API gateway.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SAGE_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting sage server", slog.String("config", serverConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store.
	store, err := newSessionStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Reasoning provider with optional fallback chain.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return err
	}

	// Optional enrichment source.
	var fetcher enrichment.Fetcher
	if cfg.Enrichment != nil {
		fetcher, err = newFetcher(ctx, cfg.Enrichment, logger)
		if err != nil {
			return err
		}
		defer fetcher.Close()
	}

	// Observability (nil when disabled).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	var pipelineMetrics *orchestrator.PipelineMetrics
	if obs != nil {
		if obs.Metrics != nil {
			pipelineMetrics = orchestrator.NewPipelineMetrics(obs.Metrics.Registry)
		}
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		if fetcher != nil {
			fetcher = observability.NewInstrumentedFetcher(fetcher, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		}
		if obs.Health != nil {
			if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
				obs.Health.AddCheck("store", pinger.Ping)
			}
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}()
	}

	engine := orchestrator.NewEngine(store, provider, fetcher, pipelineMetrics, logger, orchestrator.Config{
		MaxEnrichmentLoops:      cfg.Pipeline.MaxEnrichmentLoops,
		MaxConcurrentRetrievals: cfg.Pipeline.MaxConcurrentRetrievals,
		StageTimeout:            cfg.Pipeline.StageTimeout(),
		PersistAttempts:         cfg.Pipeline.PersistAttempts,
	})

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.APIKeyUserMapping,
		MaxRequestSize: cfg.Server.MaxRequestSize(),
	}
	if obs != nil {
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.Metrics = obs.Metrics
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
		gwCfg.HealthChecker = obs.Health
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, engine, limiter, logger).WithSSE(cfg.Server.SSE)

	if cfg.Server.WebSocket {
		wsServer := ws.NewServer(engine, ws.Config{Token: cfg.Server.WebSocketToken}, logger)
		gw = gw.WithHandler("/ws/sessions", wsServer.Handler())
		logger.Debug("websocket watch endpoint enabled", slog.String("path", "/ws/sessions"))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}

	return nil
}

// newSessionStore creates the session store selected by the config.
func newSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	driver := cfg.Store.StoreDriver()
	ttl := cfg.Store.TTL()

	switch driver {
	case "memory":
		logger.Info("using in-memory session store", slog.Duration("ttl", ttl))
		return memstore.New(ttl), nil

	case "redis":
		store, err := redistore.New(ctx, cfg.Store.RedisURL, ttl)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis session store: %w", err)
		}
		logger.Info("using redis session store", slog.Duration("ttl", ttl))
		return store, nil

	case "sqlite":
		store, err := dbstore.Open(dbstore.Config{
			Path:          cfg.DatabasePath(),
			TTL:           ttl,
			PurgeSchedule: cfg.Store.PurgeSchedule,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite session store: %w", err)
		}
		logger.Info("using sqlite session store",
			slog.String("path", cfg.DatabasePath()),
			slog.Duration("ttl", ttl),
		)
		return store, nil

	case "postgres":
		store, err := dbstore.Open(dbstore.Config{
			DSN:           cfg.Store.PostgresDSN,
			TTL:           ttl,
			PurgeSchedule: cfg.Store.PurgeSchedule,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres session store: %w", err)
		}
		logger.Info("using postgres session store", slog.Duration("ttl", ttl))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver: %q", driver)
	}
}

// newLLMProvider creates the reasoning provider based on the configured default.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic", "":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

// newFetcher creates the configured enrichment source.
func newFetcher(ctx context.Context, cfg *config.EnrichmentConfig, logger *slog.Logger) (enrichment.Fetcher, error) {
	if srv := cfg.MCP; srv != nil {
		tool := srv.Tool
		if tool == "" {
			tool = "search"
		}
		return enrichment.NewMCPFetcher(ctx, enrichment.MCPConfig{
			Name:       srv.Name,
			Transport:  srv.Transport,
			Command:    srv.Command,
			Args:       srv.Args,
			Env:        srv.Env,
			URL:        srv.URL,
			Headers:    srv.Headers,
			Tool:       tool,
			QueryParam: srv.QueryParam,
		}, logger)
	}

	src := cfg.HTTP
	return enrichment.NewHTTPFetcher(enrichment.HTTPConfig{
		Name:    src.Name,
		BaseURL: src.BaseURL,
		Headers: src.Headers,
		Timeout: src.Timeout(),
	}, logger), nil
}
