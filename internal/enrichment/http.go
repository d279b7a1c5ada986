package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jkaninda/sage/internal/session"
)

// HTTPConfig describes a plain HTTP knowledge API used as an enrichment
// source. The API is expected to answer GET <base_url>?q=<query> with a JSON
// array of {source, text, relevance} objects.
type HTTPConfig struct {
	Name    string            `yaml:"name" json:"name"`
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HTTPFetcher fetches passages from a JSON knowledge API.
type HTTPFetcher struct {
	name       string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPFetcher creates an HTTP enrichment source.
func NewHTTPFetcher(cfg HTTPConfig, logger *slog.Logger) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "http"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPFetcher{
		name:       name,
		baseURL:    cfg.BaseURL,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (f *HTTPFetcher) Name() string { return "http:" + f.name }

func (f *HTTPFetcher) FetchContext(ctx context.Context, query string) ([]session.Passage, error) {
	reqURL := f.baseURL + "?q=" + url.QueryEscape(query)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	for k, v := range f.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: knowledge API status %d: %s", ErrUnavailable, httpResp.StatusCode, string(body))
	}

	var passages []session.Passage
	if err := json.Unmarshal(body, &passages); err != nil {
		return nil, fmt.Errorf("%w: decoding passages: %v", ErrUnavailable, err)
	}

	f.logger.InfoContext(ctx, "enrichment context fetched",
		slog.String("source", f.Name()),
		slog.Int("passages", len(passages)),
	)

	return stampPassages(passages, f.Name(), time.Now().UTC()), nil
}

func (f *HTTPFetcher) Close() error { return nil }

// Compile-time check.
var _ Fetcher = (*HTTPFetcher)(nil)
