package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ragmux/ragmux/internal/query"
)

// HTTPAdapter is the one concrete Adapter shipped in-tree: a generic
// JSON-search-contract client configurable per SourceId (base URL +
// CredentialsBlob). Every per-integration client (confluence, jira, slack,
// ...) is an instance of this type constructed from settings at startup;
// the per-integration wire shapes themselves are out of scope, specified
// only at this uniform interface: a timeout-bounded client, a
// bearer/header injection point, and a JSON decode into a uniform result
// shape.
type HTTPAdapter struct {
	id          query.SourceId
	baseURL     string
	authHeader  string
	authValue   string
	healthPath  string
	client      *http.Client
}

// HTTPAdapterConfig is the settings needed to construct one HTTPAdapter.
type HTTPAdapterConfig struct {
	Id         query.SourceId
	BaseURL    string
	Creds      CredentialsBlob
	AuthHeader string // e.g. "Authorization"; empty disables auth injection
	AuthKey    string // key into Creds holding the auth value
	HealthPath string // path appended to BaseURL for Healthy(); "" disables the probe
	Timeout    time.Duration
}

// NewHTTPAdapter builds an adapter from per-source configuration. Timeout
// defaults to 10s when unset; the Orchestrator's per-source sub-deadline
// (5s by default) is shorter and normally ends a search first. A source adapter talks out to the public
// internet, so it gets a shorter budget than a local embedding sidecar
// would.
func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		id:         cfg.Id,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		authHeader: cfg.AuthHeader,
		authValue:  cfg.Creds.Get(cfg.AuthKey),
		healthPath: cfg.HealthPath,
		client:     &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Id() query.SourceId { return a.id }

// searchResponse is the uniform JSON shape every per-integration search
// endpoint is expected to return: a flat list of results with the fields
// Document needs.
type searchResult struct {
	Id     string  `json:"id"`
	Title  string  `json:"title"`
	URL    string  `json:"url,omitempty"`
	Body   string  `json:"body"`
	Score  *float64 `json:"score,omitempty"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// Search issues `GET {baseURL}/search?q=...&limit=...` and normalizes the
// response into Documents. It does no rate-limiting or retrying of its own
// (§4.3): a 429 is surfaced as an error so the Orchestrator's RateGate can
// feed back Penalize, and any other non-2xx is surfaced for the
// CircuitBreaker to classify.
func (a *HTTPAdapter) Search(ctx context.Context, q string, limit int) ([]query.Document, error) {
	reqURL := fmt.Sprintf("%s/search?q=%s&limit=%d", a.baseURL, url.QueryEscape(q), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source %s: build request: %w", a.id, err)
	}
	if a.authHeader != "" && a.authValue != "" {
		req.Header.Set(a.authHeader, a.authValue)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source %s: request failed: %w", a.id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("source %s: read body: %w", a.id, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitedError{Source: a.id, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &PermanentError{Source: a.id, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("source %s: upstream %d: %s", a.id, resp.StatusCode, string(body))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("source %s: decode response: %w", a.id, err)
	}

	now := time.Now()
	docs := make([]query.Document, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		docs = append(docs, query.Document{
			Id:        r.Id,
			Source:    a.id,
			Title:     r.Title,
			Url:       r.URL,
			Body:      r.Body,
			FetchedAt: now,
			Score:     r.Score,
		})
	}
	return docs, nil
}

// Healthy issues a cheap GET against HealthPath, if configured; sources
// without one are treated as always-healthy.
func (a *HTTPAdapter) Healthy(ctx context.Context) bool {
	if a.healthPath == "" {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+a.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// RateLimitedError signals a 429; the Orchestrator feeds it back into
// RateGate.Penalize and does not report it to the CircuitBreaker (§4.2: 429
// is a soft failure that drives RateGate, not the breaker).
type RateLimitedError struct {
	Source     query.SourceId
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source %s: rate limited, retry after %s", e.Source, e.RetryAfter)
}

// PermanentError signals a 4xx other than 429: a client bug that must not
// count toward the circuit (§4.2).
type PermanentError struct {
	Source     query.SourceId
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("source %s: permanent client error %d: %s", e.Source, e.StatusCode, e.Body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 5 * time.Second
}
