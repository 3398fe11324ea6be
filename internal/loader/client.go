// Package loader is the HTTP adapter to the upstream data loader
// service. It exposes a health probe and a bulk dataset fetch; the rest
// of the system never talks to the loader directly.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"tickstats/internal/dataset"
)

// Connection states reported by Probe.
const (
	ConnectionOK         = "ok"
	ConnectionConnecting = "connecting"
	ConnectionError      = "error"
)

// Sentinel errors that drive the health state machine.
var (
	// ErrUnreachable wraps transport-level failures talking to the loader.
	ErrUnreachable = errors.New("loader unreachable")
	// ErrEmptyPayload is returned when the loader answers with no rows.
	ErrEmptyPayload = errors.New("loader returned empty dataset")
	// ErrMalformedPayload is returned when the loader answers with a body
	// that cannot be decoded into dataset rows.
	ErrMalformedPayload = errors.New("loader returned malformed dataset")
)

// HealthStatus is the loader's own /health body.
type HealthStatus struct {
	Status     string `json:"status"`
	DataLoaded bool   `json:"data_loaded"`
	Loading    bool   `json:"loading"`
	Records    int    `json:"records"`
}

// ProbeResult classifies loader connectivity. Health is nil unless the
// probe reached the loader and decoded its status body.
type ProbeResult struct {
	Connection string
	Health     *HealthStatus
}

// Options configures the client.
type Options struct {
	// BaseURL of the loader service, e.g. http://localhost:8081.
	BaseURL string
	// Timeout per HTTP request.
	Timeout time.Duration
	// FetchAttempts bounds the retries of a dataset fetch.
	FetchAttempts int
	// FetchDelay is the pause between fetch attempts.
	FetchDelay time.Duration
}

// Client fetches datasets from the loader service.
type Client struct {
	baseURL  string
	http     *http.Client
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// NewClient creates a loader client. A nil logger defaults to
// slog.Default().
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = 5
	}
	if opts.FetchDelay <= 0 {
		opts.FetchDelay = 5 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     &http.Client{Timeout: opts.Timeout},
		attempts: opts.FetchAttempts,
		delay:    opts.FetchDelay,
		logger:   logger.With(slog.String("component", "loader_client")),
	}
}

// BaseURL returns the configured loader address.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe checks loader connectivity. It never returns an error: transport
// failures map to ConnectionError, a loader that is reachable but still
// loading maps to ConnectionConnecting.
func (c *Client) Probe(ctx context.Context) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return ProbeResult{Connection: ConnectionError}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("loader probe failed", slog.String("error", err.Error()))
		return ProbeResult{Connection: ConnectionError}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("loader probe returned non-200",
			slog.Int("status", resp.StatusCode))
		return ProbeResult{Connection: ConnectionError}
	}
	var health HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return ProbeResult{Connection: ConnectionError}
	}
	conn := ConnectionOK
	if health.Loading || !health.DataLoaded {
		conn = ConnectionConnecting
	}
	return ProbeResult{Connection: conn, Health: &health}
}

// row mirrors one record of the loader's /dataset payload. Numeric
// columns decode through pointers so null and absent values survive as
// NaN instead of collapsing to zero.
type row struct {
	Ticker   string   `json:"ticker"`
	Date     string   `json:"date"`
	Open     *float64 `json:"open"`
	High     *float64 `json:"high"`
	Low      *float64 `json:"low"`
	Close    *float64 `json:"close"`
	AdjClose *float64 `json:"adj close"`
	Volume   *float64 `json:"volume"`
}

// FetchSnapshot downloads the full dataset and groups it into per-ticker
// series. Transport failures are retried up to the configured attempt
// count with a fixed delay between tries.
func (c *Client) FetchSnapshot(ctx context.Context) (map[string]dataset.Series, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(c.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := c.fetchOnce(ctx)
		if err == nil {
			return data, nil
		}
		lastErr = err
		// Malformed or empty payloads will not improve on retry.
		if errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrEmptyPayload) {
			return nil, err
		}
		c.logger.Warn("dataset fetch attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.attempts),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context) (map[string]dataset.Series, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/dataset", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnreachable, resp.StatusCode, body)
	}

	var rows []row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyPayload
	}
	return groupRows(rows), nil
}

// groupRows converts the flat row list into per-ticker series sorted by
// date. Rows without a ticker are dropped.
func groupRows(rows []row) map[string]dataset.Series {
	data := make(map[string]dataset.Series)
	for _, r := range rows {
		sym := strings.ToUpper(strings.TrimSpace(r.Ticker))
		if sym == "" {
			continue
		}
		obs := dataset.Observation{
			Date:     parseDate(r.Date),
			Open:     deref(r.Open),
			High:     deref(r.High),
			Low:      deref(r.Low),
			Close:    deref(r.Close),
			AdjClose: deref(r.AdjClose),
			Volume:   deref(r.Volume),
		}
		s := data[sym]
		s.Symbol = sym
		s.Observations = append(s.Observations, obs)
		data[sym] = s
	}
	for sym, s := range data {
		sort.Slice(s.Observations, func(i, j int) bool {
			return s.Observations[i].Date.Before(s.Observations[j].Date)
		})
		data[sym] = s
	}
	return data
}

func parseDate(s string) time.Time {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func deref(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
