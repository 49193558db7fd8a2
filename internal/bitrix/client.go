package bitrix

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultPageSize   = 50
	defaultChunkSize  = 20

	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0

	// maxBody caps how much of a response is read.
	maxBody = 32 << 20
)

// Config configures a Client.
type Config struct {
	// WebhookURL is the inbound webhook base, e.g.
	// https://example.bitrix24.com/rest/1/secret. A trailing slash is ignored.
	WebhookURL string

	PageSize         int
	HistoryChunkSize int

	// RateLimit is the sustained request rate per second; 0 disables limiting.
	RateLimit float64
	Burst     int

	Timeout    time.Duration
	MaxRetries int

	InsecureSkipVerify bool
	CAFile             string
}

// Observer receives one callback per HTTP attempt.
type Observer interface {
	ObserveCRMRequest(method, outcome string, elapsed time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client built from Config.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObserver registers o for per-request callbacks.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithRetryDelay sets the initial backoff delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// Client calls Bitrix24 REST methods. It is safe for concurrent use.
type Client struct {
	base       string
	cfg        Config
	http       *http.Client
	limiter    *rate.Limiter
	observer   Observer
	retryDelay time.Duration
}

// New returns a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.WebhookURL), "/")
	if base == "" {
		return nil, errors.New("bitrix: webhook url is empty")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.HistoryChunkSize <= 0 {
		cfg.HistoryChunkSize = defaultChunkSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		base:       base,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, burst),
		retryDelay: backoffInitial,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		hc, err := buildHTTPClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("bitrix: build http client: %w", err)
		}
		c.http = hc
	}
	return c, nil
}

// buildHTTPClient constructs an http.Client for the configured TLS settings.
func buildHTTPClient(cfg Config) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		Timeout:   cfg.Timeout,
	}, nil
}

// APIError is an error reported by Bitrix24, either in the response body or
// as a bare HTTP status.
type APIError struct {
	Method      string
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("bitrix: %s: %s", e.Method, msg)
}

// Transient reports whether retrying the call may succeed.
func (e *APIError) Transient() bool {
	switch e.Code {
	case "QUERY_LIMIT_EXCEEDED", "OPERATION_TIME_LIMIT", "INTERNAL_SERVER_ERROR":
		return true
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// response is the common envelope of every method.
type response struct {
	Result           json.RawMessage `json:"result"`
	Next             *int            `json:"next"`
	Total            *int            `json:"total"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// call invokes method with body, retrying transient failures.
func (c *Client) call(ctx context.Context, method string, body any) (*response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bitrix: %s: encode request: %w", method, err)
	}

	bo := &backoff{current: c.retryDelay}
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, method, payload)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || attempt >= c.cfg.MaxRetries || !transient(err) {
			return nil, err
		}
		wait := bo.next()
		slog.Warn("bitrix: transient error, retrying",
			"method", method, "attempt", attempt+1, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) do(ctx context.Context, method string, payload []byte) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("bitrix: %s: rate limit: %w", method, err)
	}

	started := time.Now()
	outcome := "error"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCRMRequest(method, outcome, time.Since(started))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bitrix: %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &netError{method: method, err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	if err != nil {
		return nil, &netError{method: method, err: err}
	}

	var resp response
	decodeErr := json.Unmarshal(raw, &resp)
	if httpResp.StatusCode != http.StatusOK || resp.Error != "" {
		outcome = "api_error"
		return nil, &APIError{
			Method:      method,
			Status:      httpResp.StatusCode,
			Code:        resp.Error,
			Description: resp.ErrorDescription,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("bitrix: %s: decode response: %w", method, decodeErr)
	}
	outcome = "ok"
	return &resp, nil
}

// netError marks transport failures, which are always retried.
type netError struct {
	method string
	err    error
}

func (e *netError) Error() string { return fmt.Sprintf("bitrix: %s: %v", e.method, e.err) }
func (e *netError) Unwrap() error { return e.err }

func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var ne *netError
	return errors.As(err, &ne)
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}
