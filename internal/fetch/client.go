// Package fetch is the outbound HTTP client shared by every tool: one concurrency cap, one request
// rate, and retries with exponential backoff.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// MaxBodyBytes caps how much of a response body is read.
const MaxBodyBytes = 16 << 20

// Config tunes a Client. Zero values take the defaults.
type Config struct {
	MaxConcurrent int
	MinInterval   time.Duration
	Retries       int
	Timeout       time.Duration
	UserAgent     string
	Backoff       BackoffConfig
}

// Client performs rate limited requests.
type Client struct {
	httpClient *http.Client
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	retries    int
	backoff    BackoffConfig
	userAgent  string
	logger     *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Client.
type Option func(*Client)

// Request describes one outbound call. Body, when set, is sent as JSON.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

// Response is a fully read reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError reports a non-2xx reply that survived every retry.
type StatusError struct {
	Status int
	URL    string
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Status, e.URL)
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger.With(slog.String("component", "fetch"))
	}
}

// New returns a Client configured by cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 5
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:    rate.NewLimiter(limit, 1),
		retries:    cfg.Retries,
		backoff:    cfg.Backoff,
		userAgent:  cfg.UserAgent,
		logger:     slog.Default().With(slog.String("component", "fetch")),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Text GETs url and returns the body as a string.
func (c *Client) Text(ctx context.Context, url string) (string, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

// JSON sends body (if any) and decodes the reply into out.
func (c *Client) JSON(ctx context.Context, method, url string, body, out any) error {
	resp, err := c.Do(ctx, Request{Method: method, URL: url, Body: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// Do performs req, retrying transport errors, 429 and 5xx replies.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	var payload []byte
	if req.Body != nil {
		var err error
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.nextDelay(attempt)
			c.logger.Debug("retrying request",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("err", lastErr.Error()))
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, retry, err := c.once(ctx, req, payload)
		if err == nil {
			return resp, nil
		}
		if !retry || ctx.Err() != nil {
			return Response{}, err
		}
		lastErr = err
	}
	return Response{}, lastErr
}

// once performs a single attempt and reports whether a failure may be retried.
func (c *Client) once(ctx context.Context, req Request, payload []byte) (Response, bool, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Response{}, false, err
	}
	defer c.sem.Release(1)

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, false, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if payload != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, true, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxBodyBytes))
	if err != nil {
		return Response{}, true, fmt.Errorf("failed to read response from %s: %w", req.URL, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		retry := httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500
		return Response{}, retry, &StatusError{Status: httpResp.StatusCode, URL: req.URL, Body: data}
	}
	return Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, false, nil
}

func (c *Client) nextDelay(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return NextBackoffDelay(c.backoff, attempt, c.rng)
}

// FlatHeaders returns the first value of every header, keyed by lower case name.
func (r Response) FlatHeaders() map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}
