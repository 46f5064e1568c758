// Package lichess is the client for the Lichess API: it creates open
// challenges for tournament pairings and reads game outcomes and player
// profiles, retrying transient failures with exponential backoff.
package lichess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/cache"
	"github.com/jensholdgaard/chess-knockout/internal/config"
)

var (
	// ErrMalformedResponse is returned when a successful response lacks
	// required fields. It is never retried.
	ErrMalformedResponse = errors.New("malformed lichess response")
	// ErrUnexpectedStatus is returned for 5xx and 429 responses, which
	// are retried.
	ErrUnexpectedStatus = errors.New("unexpected lichess status")
	// ErrRejected is returned for other 4xx responses. It is never retried.
	ErrRejected = errors.New("lichess rejected request")
)

// Client talks to the Lichess HTTP API.
type Client struct {
	cfg        config.LichessConfig
	http       *http.Client
	cache      cache.Cache
	outcomeTTL time.Duration
	profileTTL time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache caches terminal outcomes and profiles for the given TTLs.
func WithCache(cc cache.Cache, outcomeTTL, profileTTL time.Duration) Option {
	return func(c *Client) {
		c.cache = cc
		c.outcomeTTL = outcomeTTL
		c.profileTTL = profileTTL
	}
}

// New returns a Client for the configured Lichess instance.
func New(cfg config.LichessConfig, logger *slog.Logger, tp trace.TracerProvider, opts ...Option) *Client {
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		},
		cache:  cache.Nop{},
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/lichess"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retry runs fn until it succeeds, returns a permanent error, or the
// attempt budget is spent. Each attempt gets its own timeout.
func retry[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.cfg.RetryBaseDelay << 4

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return fn(attemptCtx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarnContext(ctx, "lichess call failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
}

// send performs one request and decodes a JSON body into dst. notFound,
// when non-nil, is returned for 404 responses instead of an error.
func (c *Client) send(req *http.Request, dst any, notFound error) error {
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return notFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: %d: %w", req.Method, req.URL.Path, resp.StatusCode, ErrUnexpectedStatus)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%s %s: %d %s: %w",
			req.Method, req.URL.Path, resp.StatusCode, truncate(string(body), 200), ErrRejected))
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding %s: %v: %w", req.URL.Path, err, ErrMalformedResponse))
	}
	return nil
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
