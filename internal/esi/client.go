// Package esi talks to the EVE Swagger Interface: authenticated GETs for
// character endpoints, name resolution, and a shared response cache.
package esi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/circuitbreaker"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

const (
	DefaultBaseURL   = "https://esi.evetech.net/latest"
	DefaultUserAgent = "corpaudit"

	maxBodyBytes = 10 << 20

	// ESI bans clients that keep erroring once this budget is spent.
	errorLimitHeader = "X-ESI-Error-Limit-Remain"
	errorLimitWarn   = 20
)

var ErrRateLimited = errors.New("esi: rate limit exhausted")

// StatusError is a non-2xx answer from ESI.
type StatusError struct {
	Route      string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("esi %s: status %d: %s", e.Route, e.StatusCode, e.Body)
}

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, key string, maxWait time.Duration) error
}

type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RetryMax   int
	MaxWait    time.Duration // longest a request waits for a rate limit token
	LimiterKey string
}

type Client struct {
	config  Config
	http    *retryablehttp.Client
	breaker *circuitbreaker.CircuitBreaker // optional
	limiter Limiter                        // optional
	metrics metrics.Sink
	logger  *zap.SugaredLogger
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxWait == 0 {
		config.MaxWait = 10 * time.Second
	}
	if config.LimiterKey == "" {
		config.LimiterKey = "esi:ratelimit"
	}

	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = config.Timeout

	c := &Client{
		config:  config,
		metrics: metrics.NewNoopSink(),
		logger:  logging.Nop(),
	}
	c.http = &retryablehttp.Client{
		HTTPClient:   httpClient,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		RetryMax:     config.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
		Logger:       logging.Leveled{L: c.logger},
	}
	return c
}

func (c *Client) WithBreaker(b *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = b
	return c
}

func (c *Client) WithLimiter(l Limiter) *Client {
	c.limiter = l
	return c
}

func (c *Client) WithMetrics(sink metrics.Sink) *Client {
	c.metrics = sink
	return c
}

func (c *Client) WithLogger(l *zap.SugaredLogger) *Client {
	c.logger = l
	c.http.Logger = logging.Leveled{L: l}
	return c
}

// Breaker returns the circuit breaker, or nil.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Get fetches path with the character's access token.
func (c *Client) Get(ctx context.Context, path, token string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, token, nil)
}

// Post sends a JSON body to a public endpoint.
func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, "", body)
}

func (c *Client) do(ctx context.Context, method, path, token string, body []byte) ([]byte, error) {
	route := Route(path)

	if c.breaker != nil {
		if err := c.breaker.Allow(route); err != nil {
			return nil, fmt.Errorf("esi %s: %w", route, err)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.config.LimiterKey, c.config.MaxWait); err != nil {
			c.metrics.RateLimited()
			return nil, fmt.Errorf("esi %s: %w: %v", route, ErrRateLimited, err)
		}
	}

	var reqBody interface{}
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.metrics.ESIRequestCompleted(route, metrics.ClassifyStatus(0, err), time.Since(start))
		c.recordFailure(route)
		return nil, fmt.Errorf("esi %s: %w", route, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	c.metrics.ESIRequestCompleted(route, metrics.ClassifyStatus(resp.StatusCode, err), time.Since(start))
	c.checkErrorLimit(resp)
	if err != nil {
		c.recordFailure(route)
		return nil, fmt.Errorf("esi %s: read body: %w", route, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure(route)
		} else if c.breaker != nil {
			c.breaker.RecordSuccess(route)
		}
		return nil, &StatusError{Route: route, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}

	if c.breaker != nil {
		c.breaker.RecordSuccess(route)
	}
	return data, nil
}

func (c *Client) recordFailure(route string) {
	if c.breaker != nil {
		c.breaker.RecordFailure(route)
	}
}

func (c *Client) checkErrorLimit(resp *http.Response) {
	v := resp.Header.Get(errorLimitHeader)
	if v == "" {
		return
	}
	remain, err := strconv.Atoi(v)
	if err == nil && remain < errorLimitWarn {
		c.logger.Warnf("esi: error limit low, %d errors remain", remain)
	}
}

var idSegment = regexp.MustCompile(`/\d+(/|$)`)

// Route replaces numeric path segments with {id}, e.g.
// /characters/{id}/wallet/ for any character.
func Route(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	// Two passes: adjacent ids share the slash between them.
	for i := 0; i < 2; i++ {
		path = idSegment.ReplaceAllString(path, "/{id}$1")
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
