package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "graphplane-backend/pkg/errors"
	"graphplane-backend/pkg/observability"
)

// headerAPIKey authenticates every request to a worker.
const headerAPIKey = "X-Graph-API-Key"

// Client talks to one graph worker over HTTP. One client per base URL;
// never share a client across base URLs.
type Client struct {
	opts    Options
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Collector

	mu    sync.Mutex
	rand  *rand.Rand
	stats PoolStats
}

// PoolStats counts requests and failures for observability.
type PoolStats struct {
	Requests int64
	Failures int64
}

// New creates a client for the worker at opts.BaseURL.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, apperrors.NewConfiguration("backend client requires a base URL")
	}
	if logger == nil {
		logger = zap.L()
	}
	opts.applyDefaults()

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxConnsPerHost:     opts.MaxConnections,
			MaxIdleConnsPerHost: opts.MaxKeepaliveConnections,
			IdleConnTimeout:     opts.KeepaliveExpiry,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !opts.VerifySSL},
		}
	}

	// No client-level timeout: each call bounds itself with a context
	// deadline, so operations with a longer allowance (sync ingestion,
	// streams) are not cut off at the base timeout.
	c := &Client{
		opts: opts,
		http: &http.Client{
			Transport: transport,
		},
		logger:  logger.With(zap.String("base_url", opts.BaseURL)),
		metrics: observability.NewCollector("graphplane"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.BaseURL,
		MaxRequests: 1,
		Timeout:     opts.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(opts.CircuitBreakerThreshold)
		},
		IsSuccessful: func(err error) bool {
			// Permanent caller errors do not indicate worker health.
			return err == nil || apperrors.IsClient(err) || apperrors.IsSyntax(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.BreakerStates.WithLabelValues(name, to.String()).Inc()
			c.logger.Warn("Circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c, nil
}

// BaseURL returns the worker endpoint this client is bound to.
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() PoolStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) recordRequest(failed bool) {
	c.mu.Lock()
	c.stats.Requests++
	if failed {
		c.stats.Failures++
	}
	c.mu.Unlock()
}

// doJSON executes a request with retry and circuit-breaker discipline and
// decodes the JSON response into out (when out is non-nil). An empty
// response body leaves out untouched.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	data, err := c.execute(ctx, method, path, body, c.opts.Timeout)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewServer(fmt.Sprintf("decoding backend response for %s %s", method, path), err)
	}
	return nil
}

// doJSONTimeout is doJSON with an operation-specific timeout, used by
// synchronous ingestion (30x base).
func (c *Client) doJSONTimeout(ctx context.Context, method, path string, body any, out any, timeout time.Duration) error {
	data, err := c.execute(ctx, method, path, body, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewServer(fmt.Sprintf("decoding backend response for %s %s", method, path), err)
	}
	return nil
}

// execute runs the retry loop. Retriable kinds back off exponentially
// with jitter; Syntax and Client kinds return immediately on the first
// attempt regardless of retry configuration.
func (c *Client) execute(ctx context.Context, method, path string, body any, timeout time.Duration) ([]byte, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, apperrors.NewClient(fmt.Sprintf("encoding request body for %s %s: %v", method, path, err))
		}
	}

	maxRetries := c.opts.MaxRetries
	if !c.opts.RetryEnabled {
		maxRetries = 0
	}

	op := operationLabel(method, path)
	start := time.Now()

	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := c.attempt(ctx, method, path, encoded, timeout)
		if err == nil {
			c.recordRequest(false)
			c.observe(op, start, nil)
			return data, nil
		}
		c.recordRequest(true)
		lastErr = err

		if !apperrors.IsRetriable(err) || attempt >= maxRetries {
			break
		}
		if sleepErr := c.backoff(ctx, attempt); sleepErr != nil {
			// Deadline hit between retries; no further attempts.
			lastErr = sleepErr
			break
		}
		c.logger.Debug("Retrying backend request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	c.observe(op, start, lastErr)
	if apperrors.IsRetriable(lastErr) && maxRetries > 0 {
		return nil, apperrors.Wrap(lastErr, fmt.Sprintf("%s %s failed after %d attempts", method, path, maxRetries+1))
	}
	return nil, lastErr
}

// observe records the per-operation counters behind /metrics.
func (c *Client) observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.BackendRequests.WithLabelValues(operation, status).Inc()
	c.metrics.BackendDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// operationLabel keeps metric cardinality low: the method plus the
// first path segment, never per-graph paths.
func operationLabel(method, path string) string {
	segment := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(segment, '/'); i >= 0 {
		segment = segment[:i]
	}
	if segment == "" {
		segment = "root"
	}
	return method + " /" + segment
}

// attempt performs a single request through the circuit breaker.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, error) {
	run := func() ([]byte, error) {
		reqCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := c.newRequest(reqCtx, method, path, body)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, classifyTransport(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyTransport(err)
		}

		if resp.StatusCode >= 400 {
			return nil, classifyStatus(resp.StatusCode, string(data))
		}
		return data, nil
	}

	if !c.opts.BreakerEnabled {
		return run()
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return run()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperrors.NewTransient("circuit breaker open for "+c.opts.BaseURL, err)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return nil, apperrors.NewClient(fmt.Sprintf("building request %s %s: %v", method, path, err))
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.opts.APIKey != "" {
		req.Header.Set(headerAPIKey, c.opts.APIKey)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// backoff sleeps for retryDelay * backoff^attempt plus jitter uniformly
// in [0, 0.1*delay], honoring context cancellation.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := float64(c.opts.RetryDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.opts.RetryBackoff
	}

	c.mu.Lock()
	jitter := c.rand.Float64() * 0.1 * delay
	c.mu.Unlock()

	select {
	case <-time.After(time.Duration(delay + jitter)):
		return nil
	case <-ctx.Done():
		return apperrors.NewTimeout("cancelled while backing off", ctx.Err())
	}
}

// openStream issues a request and hands the raw response body back to the
// caller. Status errors go through the same taxonomy; the caller owns
// closing the body. No per-request timeout is applied so the stream can
// outlive c.opts.Timeout; pass a deadline on ctx instead.
func (c *Client) openStream(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, apperrors.NewClient(fmt.Sprintf("encoding request body for %s %s: %v", method, path, err))
		}
	}

	req, err := c.newRequest(ctx, method, path, encoded)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, string(data))
	}
	return resp, nil
}

// postForm submits a form-encoded request (the backup/restore plane is
// form-encoded on the worker).
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return apperrors.NewClient(fmt.Sprintf("building request POST %s: %v", path, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.opts.APIKey != "" {
		req.Header.Set(headerAPIKey, c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordRequest(true)
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordRequest(true)
		return classifyTransport(err)
	}
	if resp.StatusCode >= 400 {
		c.recordRequest(true)
		return classifyStatus(resp.StatusCode, string(data))
	}
	c.recordRequest(false)

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NewServer(fmt.Sprintf("decoding backend response for POST %s", path), err)
	}
	return nil
}
