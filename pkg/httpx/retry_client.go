// Package httpx wraps outbound HTTP calls with a per-attempt timeout and a
// bounded linear backoff for transient failures.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"fengshui-report-be/pkg/metrics"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 120 * time.Second
	DefaultBackoff = 500 * time.Millisecond
)

// Options controls one Do call. Retries is the number of extra attempts
// after the first. Callers that trigger paid or non-idempotent work must
// pass Retries: 0 explicitly. Zero Backoff and Timeout take the defaults.
type Options struct {
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

// NoRetry is the option set for billing-sensitive calls.
func NoRetry(timeout time.Duration) Options {
	return Options{Retries: 0, Timeout: timeout}
}

// Client is safe for concurrent use.
type Client struct {
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client with a pooled keep-alive transport.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		// No client-level timeout: streaming bodies are bounded by the
		// per-attempt context instead.
		http:   &http.Client{Transport: transport},
		logger: logger,
		sleep:  sleepCtx,
	}
}

// NewClientWith wraps an existing *http.Client, mainly for tests.
func NewClientWith(hc *http.Client, logger *zap.Logger) *Client {
	c := NewClient(logger)
	if hc != nil {
		c.http = hc
	}
	return c
}

// Do sends req, retrying transient transport errors and 5xx responses while
// attempts remain. 4xx responses are returned to the caller untouched. The
// returned body must be closed; closing it releases the attempt's timer.
func (c *Client) Do(req *http.Request, opts Options) (*http.Response, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Retries > 0 && req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("httpx: request body is not replayable, cannot retry %s %s", req.Method, req.URL.Redacted())
	}

	parent := req.Context()
	host := req.URL.Host
	var lastErr error

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			wait := opts.Backoff * time.Duration(attempt)
			c.logger.Debug("retrying request",
				zap.String("url", req.URL.Redacted()),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait),
				zap.NamedError("last_error", lastErr))
			if err := c.sleep(parent, wait); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(parent, req, opts.Timeout, attempt)
		if err != nil {
			if parent.Err() != nil {
				metrics.HTTPAttempts.WithLabelValues(host, "canceled").Inc()
				return nil, err
			}
			metrics.HTTPAttempts.WithLabelValues(host, "transport_error").Inc()
			lastErr = err
			if !IsTransient(err) {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 500 {
			metrics.HTTPAttempts.WithLabelValues(host, "5xx").Inc()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: snippet(resp)}
			continue
		}

		metrics.HTTPAttempts.WithLabelValues(host, outcome(resp.StatusCode)).Inc()
		return resp, nil
	}

	c.logger.Warn("request failed after retries",
		zap.String("url", req.URL.Redacted()),
		zap.Int("attempts", opts.Retries+1),
		zap.Error(lastErr))
	return nil, fmt.Errorf("%s %s failed after %d attempt(s): %w", req.Method, req.URL.Redacted(), opts.Retries+1, lastErr)
}

func (c *Client) attempt(parent context.Context, req *http.Request, timeout time.Duration, n int) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("httpx: replay body: %w", err)
		}
		r.Body = body
	} else if n > 0 {
		r.Body = http.NoBody
	}

	resp, err := c.http.Do(r)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// IsTransient reports whether err is worth another attempt: resets,
// refusals, timeouts and temporary DNS failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused")
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// StatusError is returned once 5xx responses have used up every attempt.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

func snippet(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	return strings.TrimSpace(string(b))
}

func outcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "ok"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
