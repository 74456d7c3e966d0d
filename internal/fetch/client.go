// Package fetch collects market snapshots from the upstream JSON API.
//
// Two fetchers share one HTTP client: a paginated bulk fetcher for the
// collection endpoint (page count learned from response headers, strictly
// sequential) and a rate-limited per-key fetcher for the history endpoint
// (shared permit budget, bounded in-flight concurrency, per-key retry).
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OrthelT/mkts-north/internal/metrics"
)

const (
	connectTimeout  = 3 * time.Second
	headerTimeout   = 12 * time.Second
	idleConnTimeout = 90 * time.Second

	defaultUserAgent = "mkts-north/1.0 (orthel.toralen@gmail.com)"

	// Upstream headers.
	headerPages       = "X-Pages"
	headerErrorRemain = "X-Error-Limit-Remain"
)

// Client wraps an http.Client with the transport tuning and error
// classification both fetchers rely on.
type Client struct {
	hc        *http.Client
	userAgent string
	metrics   *metrics.Metrics
	log       *zap.Logger
}

type ClientOptions struct {
	UserAgent string
	Timeout   time.Duration // overall per-request ceiling; 0 means 30s
	Metrics   *metrics.Metrics
}

func NewClient(opts ClientOptions, log *zap.Logger) *Client {
	to := opts.Timeout
	if to <= 0 {
		to = 30 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   64,
	}
	return &Client{
		hc:        &http.Client{Transport: transport, Timeout: to},
		userAgent: ua,
		metrics:   opts.Metrics,
		log:       log,
	}
}

// getJSON performs one GET and classifies the outcome into the package error
// taxonomy. On success it returns the body and response headers.
func (c *Client) getJSON(ctx context.Context, url string) ([]byte, http.Header, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.ObserveRequest(0, time.Since(start))
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		return nil, nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	c.metrics.ObserveRequest(resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			return nil, nil, &TransientError{Err: readErr}
		}
		return body, resp.Header, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resp.Header, &RateLimitError{RetryAfter: parseRetryAfter(resp.Header)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, resp.Header, &PermanentError{Status: resp.StatusCode}
	default:
		return nil, resp.Header, &TransientError{Status: resp.StatusCode}
	}
}

// parseRetryAfter reads a Retry-After value in seconds. HTTP-date forms are
// rare from this API and fall back to no hint.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
