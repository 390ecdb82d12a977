// Package httpclient builds the HTTP client step attempts go through:
// policy-enforcing dialer, redirect re-validation, request timeout, an
// optional outbound rate limit, and transport-error classification into
// the runner's error taxonomy.
package httpclient

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/arazzo/pkg/errors"
	"github.com/tombee/arazzo/pkg/policy"
)

// Config configures the client.
type Config struct {
	// Timeout is the per-request wall clock bound.
	// Default: 30s.
	Timeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// RequestsPerSecond rate limits outbound requests across the run.
	// Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size; defaults to 1 when limiting is on.
	Burst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "arazzo-runner/1.0",
	}
}

// Client issues policy-checked HTTP requests.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	ua      string
	timeout time.Duration
}

// New builds a client over the given policy. Every connection dials
// through the policy's validating dialer and every redirect hop is
// re-checked.
func New(cfg Config, pol *policy.Policy) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext:           pol.DialContext(10 * time.Second),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		http: &http.Client{
			Transport:     transport,
			CheckRedirect: pol.CheckRedirect(),
		},
		limiter: limiter,
		ua:      cfg.UserAgent,
		timeout: cfg.Timeout,
	}
}

// Timeout returns the configured per-request bound.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Do issues one request under the configured timeout, classifying
// transport failures into the error taxonomy. The caller owns the
// response body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classify(ctx, err, c.timeout)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req = req.WithContext(ctx)
	if c.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, classify(ctx, err, c.timeout)
	}

	// The timeout context must outlive the body read; tie its
	// cancellation to body close.
	resp.Body = &cancelReadCloser{body: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelReadCloser struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.body.Close()
}

// classify maps a transport error to the taxonomy. Policy errors raised
// by the dialer or redirect check pass through unchanged.
func classify(ctx context.Context, err error, timeout time.Duration) error {
	var policyErr *errors.PolicyError
	if stderrors.As(err, &policyErr) {
		return policyErr
	}

	if stderrors.Is(err, context.Canceled) {
		return errors.ErrCanceled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		// Distinguish our per-request deadline from an outer cancellation
		// deadline: either way the attempt timed out.
		return &errors.TimeoutError{Operation: "http request", Duration: timeout, Cause: err}
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return &errors.TimeoutError{Operation: "http request", Duration: timeout, Cause: err}
	}

	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return &errors.NetworkError{Op: urlErr.Op, Cause: urlErr.Err}
	}
	return &errors.NetworkError{Op: "request", Cause: err}
}
