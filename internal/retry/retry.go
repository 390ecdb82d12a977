// Package retry implements the attempt controller: exponential backoff
// with jitter, Retry-After honoring, and retryability classification.
// The scheduler persists the computed delay as the step's next_run_at;
// no goroutine sleeps here.
package retry

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/arazzo/pkg/errors"
)

// Defaults used when a step declares nothing of its own.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.2
)

// Controller decides whether and when a failed attempt is retried.
// A Controller is immutable and shared across steps of a run.
type Controller struct {
	// MaxAttempts is the total attempt budget including the first try.
	MaxAttempts int

	// BaseDelay is the first backoff interval.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff before jitter.
	MaxDelay time.Duration

	// Jitter is the symmetric jitter factor in [0, 1): the delay is
	// scaled by a uniform factor in [1-Jitter, 1+Jitter].
	Jitter float64

	// rng allows deterministic tests; nil uses the global source.
	rng *rand.Rand
}

// NewController returns a controller with the given budget, filling
// zero or out-of-range fields with defaults. A zero jitter is kept (no
// jitter); only a negative jitter or one >= 1 takes DefaultJitter.
func NewController(maxAttempts int, base, max time.Duration, jitter float64) *Controller {
	c := &Controller{MaxAttempts: maxAttempts, BaseDelay: base, MaxDelay: max, Jitter: jitter}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	return c
}

// Default returns a controller with all defaults.
func Default() *Controller {
	return NewController(0, 0, 0, -1)
}

// ShouldRetry reports whether attempt number n (1-based) may be followed
// by another attempt for the given error.
func (c *Controller) ShouldRetry(err error, n int) bool {
	if n >= c.MaxAttempts {
		return false
	}
	return errors.Retryable(err)
}

// Delay computes the backoff before attempt n+1, given that attempt n
// (1-based) just failed: min(max, base * 2^(n-1)) * (1 ± jitter).
// A Retry-After header on the failing response overrides the computed
// delay when larger.
func (c *Controller) Delay(n int, resp *http.Response) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(2, float64(n-1))
	if backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}

	jitter := 1 + c.Jitter*(2*c.randFloat()-1)
	delay := time.Duration(backoff * jitter)

	if resp != nil {
		if after := retryAfter(resp); after > delay {
			delay = after
		}
	}
	return delay
}

// MinDelay returns the lower bound of the jittered backoff for attempt
// n. The scheduler does not call it; it serves tests that check the
// backoff floor.
func (c *Controller) MinDelay(n int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(2, float64(n-1))
	if backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}
	return time.Duration(backoff * (1 - c.Jitter))
}

func (c *Controller) randFloat() float64 {
	if c.rng != nil {
		return c.rng.Float64()
	}
	return rand.Float64()
}

// retryAfter parses the Retry-After header: seconds or an HTTP-date.
// Returns 0 when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
