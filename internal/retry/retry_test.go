package retry

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/errors"
)

func TestShouldRetry(t *testing.T) {
	c := NewController(3, time.Second, 30*time.Second, 0.2)

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"network error retries", &errors.NetworkError{Op: "dial"}, 1, true},
		{"timeout retries", &errors.TimeoutError{Operation: "http request"}, 1, true},
		{"503 retries", &errors.HTTPStatusError{Status: 503}, 1, true},
		{"429 retries", &errors.HTTPStatusError{Status: 429}, 2, true},
		{"408 retries", &errors.HTTPStatusError{Status: 408}, 1, true},
		{"404 does not retry", &errors.HTTPStatusError{Status: 404}, 1, false},
		{"policy does not retry", &errors.PolicyError{Rule: "host_allowlist"}, 1, false},
		{"criterion does not retry", &errors.CriterionError{Condition: "$statusCode == 200"}, 1, false},
		{"budget exhausted", &errors.HTTPStatusError{Status: 503}, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.ShouldRetry(tt.err, tt.attempt))
		})
	}
}

func TestDelayBounds(t *testing.T) {
	c := NewController(5, time.Second, 8*time.Second, 0.2)

	// min(max, base * 2^(n-1)) * (1 ± jitter)
	for attempt, base := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 8 * time.Second, // capped
	} {
		for i := 0; i < 20; i++ {
			d := c.Delay(attempt, nil)
			low := time.Duration(float64(base) * 0.8)
			high := time.Duration(float64(base) * 1.2)
			require.GreaterOrEqual(t, d, low, "attempt %d", attempt)
			require.LessOrEqual(t, d, high, "attempt %d", attempt)
		}
	}
}

func TestRetryAfterOverridesWhenLarger(t *testing.T) {
	c := NewController(3, time.Second, 30*time.Second, 0)

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	assert.Equal(t, 120*time.Second, c.Delay(1, resp))

	// A smaller Retry-After does not shrink the computed delay.
	resp = &http.Response{Header: http.Header{"Retry-After": []string{"1"}}}
	assert.Equal(t, 4*time.Second, c.Delay(3, resp))
}

func TestRetryAfterHTTPDate(t *testing.T) {
	c := NewController(3, time.Second, 300*time.Second, 0)
	when := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	resp := &http.Response{Header: http.Header{"Retry-After": []string{when}}}

	d := c.Delay(1, resp)
	assert.Greater(t, d, 80*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)
}

func TestMinDelay(t *testing.T) {
	c := NewController(3, time.Second, 30*time.Second, 0.2)
	assert.Equal(t, 800*time.Millisecond, c.MinDelay(1))
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, DefaultMaxAttempts, c.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, c.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, c.MaxDelay)
	assert.Equal(t, DefaultJitter, c.Jitter)
}
