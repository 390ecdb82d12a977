package httpclient

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer tok-1")
	h.Set("Cookie", "session=abc")
	h.Set("X-Request-Id", "r-1")
	h.Set("X-Custom-Secret", "s3cret")

	out := RedactHeaders(h, []string{"x-custom-secret"})

	assert.Equal(t, []string{Redacted}, out["Authorization"])
	assert.Equal(t, []string{Redacted}, out["Cookie"])
	assert.Equal(t, []string{Redacted}, out["X-Custom-Secret"])
	assert.Equal(t, []string{"r-1"}, out["X-Request-Id"])

	// The original is untouched.
	assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))
}

func TestRedactValue(t *testing.T) {
	body := `{"token":"tok-1","note":"tok-1 appears twice: tok-1"}`
	out := RedactValue(body, []string{"tok-1", ""})
	assert.NotContains(t, out, "tok-1")
	assert.Contains(t, out, Redacted)
}
