package httpclient

import (
	"net/http"
	"strings"
)

// Redacted replaces sensitive header values before persistence.
const Redacted = "[REDACTED]"

// sensitiveHeaders are always redacted in persisted requests and
// responses, independent of any step-declared sensitive parameters.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
	"X-Auth-Token":        true,
}

// RedactHeaders returns a copy of h with sensitive values replaced.
// extra names additional headers to redact (e.g. headers whose values
// came from the secrets resolver).
func RedactHeaders(h http.Header, extra []string) http.Header {
	out := make(http.Header, len(h))
	extraSet := make(map[string]bool, len(extra))
	for _, name := range extra {
		extraSet[http.CanonicalHeaderKey(name)] = true
	}
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if sensitiveHeaders[canonical] || extraSet[canonical] {
			out[canonical] = []string{Redacted}
			continue
		}
		copied := make([]string, len(values))
		copy(copied, values)
		out[canonical] = copied
	}
	return out
}

// RedactValue replaces every occurrence of each secret value in s with
// the redaction marker. Used on persisted URLs and bodies.
func RedactValue(s string, secretValues []string) string {
	for _, secret := range secretValues {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, Redacted)
	}
	return s
}
