package policy

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/errors"
)

func allowing(hosts ...string) *Policy {
	p := Default()
	p.AllowedHosts = hosts
	return p
}

func requirePolicyError(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	var policyErr *errors.PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, rule, policyErr.Rule)
}

func TestCheckURLAllowList(t *testing.T) {
	p := allowing("api.example.com", "*.internal.example.org")

	assert.NoError(t, p.checkHost("api.example.com"))
	assert.NoError(t, p.checkHost("API.EXAMPLE.COM"))
	assert.NoError(t, p.checkHost("svc.internal.example.org"))
	assert.NoError(t, p.checkHost("internal.example.org"))

	requirePolicyError(t, p.checkHost("evil.com"), "host_allowlist")
	requirePolicyError(t, p.checkHost("api.example.com.evil.com"), "host_allowlist")
}

func TestCheckURLScheme(t *testing.T) {
	p := allowing("api.example.com")
	requirePolicyError(t, p.CheckURL("ftp://api.example.com/x"), "scheme")
	requirePolicyError(t, p.CheckURL("file:///etc/passwd"), "scheme")
}

// A literal private address is refused before any socket opens.
func TestCheckURLPrivateAddress(t *testing.T) {
	p := allowing("10.0.0.5", "127.0.0.1", "169.254.169.254")

	requirePolicyError(t, p.CheckURL("http://10.0.0.5/"), "private_address")
	requirePolicyError(t, p.CheckURL("http://127.0.0.1/"), "private_address")
	requirePolicyError(t, p.CheckURL("http://169.254.169.254/latest/meta-data"), "private_address")
}

func TestAllowPrivate(t *testing.T) {
	p := allowing("127.0.0.1")
	p.AllowPrivate = true
	assert.NoError(t, p.CheckURL("http://127.0.0.1:8080/x"))
}

func TestResponseBodyCap(t *testing.T) {
	p := allowing("api.example.com")
	p.MaxResponseBytes = 16

	data, err := p.ReadResponseBody(strings.NewReader("under the cap"))
	require.NoError(t, err)
	assert.Equal(t, "under the cap", string(data))

	_, err = p.ReadResponseBody(strings.NewReader("well over the sixteen byte cap"))
	requirePolicyError(t, err, "response_size")
}

func TestRequestSizeCap(t *testing.T) {
	p := allowing("api.example.com")
	p.MaxRequestBytes = 8
	assert.NoError(t, p.CheckRequestSize(8))
	requirePolicyError(t, p.CheckRequestSize(9), "request_size")
}

func TestCheckRedirectBound(t *testing.T) {
	p := allowing("api.example.com")
	p.MaxRedirects = 2
	check := p.CheckRedirect()

	req := mustRequest(t, "https://api.example.com/next")
	assert.NoError(t, check(req, nil))

	requirePolicyError(t, check(req, requests(t, 3)), "redirect")

	// Each hop is re-validated under the same rules.
	evil := mustRequest(t, "https://evil.com/")
	requirePolicyError(t, check(evil, requests(t, 1)), "host_allowlist")
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func requests(t *testing.T, n int) []*http.Request {
	t.Helper()
	out := make([]*http.Request, n)
	for i := range out {
		out[i] = mustRequest(t, "https://api.example.com/hop")
	}
	return out
}
