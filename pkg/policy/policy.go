// Package policy enforces the network safety rules applied to every
// outgoing request: host allow-list, private-address rejection, body
// size caps, and redirect re-validation. Violations are PolicyErrors and
// are never retried.
package policy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/arazzo/pkg/errors"
)

// DefaultMaxBodyBytes caps request and response bodies at 10 MiB.
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// DefaultMaxRedirects bounds redirect chains.
const DefaultMaxRedirects = 5

// Policy is the immutable per-run network policy.
type Policy struct {
	// AllowedHosts lists hosts requests may target. Entries are exact
	// hostnames or suffix wildcards ("*.example.com"). An empty list
	// denies every host.
	AllowedHosts []string

	// AllowPrivate permits loopback, link-local, private, multicast, and
	// unspecified addresses. Off by default; enabled by --allow-private.
	AllowPrivate bool

	// MaxRequestBytes / MaxResponseBytes cap body sizes. Zero means
	// DefaultMaxBodyBytes.
	MaxRequestBytes  int64
	MaxResponseBytes int64

	// MaxRedirects bounds redirect following. Each redirect target is
	// re-checked under the same policy. Zero means DefaultMaxRedirects.
	MaxRedirects int
}

// Default returns a policy with no allowed hosts and default caps.
func Default() *Policy {
	return &Policy{
		MaxRequestBytes:  DefaultMaxBodyBytes,
		MaxResponseBytes: DefaultMaxBodyBytes,
		MaxRedirects:     DefaultMaxRedirects,
	}
}

func (p *Policy) maxRequestBytes() int64 {
	if p.MaxRequestBytes > 0 {
		return p.MaxRequestBytes
	}
	return DefaultMaxBodyBytes
}

func (p *Policy) maxResponseBytes() int64 {
	if p.MaxResponseBytes > 0 {
		return p.MaxResponseBytes
	}
	return DefaultMaxBodyBytes
}

func (p *Policy) maxRedirects() int {
	if p.MaxRedirects > 0 {
		return p.MaxRedirects
	}
	return DefaultMaxRedirects
}

// CheckURL validates a target URL before any socket is opened: scheme,
// host allow-list, and resolved-address ranges.
func (p *Policy) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &errors.PolicyError{Rule: "url", Target: rawURL, Message: "malformed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &errors.PolicyError{Rule: "scheme", Target: rawURL, Message: fmt.Sprintf("scheme %q is not allowed", u.Scheme)}
	}

	host := u.Hostname()
	if host == "" {
		return &errors.PolicyError{Rule: "url", Target: rawURL, Message: "URL has no host"}
	}
	if err := p.checkHost(host); err != nil {
		return err
	}

	// A literal IP is checked directly; hostnames are additionally
	// re-checked at dial time against every resolved address.
	if ip := net.ParseIP(host); ip != nil {
		return p.checkIP(host, ip)
	}
	return nil
}

// checkHost matches the host against the allow-list.
func (p *Policy) checkHost(host string) error {
	lower := strings.ToLower(host)
	for _, allowed := range p.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if lower == suffix || strings.HasSuffix(lower, "."+suffix) {
				return nil
			}
			continue
		}
		if lower == allowed {
			return nil
		}
	}
	return &errors.PolicyError{Rule: "host_allowlist", Target: host, Message: "host is not in the allow-list"}
}

// checkIP rejects address ranges that reach internal infrastructure.
func (p *Policy) checkIP(host string, ip net.IP) error {
	if p.AllowPrivate {
		return nil
	}
	blocked := ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
	if blocked {
		return &errors.PolicyError{
			Rule:    "private_address",
			Target:  host,
			Message: fmt.Sprintf("host resolves to blocked address %s", ip),
		}
	}
	return nil
}

// DialContext returns a dialer that resolves the host itself and
// validates every resolved address before connecting, closing the
// DNS-rebinding window between check and dial.
func (p *Policy) DialContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, &errors.PolicyError{Rule: "url", Target: addr, Message: "malformed address"}
		}
		if err := p.checkHost(host); err != nil {
			return nil, err
		}

		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, &errors.NetworkError{Op: "dns", Cause: err}
		}
		for _, ip := range ips {
			if err := p.checkIP(host, ip); err != nil {
				return nil, err
			}
		}

		// Dial the first validated address, not the hostname, so the
		// connection cannot land on an address we did not check.
		return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// CheckRedirect returns the redirect policy for an http.Client: bounded
// chain length, every hop re-checked under the same rules.
func (p *Policy) CheckRedirect() func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= p.maxRedirects() {
			return &errors.PolicyError{
				Rule:    "redirect",
				Target:  req.URL.String(),
				Message: fmt.Sprintf("redirect chain exceeds %d hops", p.maxRedirects()),
			}
		}
		return p.CheckURL(req.URL.String())
	}
}

// CheckRequestSize validates the declared request body length.
func (p *Policy) CheckRequestSize(n int64) error {
	if n > p.maxRequestBytes() {
		return &errors.PolicyError{
			Rule:    "request_size",
			Target:  fmt.Sprintf("%d bytes", n),
			Message: fmt.Sprintf("request body exceeds cap of %d bytes", p.maxRequestBytes()),
		}
	}
	return nil
}

// ReadResponseBody drains a response body up to the configured cap,
// failing with a PolicyError when the cap is exceeded.
func (p *Policy) ReadResponseBody(body io.Reader) ([]byte, error) {
	cap := p.maxResponseBytes()
	data, err := io.ReadAll(io.LimitReader(body, cap+1))
	if err != nil {
		return nil, &errors.NetworkError{Op: "read", Cause: err}
	}
	if int64(len(data)) > cap {
		return nil, &errors.PolicyError{
			Rule:    "response_size",
			Target:  fmt.Sprintf("> %d bytes", cap),
			Message: fmt.Sprintf("response body exceeds cap of %d bytes", cap),
		}
	}
	return data, nil
}
