// Package secrets dereferences secret URIs to opaque values. Providers
// are routed by URI scheme; resolution is lazy and memoized per run.
// Secret values are never persisted: the engine replaces each resolved
// value with a fixed "[REDACTED]" marker before a request is written to
// the store. The provider and identifier are not recorded there either.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tombee/arazzo/pkg/errors"
)

// Provider resolves secrets for one URI scheme.
type Provider interface {
	// Scheme returns the URI scheme this provider handles (without "://").
	Scheme() string

	// Resolve dereferences a provider-relative reference to the secret
	// value. Errors must not contain the value.
	Resolve(ctx context.Context, ref string) (string, error)
}

// Value is a resolved secret. Secret must never be persisted.
type Value struct {
	Provider string
	Ref      string
	Secret   string
}

// Redacted returns the provider+identifier form of the secret. Attempt
// rows do not use it; they carry the "[REDACTED]" marker instead.
func (v Value) Redacted() string {
	return fmt.Sprintf("%s://%s", v.Provider, redactRef(v.Ref))
}

// redactRef drops any fragment from the persisted identifier; a file
// pointer could name the JSON key holding the secret.
func redactRef(ref string) string {
	if i := strings.IndexByte(ref, '#'); i >= 0 {
		return ref[:i]
	}
	return ref
}

// Resolver routes secret URIs to registered providers and memoizes
// resolved values for the lifetime of a run.
type Resolver struct {
	providers map[string]Provider

	mu    sync.Mutex
	cache map[string]Value
}

// NewResolver creates a resolver with the given providers. Registering
// two providers for one scheme is a programming error.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{
		providers: make(map[string]Provider, len(providers)),
		cache:     make(map[string]Value),
	}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// DefaultProviders returns the standard provider set: env, file,
// keyring, aws-sm, gcp-sm.
func DefaultProviders() []Provider {
	return []Provider{
		NewEnvProvider(),
		NewFileProvider(),
		NewKeyringProvider(),
		NewAWSProvider(),
		NewGCPProvider(),
	}
}

// IsSecretURI reports whether s looks like a secret reference this
// resolver could handle.
func (r *Resolver) IsSecretURI(s string) bool {
	scheme, _, ok := splitURI(s)
	if !ok {
		return false
	}
	_, registered := r.providers[scheme]
	return registered
}

// Resolve dereferences a secret URI, memoizing the result.
func (r *Resolver) Resolve(ctx context.Context, uri string) (Value, error) {
	scheme, ref, ok := splitURI(uri)
	if !ok {
		return Value{}, &errors.SecretError{
			Provider: "?", Ref: uri,
			Cause: fmt.Errorf("malformed secret URI"),
		}
	}

	r.mu.Lock()
	if v, hit := r.cache[uri]; hit {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	provider, registered := r.providers[scheme]
	if !registered {
		return Value{}, &errors.SecretError{
			Provider: scheme, Ref: redactRef(ref),
			Cause: fmt.Errorf("no provider for scheme %q", scheme),
		}
	}

	secret, err := provider.Resolve(ctx, ref)
	if err != nil {
		return Value{}, &errors.SecretError{Provider: scheme, Ref: redactRef(ref), Cause: err}
	}

	v := Value{Provider: scheme, Ref: ref, Secret: secret}
	r.mu.Lock()
	r.cache[uri] = v
	r.mu.Unlock()
	return v, nil
}

// splitURI splits "scheme://ref" into its parts.
func splitURI(s string) (scheme, ref string, ok bool) {
	i := strings.Index(s, "://")
	if i <= 0 {
		return "", "", false
	}
	scheme, ref = s[:i], s[i+3:]
	for j := 0; j < len(scheme); j++ {
		c := scheme[j]
		if !(c >= 'a' && c <= 'z' || c == '-') {
			return "", "", false
		}
	}
	return scheme, ref, ref != ""
}
