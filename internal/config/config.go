// Package config carries the execution settings assembled from CLI
// flags and the environment. Configuration is passed explicitly through
// the run context; there is no package-level state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// Exec is the execute/start/resume configuration.
type Exec struct {
	// InputsFile is a JSON (or YAML-as-JSON) file of workflow inputs.
	InputsFile string

	// Sets are key=value input overrides, repeatable.
	Sets []string

	// AllowHosts is the outbound host allow-list, repeatable; entries
	// may be exact hosts or suffix wildcards (*.example.com).
	AllowHosts []string

	// AllowPrivate permits loopback/private/link-local targets.
	AllowPrivate bool

	// OpenAPI maps source names to local description paths
	// (--openapi name=path, repeatable).
	OpenAPI []string

	// StoreURL is the postgres URL; empty falls back to the environment
	// and then to the in-memory store.
	StoreURL string

	// MaxConcurrency bounds parallel step execution.
	MaxConcurrency int

	// TimeoutMS is the per-request timeout in milliseconds.
	TimeoutMS int

	// Events selects event fan-out: none, stdout, postgres, both.
	Events string

	// WebhookURL receives a completion POST when set.
	WebhookURL string

	// Secrets restricts secret providers: env, file, aws, gcp, keyring;
	// empty enables all.
	Secrets []string

	// Format is text or json output.
	Format string

	// IdempotencyKey deduplicates run creation per creator.
	IdempotencyKey string

	// Creator identifies the run creator; defaults to $USER.
	Creator string

	// ContinueOnFailure unblocks successors of failed steps instead of
	// skipping them.
	ContinueOnFailure bool
}

// RegisterFlags binds the execute-time flags.
func (c *Exec) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.InputsFile, "inputs", "", "JSON file of workflow inputs")
	fs.StringArrayVar(&c.Sets, "set", nil, "input override key=value (repeatable)")
	fs.StringArrayVar(&c.AllowHosts, "allow-host", nil, "allowed outbound host, exact or *.suffix (repeatable)")
	fs.BoolVar(&c.AllowPrivate, "allow-private", false, "permit loopback/private/link-local addresses")
	fs.StringArrayVar(&c.OpenAPI, "openapi", nil, "OpenAPI source override name=path (repeatable)")
	fs.StringVar(&c.StoreURL, "store", "", "postgres store URL (default: $DATABASE_URL, else in-memory)")
	fs.IntVar(&c.MaxConcurrency, "max-concurrency", 10, "maximum concurrently running steps")
	fs.IntVar(&c.TimeoutMS, "timeout", 30000, "per-request timeout in milliseconds")
	fs.StringVar(&c.Events, "events", "stdout", "event delivery: none|stdout|postgres|both")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "POST a completion summary to this URL")
	fs.StringSliceVar(&c.Secrets, "secrets", nil, "secret providers to enable: env|file|aws|gcp|keyring (default all)")
	fs.StringVar(&c.Format, "format", "text", "output format: text|json")
	fs.StringVar(&c.IdempotencyKey, "idempotency-key", "", "deduplicate run creation per creator")
	fs.BoolVar(&c.ContinueOnFailure, "continue-on-failure", false, "unblock successors of failed steps instead of skipping them")
}

// DatabaseURL resolves the store URL: the --store flag, then
// ARAZZO_DATABASE_URL, then DATABASE_URL. Empty means no database.
func (c *Exec) DatabaseURL() string {
	if c.StoreURL != "" {
		return c.StoreURL
	}
	if url := os.Getenv("ARAZZO_DATABASE_URL"); url != "" {
		return url
	}
	return os.Getenv("DATABASE_URL")
}

// ResolveCreator returns the configured creator or the process user.
func (c *Exec) ResolveCreator() string {
	if c.Creator != "" {
		return c.Creator
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "unknown"
}

// OpenAPIOverrides parses the --openapi name=path pairs.
func (c *Exec) OpenAPIOverrides() (map[string]string, error) {
	out := make(map[string]string, len(c.OpenAPI))
	for _, pair := range c.OpenAPI {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("malformed --openapi %q (want name=path)", pair)
		}
		out[name] = path
	}
	return out, nil
}

// LoadInputs assembles the run inputs: the --inputs file first, then
// --set overrides on top. Override values parse as JSON when possible
// and fall back to strings.
func (c *Exec) LoadInputs() (inputs, overrides map[string]any, err error) {
	inputs = map[string]any{}
	if c.InputsFile != "" {
		data, err := os.ReadFile(c.InputsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read inputs file: %w", err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, nil, fmt.Errorf("parse inputs file: %w", err)
		}
	}

	overrides = map[string]any{}
	for _, pair := range c.Sets {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("malformed --set %q (want key=value)", pair)
		}
		overrides[key] = parseScalar(raw)
		inputs[key] = overrides[key]
	}
	return inputs, overrides, nil
}

// parseScalar interprets a --set value: JSON literal, number, bool, or
// plain string.
func parseScalar(raw string) any {
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "\"") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}
