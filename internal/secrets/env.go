package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
)

// envNamePattern restricts env secret names to conventional variable
// names; anything else is refused rather than passed to the environment.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvProvider resolves env://NAME references from the process
// environment. ARAZZO_SECRET_<NAME> takes precedence over NAME, so
// operators can scope secrets to the runner without renaming them for
// the workflow.
type EnvProvider struct{}

// NewEnvProvider creates an environment-variable secret provider.
func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	if !envNamePattern.MatchString(ref) {
		return "", fmt.Errorf("invalid environment variable name")
	}
	if v, ok := os.LookupEnv("ARAZZO_SECRET_" + ref); ok {
		return v, nil
	}
	if v, ok := os.LookupEnv(ref); ok {
		return v, nil
	}
	return "", fmt.Errorf("environment variable not set")
}
