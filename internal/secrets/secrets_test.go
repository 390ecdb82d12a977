package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/errors"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("PLAIN_TOKEN", "plain-value")
	t.Setenv("ARAZZO_SECRET_SCOPED", "scoped-value")
	t.Setenv("SCOPED", "shadowed")

	p := NewEnvProvider()

	v, err := p.Resolve(context.Background(), "PLAIN_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", v)

	// ARAZZO_SECRET_<NAME> wins over the bare variable.
	v, err = p.Resolve(context.Background(), "SCOPED")
	require.NoError(t, err)
	assert.Equal(t, "scoped-value", v)

	_, err = p.Resolve(context.Background(), "MISSING_VAR_123")
	require.Error(t, err)

	_, err = p.Resolve(context.Background(), "not a var name")
	require.Error(t, err)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(plain, []byte("tok-1\n"), 0o600))

	jsonFile := filepath.Join(dir, "creds.json")
	require.NoError(t, os.WriteFile(jsonFile, []byte(`{"db":{"password":"pw-2"}}`), 0o600))

	p := NewFileProvider()

	v, err := p.Resolve(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", v, "file content is trimmed")

	v, err = p.Resolve(context.Background(), jsonFile+"#/db/password")
	require.NoError(t, err)
	assert.Equal(t, "pw-2", v)

	_, err = p.Resolve(context.Background(), jsonFile+"#/db/missing")
	require.Error(t, err)
}

func TestResolverRouting(t *testing.T) {
	t.Setenv("ROUTED", "routed-value")
	r := NewResolver(NewEnvProvider(), NewFileProvider())

	assert.True(t, r.IsSecretURI("env://ROUTED"))
	assert.True(t, r.IsSecretURI("file:///etc/secret"))
	assert.False(t, r.IsSecretURI("https://example.com"), "unregistered scheme")
	assert.False(t, r.IsSecretURI("plain string"))

	v, err := r.Resolve(context.Background(), "env://ROUTED")
	require.NoError(t, err)
	assert.Equal(t, "routed-value", v.Secret)
	assert.Equal(t, "env://ROUTED", v.Redacted())

	_, err = r.Resolve(context.Background(), "vault://nope")
	require.Error(t, err)
	var secretErr *errors.SecretError
	require.ErrorAs(t, err, &secretErr)
}

// Resolution is memoized per resolver: the environment can change, the
// cached value must not.
func TestResolverMemoizes(t *testing.T) {
	t.Setenv("MEMO", "first")
	r := NewResolver(NewEnvProvider())

	v, err := r.Resolve(context.Background(), "env://MEMO")
	require.NoError(t, err)
	assert.Equal(t, "first", v.Secret)

	t.Setenv("MEMO", "second")
	v, err = r.Resolve(context.Background(), "env://MEMO")
	require.NoError(t, err)
	assert.Equal(t, "first", v.Secret)
}

// The persisted form never carries a value or a pointer fragment.
func TestRedaction(t *testing.T) {
	v := Value{Provider: "file", Ref: "/etc/creds.json#/db/password", Secret: "hunter2"}
	assert.Equal(t, "file:///etc/creds.json", v.Redacted())
	assert.NotContains(t, v.Redacted(), "hunter2")
}
