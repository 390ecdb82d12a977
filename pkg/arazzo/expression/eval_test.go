package expression

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/errors"
)

func testEnv() *Env {
	return &Env{
		Inputs: map[string]any{
			"username": "ada",
			"items":    []any{"a", "b", "c"},
			"nested":   map[string]any{"key": float64(7)},
		},
		Steps: map[string]*StepState{
			"login": {
				Outputs: map[string]any{"token": "t-123"},
				Response: &Response{
					StatusCode: 201,
					Headers:    http.Header{"Location": []string{"/users/9"}},
					Body: map[string]any{
						"data": []any{map[string]any{"id": float64(9)}},
					},
				},
			},
		},
		Workflows: map[string]map[string]any{
			"signup": {"userId": float64(9)},
		},
		Sources:    map[string]string{"petstore": "https://petstore.example/openapi.json"},
		Components: map[string]map[string]any{"parameters": {"pageSize": float64(50)}},
	}
}

func TestEval(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"input string", "$inputs.username", "ada"},
		{"input index", "$inputs.items[1]", "b"},
		{"input nested", "$inputs.nested.key", float64(7)},
		{"step output", "$steps.login.outputs.token", "t-123"},
		{"step response body pointer", "$steps.login.response.body#/data/0/id", float64(9)},
		{"step response header", "$steps.login.response.headers.Location", "/users/9"},
		{"workflow output", "$workflows.signup.outputs.userId", float64(9)},
		{"source url", "$sourceDescriptions.petstore.url", "https://petstore.example/openapi.json"},
		{"component parameter", "$components.parameters.pageSize", float64(50)},
	}

	env := testEnv()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.input)
			require.NoError(t, err)
			got, err := expr.Eval(env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCurrentExchange(t *testing.T) {
	env := testEnv()
	env.Current = &Exchange{
		URL:    "https://api.example/pets",
		Method: "GET",
		Response: &Response{
			StatusCode: 200,
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       map[string]any{"ok": true},
		},
	}

	for input, want := range map[string]any{
		"$statusCode":                    float64(200),
		"$response.body#/ok":             true,
		"$response.header.Content-Type":  "application/json",
		"$response.headers.Content-Type": "application/json",
		"$url":                           "https://api.example/pets",
		"$method":                        "GET",
	} {
		expr, err := Parse(input)
		require.NoError(t, err, input)
		got, err := expr.Eval(env)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

// The evaluator is strict: a step without committed outputs is an
// error, not null.
func TestEvalErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  string
	}{
		{"uncommitted step", "$steps.missing.outputs.x", "unbound_scope"},
		{"missing key", "$inputs.nope", "missing_key"},
		{"index out of range", "$inputs.items[9]", "index_out_of_range"},
		{"index into object", "$inputs.nested[0]", "type_mismatch"},
		{"key into array", "$inputs.items.key", "type_mismatch"},
		{"pointer missing key", "$steps.login.response.body#/nope", "missing_key"},
		{"no current response", "$statusCode", "unbound_scope"},
	}

	env := testEnv()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.input)
			require.NoError(t, err)
			_, err = expr.Eval(env)
			require.Error(t, err)
			var exprErr *errors.ExpressionError
			require.ErrorAs(t, err, &exprErr)
			assert.Equal(t, tt.code, exprErr.Code)
		})
	}
}

func TestResolveString(t *testing.T) {
	env := testEnv()

	// A lone expression keeps its JSON type.
	v, err := ResolveString("$components.parameters.pageSize", env)
	require.NoError(t, err)
	assert.Equal(t, float64(50), v)

	// Embedded expressions interpolate stringified values.
	v, err = ResolveString("Bearer {$steps.login.outputs.token}", env)
	require.NoError(t, err)
	assert.Equal(t, "Bearer t-123", v)

	// Literals pass through.
	v, err = ResolveString("plain", env)
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestResolveRecurses(t *testing.T) {
	env := testEnv()
	v, err := Resolve(map[string]any{
		"user":  "$inputs.username",
		"page":  map[string]any{"size": "$components.parameters.pageSize"},
		"items": []any{"$inputs.items[0]", "literal"},
	}, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"user":  "ada",
		"page":  map[string]any{"size": float64(50)},
		"items": []any{"a", "literal"},
	}, v)
}

func TestExtractRefs(t *testing.T) {
	refs := ExtractRefs("$statusCode == 200 && $steps.login.outputs.token != 'x'")
	require.Len(t, refs, 2)
	assert.Equal(t, ScopeStatusCode, refs[0].Scope)
	id, ok := refs[1].StepID()
	require.True(t, ok)
	assert.Equal(t, "login", id)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "7", Stringify(float64(7)))
	assert.Equal(t, "7.5", Stringify(7.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "x", Stringify("x"))
	assert.Equal(t, "", Stringify(nil))
}
