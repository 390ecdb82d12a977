package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		scope   Scope
		path    []Segment
		pointer string
	}{
		{
			name:  "inputs key",
			input: "$inputs.username",
			scope: ScopeInputs,
			path:  []Segment{{Key: "username"}},
		},
		{
			name:  "step outputs",
			input: "$steps.login.outputs.token",
			scope: ScopeSteps,
			path:  []Segment{{Key: "login"}, {Key: "outputs"}, {Key: "token"}},
		},
		{
			name:  "response header",
			input: "$steps.fetch.response.headers.Content-Type",
			scope: ScopeSteps,
			path:  []Segment{{Key: "fetch"}, {Key: "response"}, {Key: "headers"}, {Key: "Content-Type"}},
		},
		{
			name:  "bracket index",
			input: "$inputs.items[2]",
			scope: ScopeInputs,
			path:  []Segment{{Key: "items"}, {Index: 2, IsIndex: true}},
		},
		{
			name:  "quoted bracket key",
			input: "$inputs['weird key']",
			scope: ScopeInputs,
			path:  []Segment{{Key: "weird key"}},
		},
		{
			name:    "json pointer tail",
			input:   "$steps.fetch.response.body#/data/0/id",
			scope:   ScopeSteps,
			path:    []Segment{{Key: "fetch"}, {Key: "response"}, {Key: "body"}},
			pointer: "/data/0/id",
		},
		{
			name:  "status code",
			input: "$statusCode",
			scope: ScopeStatusCode,
		},
		{
			name:  "source description url",
			input: "$sourceDescriptions.petstore.url",
			scope: ScopeSourceDescriptions,
			path:  []Segment{{Key: "petstore"}, {Key: "url"}},
		},
		{
			name:  "component parameter",
			input: "$components.parameters.pageSize",
			scope: ScopeComponents,
			path:  []Segment{{Key: "parameters"}, {Key: "pageSize"}},
		},
		{
			name:  "workflow outputs",
			input: "$workflows.signup.outputs.userId",
			scope: ScopeWorkflows,
			path:  []Segment{{Key: "signup"}, {Key: "outputs"}, {Key: "userId"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.scope, expr.Scope)
			assert.Equal(t, tt.path, expr.Path)
			assert.Equal(t, tt.pointer, expr.Pointer)
			assert.Equal(t, tt.input, expr.Raw)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing dollar", "inputs.name"},
		{"unknown scope", "$bogus.name"},
		{"empty scope", "$"},
		{"empty segment", "$inputs..name"},
		{"unterminated quote", "$inputs['open"},
		{"bad index", "$inputs.items[x]"},
		{"steps without name", "$steps"},
		{"statusCode with path", "$statusCode.foo"},
		{"pointer without slash", "$inputs.a#b"},
		{"trailing garbage", "$inputs.name!"},
		{"components without name", "$components.parameters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			var exprErr *errors.ExpressionError
			require.ErrorAs(t, err, &exprErr)
			assert.Equal(t, "parse", exprErr.Code)
		})
	}
}

func TestStepID(t *testing.T) {
	expr, err := Parse("$steps.fetch.outputs.id")
	require.NoError(t, err)
	id, ok := expr.StepID()
	require.True(t, ok)
	assert.Equal(t, "fetch", id)

	expr, err = Parse("$inputs.name")
	require.NoError(t, err)
	_, ok = expr.StepID()
	assert.False(t, ok)
}
