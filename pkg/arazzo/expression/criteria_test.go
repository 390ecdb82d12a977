package expression

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func criteriaEnv(status int, body any) *Env {
	return &Env{
		Inputs: map[string]any{"limit": float64(10)},
		Steps:  map[string]*StepState{},
		Current: &Exchange{
			URL:    "https://api.example/pets",
			Method: "GET",
			Response: &Response{
				StatusCode: status,
				Headers:    http.Header{"Content-Type": []string{"application/json"}},
				Body:       body,
			},
		},
	}
}

func TestSimpleCriteria(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		status    int
		body      any
		want      bool
	}{
		{"status equality", "$statusCode == 200", 200, nil, true},
		{"status inequality", "$statusCode == 200", 503, nil, false},
		{"comparison", "$statusCode < 300", 201, nil, true},
		{"conjunction", "$statusCode >= 200 && $statusCode < 300", 204, nil, true},
		{"body field", "$response.body#/count == 3", 200, map[string]any{"count": float64(3)}, true},
		{"input reference", "$inputs.limit > 5", 200, nil, true},
		{"string equality", "$response.body#/name == 'rex'", 200, map[string]any{"name": "rex"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			criterion, err := CompileCriterion("", "simple", tt.condition)
			require.NoError(t, err)
			got, err := criterion.Eval(criteriaEnv(tt.status, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegexCriterion(t *testing.T) {
	criterion, err := CompileCriterion("$response.body#/name", "regex", "^re.$")
	require.NoError(t, err)

	ok, err := criterion.Eval(criteriaEnv(200, map[string]any{"name": "rex"}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = criterion.Eval(criteriaEnv(200, map[string]any{"name": "bruno"}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONPathCriterion(t *testing.T) {
	body := map[string]any{
		"pets": []any{
			map[string]any{"id": float64(1)},
			map[string]any{"id": float64(2)},
		},
	}

	criterion, err := CompileCriterion("$response.body", "jsonpath", "$.pets[0].id")
	require.NoError(t, err)
	ok, err := criterion.Eval(criteriaEnv(200, body))
	require.NoError(t, err)
	assert.True(t, ok)

	criterion, err = CompileCriterion("$response.body", "jsonpath", "$.missing")
	require.NoError(t, err)
	ok, err = criterion.Eval(criteriaEnv(200, body))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompileCriterionErrors(t *testing.T) {
	_, err := CompileCriterion("", "simple", "")
	require.Error(t, err)

	_, err = CompileCriterion("", "regex", "ok")
	require.Error(t, err, "regex without context")

	_, err = CompileCriterion("$response.body", "regex", "([")
	require.Error(t, err, "malformed regex")

	_, err = CompileCriterion("", "bogus", "$statusCode == 200")
	require.Error(t, err, "unknown type")

	_, err = CompileCriterion("", "simple", "1 == 1")
	require.Error(t, err, "no runtime expression")
}
