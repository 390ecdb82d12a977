package openapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/errors"
	"github.com/tombee/arazzo/pkg/plan"
)

const petstoreSpec = `{
  "openapi": "3.0.3",
  "info": {"title": "petstore", "version": "2.1.0"},
  "servers": [{"url": "https://petstore.example/v2"}],
  "paths": {
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}}
        ],
        "responses": {
          "200": {"description": "ok", "content": {"application/json": {"schema": {}}}}
        }
      }
    },
    "/orders": {
      "post": {
        "operationId": "placeOrder",
        "responses": {"201": {"description": "created"}}
      }
    }
  }
}`

func testCompiler(t *testing.T, doc *arazzo.Document) *Compiler {
	t.Helper()
	loader := NewLoader(nil)
	loader.Preloaded = map[string][]byte{"petstore": []byte(petstoreSpec)}
	c, err := NewCompiler(context.Background(), doc, "hash-1", loader)
	require.NoError(t, err)
	return c
}

func docWithSteps(steps ...arazzo.Step) *arazzo.Document {
	return &arazzo.Document{
		Arazzo: "1.0.0",
		Info:   arazzo.Info{Title: "t", Version: "1"},
		SourceDescriptions: []arazzo.SourceDescription{
			{Name: "petstore", URL: "https://petstore.example/openapi.json"},
		},
		Workflows: []arazzo.Workflow{{WorkflowID: "wf", Steps: steps}},
	}
}

func compileOne(t *testing.T, doc *arazzo.Document) (*CompiledStep, error) {
	t.Helper()
	c := testCompiler(t, doc)
	wf := &doc.Workflows[0]
	g, err := plan.Build(wf)
	require.NoError(t, err)
	steps, err := c.CompileWorkflow(wf, g)
	if err != nil {
		return nil, err
	}
	require.Len(t, steps, len(wf.Steps))
	return steps[0], nil
}

func TestCompileByOperationID(t *testing.T) {
	doc := docWithSteps(arazzo.Step{
		StepID:      "fetch",
		OperationID: "getPet",
		Parameters: []arazzo.Parameter{
			{Name: "petId", In: "path", Value: "$inputs.petId"},
			{Name: "verbose", In: "query", Value: true},
		},
	})

	compiled, err := compileOne(t, doc)
	require.NoError(t, err)

	assert.Equal(t, "GET", compiled.Method)
	assert.Equal(t, "https://petstore.example/v2/pets/{petId}", compiled.URLTemplate)
	require.Len(t, compiled.PathParams, 1)
	assert.Equal(t, "petId", compiled.PathParams[0].Name)
	require.Len(t, compiled.QueryParams, 1)
	assert.Contains(t, compiled.ResponseMediaTypes, "application/json")
}

func TestCompileByOperationPath(t *testing.T) {
	doc := docWithSteps(arazzo.Step{
		StepID:        "order",
		OperationPath: "{$sourceDescriptions.petstore.url}#/paths/~1orders/post",
		RequestBody: &arazzo.RequestBody{
			Payload: map[string]any{"petId": "$inputs.petId"},
		},
	})

	compiled, err := compileOne(t, doc)
	require.NoError(t, err)
	assert.Equal(t, "POST", compiled.Method)
	assert.Equal(t, "https://petstore.example/v2/orders", compiled.URLTemplate)
	require.NotNil(t, compiled.Body)
	assert.Equal(t, "application/json", compiled.Body.ContentType)
}

func TestCompileMissingRequiredParameter(t *testing.T) {
	doc := docWithSteps(arazzo.Step{StepID: "fetch", OperationID: "getPet"})

	_, err := compileOne(t, doc)
	require.Error(t, err)
	var resolveErr *errors.ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Contains(t, resolveErr.Message, "petId")
}

func TestCompileUnknownOperation(t *testing.T) {
	doc := docWithSteps(arazzo.Step{StepID: "x", OperationID: "nope"})

	_, err := compileOne(t, doc)
	var resolveErr *errors.ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Contains(t, resolveErr.Message, "not found")
}

func TestCompileWorkflowStep(t *testing.T) {
	doc := docWithSteps(
		arazzo.Step{StepID: "sub", WorkflowID: "other"},
	)
	doc.Workflows = append(doc.Workflows, arazzo.Workflow{WorkflowID: "other"})

	compiled, err := compileOne(t, doc)
	require.NoError(t, err)
	assert.Equal(t, "other", compiled.WorkflowRef)
	assert.Empty(t, compiled.Method)
}

func TestCompileCacheReuse(t *testing.T) {
	doc := docWithSteps(arazzo.Step{
		StepID:      "fetch",
		OperationID: "getPet",
		Parameters:  []arazzo.Parameter{{Name: "petId", In: "path", Value: "1"}},
	})
	c := testCompiler(t, doc)
	wf := &doc.Workflows[0]
	g, err := plan.Build(wf)
	require.NoError(t, err)

	first, err := c.CompileWorkflow(wf, g)
	require.NoError(t, err)
	second, err := c.CompileWorkflow(wf, g)
	require.NoError(t, err)
	assert.Same(t, first[0], second[0], "compiled steps are cached per document version")
}

func TestComponentParameterReference(t *testing.T) {
	doc := docWithSteps(arazzo.Step{
		StepID:      "fetch",
		OperationID: "getPet",
		Parameters: []arazzo.Parameter{
			{Reference: "$components.parameters.petId"},
		},
	})
	doc.Components = &arazzo.Components{
		Parameters: map[string]arazzo.Parameter{
			"petId": {Name: "petId", In: "path", Value: "$inputs.petId"},
		},
	}

	compiled, err := compileOne(t, doc)
	require.NoError(t, err)
	require.Len(t, compiled.PathParams, 1)
	assert.Equal(t, "$inputs.petId", compiled.PathParams[0].Value)
}
