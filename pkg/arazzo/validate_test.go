package arazzo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
arazzo: 1.0.1
info:
  title: Pet purchase
  version: 1.0.0
sourceDescriptions:
  - name: petstore
    url: https://petstore.example/openapi.json
    type: openapi
workflows:
  - workflowId: buy-pet
    inputs:
      type: object
      properties:
        petId:
          type: string
    steps:
      - stepId: find
        operationId: findPet
        parameters:
          - name: id
            in: query
            value: $inputs.petId
        successCriteria:
          - condition: $statusCode == 200
        outputs:
          pet: $response.body
      - stepId: order
        operationId: placeOrder
        dependsOn: find
        requestBody:
          contentType: application/json
          payload:
            pet: $steps.find.outputs.pet
        onFailure:
          - name: retryOrder
            type: retry
            retryAfter: 2
            retryLimit: 3
    outputs:
      orderId: $steps.order.outputs.id
`

func parseValid(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	return doc
}

func TestValidateValidDocument(t *testing.T) {
	findings := Validate(parseValid(t))
	assert.True(t, findings.Valid(), "unexpected findings: %v", findings)
}

func TestParseRoundTrip(t *testing.T) {
	doc := parseValid(t)
	data, err := Marshal(doc)
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}

func TestValidateFindings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Document)
		message string
	}{
		{
			name:    "duplicate workflow id",
			mutate:  func(d *Document) { d.Workflows = append(d.Workflows, d.Workflows[0]) },
			message: "duplicate workflow id",
		},
		{
			name: "duplicate step id",
			mutate: func(d *Document) {
				wf := &d.Workflows[0]
				wf.Steps = append(wf.Steps, wf.Steps[0])
			},
			message: "duplicate step id",
		},
		{
			name: "self dependency",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].DependsOn = StringList{"find"}
			},
			message: "cannot depend on itself",
		},
		{
			name: "unknown dependency",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].DependsOn = StringList{"ghost"}
			},
			message: "unknown step",
		},
		{
			name: "malformed output expression",
			mutate: func(d *Document) {
				d.Workflows[0].Outputs["bad"] = "$bogus.scope"
			},
			message: "unknown scope",
		},
		{
			name: "invalid output name",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].Outputs = map[string]string{"not a name!": "$statusCode"}
			},
			message: "not a valid identifier",
		},
		{
			name: "operation and workflow refs are exclusive",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].WorkflowID = "buy-pet"
			},
			message: "mutually exclusive",
		},
		{
			name: "unknown sub-workflow",
			mutate: func(d *Document) {
				step := &d.Workflows[0].Steps[0]
				step.OperationID = ""
				step.WorkflowID = "ghost"
			},
			message: "unknown workflow",
		},
		{
			name: "backward goto",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[1].OnFailure = []FailureAction{{
					Name: "back", Type: "goto", StepID: "find",
				}}
			},
			message: "goes backward",
		},
		{
			name: "retry on success action",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].OnSuccess = []SuccessAction{{Name: "x", Type: "retry"}}
			},
			message: "only valid as a failure action",
		},
		{
			name: "criterion without condition",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].SuccessCriteria = []Criterion{{}}
			},
			message: "condition is required",
		},
		{
			name: "unknown component parameter reference",
			mutate: func(d *Document) {
				d.Workflows[0].Steps[0].Parameters = append(d.Workflows[0].Steps[0].Parameters,
					Parameter{Reference: "$components.parameters.ghost"})
			},
			message: "unknown component parameter",
		},
		{
			name: "unknown source type",
			mutate: func(d *Document) {
				d.SourceDescriptions[0].Type = "wsdl"
			},
			message: "unknown source type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parseValid(t)
			tt.mutate(doc)
			findings := Validate(doc)
			require.False(t, findings.Valid(), "expected findings")
			found := false
			for _, finding := range findings {
				if finding.Severity == SeverityError && strings.Contains(finding.Message, tt.message) {
					found = true
				}
			}
			assert.True(t, found, "no finding mentions %q: %v", tt.message, findings)
		})
	}
}

func TestStringListScalar(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	assert.Equal(t, StringList{"find"}, doc.Workflows[0].Steps[1].DependsOn)
}
