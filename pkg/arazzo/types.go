// Package arazzo defines the typed document model for Arazzo 1.0.x
// workflow descriptions, YAML/JSON parsing, and rule-based validation.
//
// The document is immutable after parse. Reusable components are
// referenced by interned name, not back-pointers; consumers resolve
// component references on demand through the Document lookup methods.
package arazzo

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the root object of an Arazzo description.
type Document struct {
	// Arazzo is the specification version (pattern: ^1\.0\.\d+(-.+)?$).
	Arazzo string `yaml:"arazzo" json:"arazzo"`

	// Info provides metadata about the description.
	Info Info `yaml:"info" json:"info"`

	// SourceDescriptions lists the OpenAPI (or Arazzo) sources steps
	// resolve operations against.
	SourceDescriptions []SourceDescription `yaml:"sourceDescriptions" json:"sourceDescriptions"`

	// Workflows is the ordered list of workflows.
	Workflows []Workflow `yaml:"workflows" json:"workflows"`

	// Components holds reusable objects referenced by interned name.
	Components *Components `yaml:"components,omitempty" json:"components,omitempty"`
}

// Info provides document metadata.
type Info struct {
	Title       string `yaml:"title" json:"title"`
	Summary     string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version"`
}

// SourceDescription names an external API description.
type SourceDescription struct {
	// Name is the unique key steps use to reference this source.
	Name string `yaml:"name" json:"name"`

	// URL locates the source document (URL or relative path).
	URL string `yaml:"url" json:"url"`

	// Type is "openapi" or "arazzo". Empty defaults to openapi.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Workflow is a named DAG of steps with typed inputs and outputs.
type Workflow struct {
	WorkflowID  string `yaml:"workflowId" json:"workflowId"`
	Summary     string `yaml:"summary,omitempty" json:"summary,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Inputs is a JSON Schema constraining the run inputs.
	Inputs map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// DependsOn lists workflows that must complete before this one when
	// executing a whole document.
	DependsOn StringList `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	// Parameters are applied to every step of the workflow unless the
	// step overrides a parameter of the same (name, in).
	Parameters []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`

	// Steps is the ordered step list. Order fixes step_index and
	// deterministic scheduling within a level.
	Steps []Step `yaml:"steps" json:"steps"`

	// SuccessActions / FailureActions are workflow-level defaults applied
	// to steps that declare none of their own.
	SuccessActions []SuccessAction `yaml:"successActions,omitempty" json:"successActions,omitempty"`
	FailureActions []FailureAction `yaml:"failureActions,omitempty" json:"failureActions,omitempty"`

	// Outputs maps workflow output names to runtime expressions.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Step is a single HTTP operation or sub-workflow invocation.
type Step struct {
	StepID      string `yaml:"stepId" json:"stepId"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Exactly one of OperationID, OperationPath, WorkflowID is set.
	OperationID   string `yaml:"operationId,omitempty" json:"operationId,omitempty"`
	OperationPath string `yaml:"operationPath,omitempty" json:"operationPath,omitempty"`
	WorkflowID    string `yaml:"workflowId,omitempty" json:"workflowId,omitempty"`

	// DependsOn lists step ids that must succeed before this step runs.
	// Implicit dependencies are additionally inferred from expression
	// references at plan time.
	DependsOn StringList `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	Parameters  []Parameter  `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	RequestBody *RequestBody `yaml:"requestBody,omitempty" json:"requestBody,omitempty"`

	// SuccessCriteria must all hold for the step to succeed. An empty
	// list means any 2xx response succeeds.
	SuccessCriteria []Criterion `yaml:"successCriteria,omitempty" json:"successCriteria,omitempty"`

	OnSuccess []SuccessAction `yaml:"onSuccess,omitempty" json:"onSuccess,omitempty"`
	OnFailure []FailureAction `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`

	// Outputs maps output names to runtime expressions evaluated once
	// the step's criteria pass.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// IsOperationStep reports whether the step invokes an HTTP operation.
func (s *Step) IsOperationStep() bool {
	return s.OperationID != "" || s.OperationPath != ""
}

// IsWorkflowStep reports whether the step invokes a sub-workflow.
func (s *Step) IsWorkflowStep() bool {
	return s.WorkflowID != ""
}

// Parameter binds a named value into a request location. A parameter may
// instead reference a reusable component parameter by expression.
type Parameter struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// In is one of path, query, header, cookie. Empty is allowed for
	// sub-workflow steps, where parameters map to workflow inputs.
	In string `yaml:"in,omitempty" json:"in,omitempty"`

	// Value is the literal or runtime-expression value.
	Value any `yaml:"value,omitempty" json:"value,omitempty"`

	// Reference points at a reusable parameter, e.g.
	// "$components.parameters.pageSize". Value, when also set, overrides
	// the referenced parameter's value.
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// RequestBody describes the request payload of an operation step.
type RequestBody struct {
	ContentType string `yaml:"contentType,omitempty" json:"contentType,omitempty"`

	// Payload is the body value; strings inside it may embed runtime
	// expressions.
	Payload any `yaml:"payload,omitempty" json:"payload,omitempty"`

	// Replacements override payload locations (JSON pointer targets).
	Replacements []PayloadReplacement `yaml:"replacements,omitempty" json:"replacements,omitempty"`
}

// PayloadReplacement targets a payload location with a new value.
type PayloadReplacement struct {
	// Target is a JSON pointer into the payload.
	Target string `yaml:"target" json:"target"`
	Value  any    `yaml:"value" json:"value"`
}

// Criterion is a single success predicate.
type Criterion struct {
	// Context is a runtime expression providing the value regex and
	// jsonpath criteria apply to.
	Context string `yaml:"context,omitempty" json:"context,omitempty"`

	// Condition is the predicate text; its meaning depends on Type.
	Condition string `yaml:"condition" json:"condition"`

	// Type is simple (default), regex, or jsonpath.
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// SuccessAction describes what to do when a step succeeds.
type SuccessAction struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type is "end" or "goto".
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// StepID / WorkflowID name the goto target (mutually exclusive).
	StepID     string `yaml:"stepId,omitempty" json:"stepId,omitempty"`
	WorkflowID string `yaml:"workflowId,omitempty" json:"workflowId,omitempty"`

	// Criteria gate the action; all must hold for it to fire.
	Criteria []Criterion `yaml:"criteria,omitempty" json:"criteria,omitempty"`

	// Reference points at a reusable success action, e.g.
	// "$components.successActions.done".
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// FailureAction describes what to do when a step fails.
type FailureAction struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type is "end", "goto", or "retry".
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	StepID     string `yaml:"stepId,omitempty" json:"stepId,omitempty"`
	WorkflowID string `yaml:"workflowId,omitempty" json:"workflowId,omitempty"`

	// RetryAfter is the delay in seconds before a retry attempt.
	RetryAfter float64 `yaml:"retryAfter,omitempty" json:"retryAfter,omitempty"`

	// RetryLimit bounds retry attempts triggered by this action.
	RetryLimit int `yaml:"retryLimit,omitempty" json:"retryLimit,omitempty"`

	Criteria []Criterion `yaml:"criteria,omitempty" json:"criteria,omitempty"`

	// Reference points at a reusable failure action.
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// Components holds reusable objects keyed by interned name.
type Components struct {
	Inputs         map[string]any           `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Parameters     map[string]Parameter     `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	SuccessActions map[string]SuccessAction `yaml:"successActions,omitempty" json:"successActions,omitempty"`
	FailureActions map[string]FailureAction `yaml:"failureActions,omitempty" json:"failureActions,omitempty"`
}

// StringList unmarshals either a scalar string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	default:
		return fmt.Errorf("dependsOn must be a string or a list of strings")
	}
}

// Workflow returns the workflow with the given id.
func (d *Document) Workflow(id string) (*Workflow, bool) {
	for i := range d.Workflows {
		if d.Workflows[i].WorkflowID == id {
			return &d.Workflows[i], true
		}
	}
	return nil, false
}

// Source returns the source description with the given name.
func (d *Document) Source(name string) (*SourceDescription, bool) {
	for i := range d.SourceDescriptions {
		if d.SourceDescriptions[i].Name == name {
			return &d.SourceDescriptions[i], true
		}
	}
	return nil, false
}

// Step returns the step with the given id within a workflow.
func (w *Workflow) Step(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].StepID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of a step id in the workflow, or -1.
func (w *Workflow) StepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].StepID == id {
			return i
		}
	}
	return -1
}

// Parameter resolves a reusable component parameter by interned name.
func (d *Document) Parameter(name string) (*Parameter, bool) {
	if d.Components == nil {
		return nil, false
	}
	p, ok := d.Components.Parameters[name]
	if !ok {
		return nil, false
	}
	return &p, true
}

// SuccessAction resolves a reusable success action by interned name.
func (d *Document) SuccessAction(name string) (*SuccessAction, bool) {
	if d.Components == nil {
		return nil, false
	}
	a, ok := d.Components.SuccessActions[name]
	if !ok {
		return nil, false
	}
	return &a, true
}

// FailureAction resolves a reusable failure action by interned name.
func (d *Document) FailureAction(name string) (*FailureAction, bool) {
	if d.Components == nil {
		return nil, false
	}
	a, ok := d.Components.FailureActions[name]
	if !ok {
		return nil, false
	}
	return &a, true
}
