package engine

import (
	"net/http"
	"sync"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
)

// environment is the engine's mutable view of a run's bindings. All
// writes happen on commit paths; snapshots hand evaluators an immutable
// copy so expression evaluation never races a concurrent commit.
type environment struct {
	mu sync.Mutex

	inputs    map[string]any
	steps     map[string]*expression.StepState
	workflows map[string]map[string]any
	sources   map[string]string
	comps     map[string]map[string]any
}

// newEnvironment builds the run environment: frozen inputs, source
// URLs, and component parameter values from the document.
func newEnvironment(doc *arazzo.Document, inputs map[string]any) *environment {
	env := &environment{
		inputs:    inputs,
		steps:     make(map[string]*expression.StepState),
		workflows: make(map[string]map[string]any),
		sources:   make(map[string]string),
		comps:     make(map[string]map[string]any),
	}
	for _, src := range doc.SourceDescriptions {
		env.sources[src.Name] = src.URL
	}
	if doc.Components != nil {
		if len(doc.Components.Parameters) > 0 {
			params := make(map[string]any, len(doc.Components.Parameters))
			for name, p := range doc.Components.Parameters {
				params[name] = p.Value
			}
			env.comps["parameters"] = params
		}
		if len(doc.Components.Inputs) > 0 {
			inputsByName := make(map[string]any, len(doc.Components.Inputs))
			for name, v := range doc.Components.Inputs {
				inputsByName[name] = v
			}
			env.comps["inputs"] = inputsByName
		}
	}
	return env
}

// commitStep records a step's outputs and response for later
// expressions.
func (e *environment) commitStep(stepID string, outputs map[string]any, resp *expression.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[stepID] = &expression.StepState{Outputs: outputs, Response: resp}
}

// commitWorkflow records a sub-workflow's outputs.
func (e *environment) commitWorkflow(workflowID string, outputs map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[workflowID] = outputs
}

// snapshot returns an Env safe for concurrent evaluation. Current is
// the in-flight exchange for criterion scopes, nil outside attempts.
func (e *environment) snapshot(current *expression.Exchange) *expression.Env {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := make(map[string]*expression.StepState, len(e.steps))
	for id, state := range e.steps {
		steps[id] = state
	}
	workflows := make(map[string]map[string]any, len(e.workflows))
	for id, outputs := range e.workflows {
		workflows[id] = outputs
	}
	return &expression.Env{
		Inputs:     e.inputs,
		Steps:      steps,
		Workflows:  workflows,
		Sources:    e.sources,
		Components: e.comps,
		Current:    current,
	}
}

// responseState converts a decoded HTTP response into the expression
// view.
func responseState(statusCode int, headers http.Header, body any) *expression.Response {
	return &expression.Response{StatusCode: statusCode, Headers: headers, Body: body}
}
