package openapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tombee/arazzo/pkg/arazzo"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
	"github.com/tombee/arazzo/pkg/errors"
	"github.com/tombee/arazzo/pkg/plan"
)

// supportedMethods are the HTTP methods steps may resolve to.
var supportedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// CompiledStep is the immutable executable form of one step, derived
// once per document version and shared by all runs.
type CompiledStep struct {
	StepID string
	Index  int
	Level  int

	// DependsOn is the planned predecessor set (explicit + implicit).
	DependsOn []string

	// WorkflowRef names the sub-workflow for workflow steps; all HTTP
	// fields below are zero in that case.
	WorkflowRef string

	Method string

	// URLTemplate is the absolute URL with {name} placeholders for path
	// parameters.
	URLTemplate string

	PathParams   []CompiledParam
	QueryParams  []CompiledParam
	HeaderParams []CompiledParam
	CookieParams []CompiledParam

	Body *CompiledBody

	// Criteria are the pre-built success-criterion evaluators. Empty
	// means any 2xx response succeeds.
	Criteria []*expression.Criterion

	// Outputs maps output names to their (unevaluated) expressions.
	Outputs map[string]string

	OnSuccess []CompiledAction
	OnFailure []CompiledAction

	// ResponseMediaTypes hints how to decode the response body.
	ResponseMediaTypes []string
}

// CompiledParam is one parameter binding; Value may embed runtime
// expressions resolved per attempt.
type CompiledParam struct {
	Name  string
	Value any
}

// CompiledBody is the request body template.
type CompiledBody struct {
	ContentType  string
	Payload      any
	Replacements []CompiledReplacement
}

// CompiledReplacement overrides one payload location per attempt.
type CompiledReplacement struct {
	Target string
	Value  any
}

// CompiledAction is a pre-compiled onSuccess/onFailure transition.
type CompiledAction struct {
	Name string

	// Type is end, goto, or retry.
	Type string

	StepID     string
	WorkflowID string

	RetryAfter time.Duration
	RetryLimit int

	// Criteria gate the action; all must hold against the failing (or
	// succeeding) exchange for the action to fire.
	Criteria []*expression.Criterion
}

// Compiler resolves and compiles steps against loaded sources.
// Compilation output is cached keyed by (document hash, source versions,
// workflow id); one entry holds every compiled step of that workflow and
// there are no per-step entries. The cache is read-only after warm-up and
// safe for concurrent readers.
type Compiler struct {
	doc     *arazzo.Document
	docHash string
	sources map[string]*Source
	indexes map[string]*Index

	mu    sync.Mutex
	cache map[string][]*CompiledStep
}

// NewCompiler loads every source the document declares and builds the
// operation indexes.
func NewCompiler(ctx context.Context, doc *arazzo.Document, docHash string, loader *Loader) (*Compiler, error) {
	c := &Compiler{
		doc:     doc,
		docHash: docHash,
		sources: make(map[string]*Source),
		indexes: make(map[string]*Index),
		cache:   make(map[string][]*CompiledStep),
	}
	for _, sd := range doc.SourceDescriptions {
		if sd.Type == "arazzo" {
			continue
		}
		src, err := loader.Load(ctx, sd)
		if err != nil {
			return nil, err
		}
		idx, err := BuildIndex(src)
		if err != nil {
			return nil, err
		}
		c.sources[sd.Name] = src
		c.indexes[sd.Name] = idx
	}
	return c, nil
}

// Sources returns the loaded sources keyed by name.
func (c *Compiler) Sources() map[string]*Source { return c.sources }

// CompileWorkflow compiles every step of a planned workflow, in step
// order. Results are cached per (document hash, source versions,
// workflow id).
func (c *Compiler) CompileWorkflow(wf *arazzo.Workflow, g *plan.Graph) ([]*CompiledStep, error) {
	key := c.cacheKey(wf.WorkflowID)

	c.mu.Lock()
	if cached, hit := c.cache[key]; hit {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	steps := make([]*CompiledStep, 0, len(wf.Steps))
	for i := range wf.Steps {
		compiled, err := c.compileStep(wf, &wf.Steps[i], i, g)
		if err != nil {
			return nil, err
		}
		steps = append(steps, compiled)
	}

	c.mu.Lock()
	c.cache[key] = steps
	c.mu.Unlock()
	return steps, nil
}

func (c *Compiler) cacheKey(workflowID string) string {
	var b strings.Builder
	b.WriteString(c.docHash)
	for _, sd := range c.doc.SourceDescriptions {
		if src, ok := c.sources[sd.Name]; ok {
			fmt.Fprintf(&b, "|%s@%s", src.Name, src.Version)
		}
	}
	b.WriteString("|")
	b.WriteString(workflowID)
	return b.String()
}

func (c *Compiler) compileStep(wf *arazzo.Workflow, step *arazzo.Step, index int, g *plan.Graph) (*CompiledStep, error) {
	node, _ := g.Node(step.StepID)

	compiled := &CompiledStep{
		StepID:  step.StepID,
		Index:   index,
		Outputs: step.Outputs,
	}
	if node != nil {
		compiled.Level = node.Level
		compiled.DependsOn = node.DependsOn
	}

	var err error
	if compiled.OnSuccess, err = c.compileSuccessActions(wf, step); err != nil {
		return nil, err
	}
	if compiled.OnFailure, err = c.compileFailureActions(wf, step); err != nil {
		return nil, err
	}
	for _, criterion := range step.SuccessCriteria {
		built, err := expression.CompileCriterion(criterion.Context, criterion.Type, criterion.Condition)
		if err != nil {
			return nil, err
		}
		compiled.Criteria = append(compiled.Criteria, built)
	}

	if step.IsWorkflowStep() {
		compiled.WorkflowRef = step.WorkflowID
		params, err := c.mergedParameters(wf, step)
		if err != nil {
			return nil, err
		}
		// Workflow-step parameters become sub-workflow inputs; they are
		// carried as query-class bindings with no location semantics.
		for _, p := range params {
			compiled.QueryParams = append(compiled.QueryParams, CompiledParam{Name: p.Name, Value: p.Value})
		}
		return compiled, nil
	}

	op, err := c.resolveOperation(step)
	if err != nil {
		return nil, err
	}
	if !supportedMethods[op.Method] {
		return nil, &errors.ResolveError{
			Source:    op.Source.Name,
			Reference: step.StepID,
			Message:   fmt.Sprintf("unsupported HTTP method %q", op.Method),
		}
	}

	compiled.Method = op.Method
	compiled.URLTemplate = op.Source.BaseURL + op.Path
	compiled.ResponseMediaTypes = op.ResponseMediaTypes()

	params, err := c.mergedParameters(wf, step)
	if err != nil {
		return nil, err
	}
	provided := map[ParamKey]bool{}
	for _, p := range params {
		provided[ParamKey{Name: p.Name, In: p.In}] = true
		bound := CompiledParam{Name: p.Name, Value: p.Value}
		switch p.In {
		case "path":
			compiled.PathParams = append(compiled.PathParams, bound)
		case "query":
			compiled.QueryParams = append(compiled.QueryParams, bound)
		case "header":
			compiled.HeaderParams = append(compiled.HeaderParams, bound)
		case "cookie":
			compiled.CookieParams = append(compiled.CookieParams, bound)
		default:
			return nil, &errors.ResolveError{
				Source:    op.Source.Name,
				Reference: step.StepID,
				Message:   fmt.Sprintf("parameter %q has unknown location %q", p.Name, p.In),
			}
		}
	}

	for _, required := range op.RequiredParameters() {
		if !provided[required] {
			return nil, &errors.ResolveError{
				Source:    op.Source.Name,
				Reference: step.StepID,
				Message:   fmt.Sprintf("missing required %s parameter %q", required.In, required.Name),
			}
		}
	}

	if step.RequestBody != nil {
		body := &CompiledBody{
			ContentType: step.RequestBody.ContentType,
			Payload:     step.RequestBody.Payload,
		}
		if body.ContentType == "" {
			body.ContentType = "application/json"
		}
		for _, r := range step.RequestBody.Replacements {
			body.Replacements = append(body.Replacements, CompiledReplacement{Target: r.Target, Value: r.Value})
		}
		compiled.Body = body
	}

	return compiled, nil
}

// resolveOperation locates the operation a step references: by
// operationId (qualified or bare) or by operationPath.
func (c *Compiler) resolveOperation(step *arazzo.Step) (*Operation, error) {
	if step.OperationPath != "" {
		return c.resolveOperationPath(step.OperationPath)
	}

	ref := step.OperationID
	if strings.HasPrefix(ref, "$") {
		// Qualified form: $sourceDescriptions.<name>.<operationId>.
		expr, err := expression.Parse(ref)
		if err != nil || expr.Scope != expression.ScopeSourceDescriptions || len(expr.Path) < 2 {
			return nil, &errors.ResolveError{Reference: ref, Message: "malformed qualified operationId"}
		}
		name := expr.Path[0].Key
		opID := expr.Path[1].Key
		idx, ok := c.indexes[name]
		if !ok {
			return nil, &errors.ResolveError{Source: name, Reference: ref, Message: "unknown source description"}
		}
		op, ok := idx.ByOperationID(opID)
		if !ok {
			return nil, &errors.ResolveError{Source: name, Reference: opID, Message: "operationId not found in source"}
		}
		return op, nil
	}

	// Bare operationId: it must resolve in exactly one source.
	var found *Operation
	for _, sd := range c.doc.SourceDescriptions {
		idx, ok := c.indexes[sd.Name]
		if !ok {
			continue
		}
		if op, ok := idx.ByOperationID(ref); ok {
			if found != nil {
				return nil, &errors.ResolveError{
					Reference: ref,
					Message:   fmt.Sprintf("operationId is ambiguous: declared by sources %s and %s", found.Source.Name, op.Source.Name),
				}
			}
			found = op
		}
	}
	if found == nil {
		return nil, &errors.ResolveError{Reference: ref, Message: "operationId not found in any source"}
	}
	return found, nil
}

// resolveOperationPath resolves the
// {$sourceDescriptions.<name>.url}#/paths/<escaped-path>/<method> form.
func (c *Compiler) resolveOperationPath(ref string) (*Operation, error) {
	end := strings.Index(ref, "}")
	if !strings.HasPrefix(ref, "{$sourceDescriptions.") || end < 0 {
		return nil, &errors.ResolveError{Reference: ref, Message: "malformed operationPath"}
	}
	expr, err := expression.Parse(ref[1:end])
	if err != nil {
		return nil, &errors.ResolveError{Reference: ref, Message: fmt.Sprintf("malformed source expression: %v", err)}
	}
	name := expr.Path[0].Key
	idx, ok := c.indexes[name]
	if !ok {
		return nil, &errors.ResolveError{Source: name, Reference: ref, Message: "unknown source description"}
	}

	pointer := ref[end+1:]
	segments := strings.Split(strings.TrimPrefix(pointer, "#/"), "/")
	if len(segments) != 3 || segments[0] != "paths" {
		return nil, &errors.ResolveError{Source: name, Reference: ref, Message: "operationPath pointer must be #/paths/<path>/<method>"}
	}
	path := unescapePointer(segments[1])
	method := segments[2]

	op, ok := idx.ByRoute(method, path)
	if !ok {
		return nil, &errors.ResolveError{
			Source:    name,
			Reference: ref,
			Message:   fmt.Sprintf("no operation at %s %s", strings.ToUpper(method), path),
		}
	}
	return op, nil
}

// mergedParameters applies workflow-level parameters, step overrides by
// (name, in), and component references.
func (c *Compiler) mergedParameters(wf *arazzo.Workflow, step *arazzo.Step) ([]arazzo.Parameter, error) {
	merged := map[ParamKey]arazzo.Parameter{}
	var order []ParamKey

	add := func(p arazzo.Parameter) error {
		resolved, err := c.resolveParameter(p)
		if err != nil {
			return err
		}
		key := ParamKey{Name: resolved.Name, In: resolved.In}
		if _, exists := merged[key]; !exists {
			order = append(order, key)
		}
		merged[key] = resolved
		return nil
	}

	for _, p := range wf.Parameters {
		if err := add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range step.Parameters {
		if err := add(p); err != nil {
			return nil, err
		}
	}

	out := make([]arazzo.Parameter, 0, len(order))
	for _, key := range order {
		out = append(out, merged[key])
	}
	return out, nil
}

// resolveParameter dereferences a component parameter reference,
// applying any local value override.
func (c *Compiler) resolveParameter(p arazzo.Parameter) (arazzo.Parameter, error) {
	if p.Reference == "" {
		return p, nil
	}
	name := strings.TrimPrefix(p.Reference, "$components.parameters.")
	base, ok := c.doc.Parameter(name)
	if !ok {
		return arazzo.Parameter{}, &errors.ResolveError{
			Reference: p.Reference,
			Message:   "unknown component parameter",
		}
	}
	resolved := *base
	if p.Value != nil {
		resolved.Value = p.Value
	}
	return resolved, nil
}

func (c *Compiler) compileSuccessActions(wf *arazzo.Workflow, step *arazzo.Step) ([]CompiledAction, error) {
	actions := step.OnSuccess
	if len(actions) == 0 {
		actions = wf.SuccessActions
	}
	var out []CompiledAction
	for _, a := range actions {
		if a.Reference != "" {
			name := strings.TrimPrefix(a.Reference, "$components.successActions.")
			resolved, ok := c.doc.SuccessAction(name)
			if !ok {
				return nil, &errors.ResolveError{Reference: a.Reference, Message: "unknown component success action"}
			}
			a = *resolved
		}
		compiled := CompiledAction{Name: a.Name, Type: a.Type, StepID: a.StepID, WorkflowID: a.WorkflowID}
		var err error
		if compiled.Criteria, err = compileCriteria(a.Criteria); err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

func (c *Compiler) compileFailureActions(wf *arazzo.Workflow, step *arazzo.Step) ([]CompiledAction, error) {
	actions := step.OnFailure
	if len(actions) == 0 {
		actions = wf.FailureActions
	}
	var out []CompiledAction
	for _, a := range actions {
		if a.Reference != "" {
			name := strings.TrimPrefix(a.Reference, "$components.failureActions.")
			resolved, ok := c.doc.FailureAction(name)
			if !ok {
				return nil, &errors.ResolveError{Reference: a.Reference, Message: "unknown component failure action"}
			}
			a = *resolved
		}
		compiled := CompiledAction{
			Name:       a.Name,
			Type:       a.Type,
			StepID:     a.StepID,
			WorkflowID: a.WorkflowID,
			RetryAfter: time.Duration(a.RetryAfter * float64(time.Second)),
			RetryLimit: a.RetryLimit,
		}
		var err error
		if compiled.Criteria, err = compileCriteria(a.Criteria); err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

func compileCriteria(criteria []arazzo.Criterion) ([]*expression.Criterion, error) {
	var out []*expression.Criterion
	for _, criterion := range criteria {
		built, err := expression.CompileCriterion(criterion.Context, criterion.Type, criterion.Condition)
		if err != nil {
			return nil, err
		}
		out = append(out, built)
	}
	return out, nil
}

// unescapePointer reverses RFC 6901 escaping in an operationPath
// segment.
func unescapePointer(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}
