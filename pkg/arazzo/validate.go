package arazzo

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/arazzo/pkg/arazzo/expression"
)

// Severity grades a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single validation result.
type Finding struct {
	Severity Severity `json:"severity"`
	Path     string   `json:"path"`
	Message  string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s: %s", f.Severity, f.Path, f.Message)
}

// Findings is the full validation result.
type Findings []Finding

// Valid reports whether the findings contain no errors. Warnings do not
// make a document invalid.
func (fs Findings) Valid() bool {
	for _, f := range fs {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

var (
	versionPattern    = regexp.MustCompile(`^1\.0\.\d+(-.+)?$`)
	outputNamePattern = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+$`)
	sourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// Validate runs every structural and semantic rule against the document
// and returns the complete finding list. Validation is pure and
// deterministic; it never performs I/O.
func Validate(doc *Document) Findings {
	v := &validator{doc: doc}

	v.document()
	for wi := range doc.Workflows {
		v.workflow(wi)
	}
	v.components()

	return v.findings
}

type validator struct {
	doc      *Document
	findings Findings
}

func (v *validator) errorf(path, format string, args ...any) {
	v.findings = append(v.findings, Finding{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warnf(path, format string, args ...any) {
	v.findings = append(v.findings, Finding{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) document() {
	doc := v.doc

	if !versionPattern.MatchString(doc.Arazzo) {
		v.errorf("arazzo", "unsupported specification version %q (want 1.0.x)", doc.Arazzo)
	}
	if doc.Info.Title == "" {
		v.errorf("info.title", "title is required")
	}
	if doc.Info.Version == "" {
		v.errorf("info.version", "version is required")
	}
	if len(doc.SourceDescriptions) == 0 {
		v.errorf("sourceDescriptions", "at least one source description is required")
	}

	seen := map[string]bool{}
	for i, src := range doc.SourceDescriptions {
		path := fmt.Sprintf("sourceDescriptions[%d]", i)
		if src.Name == "" {
			v.errorf(path+".name", "name is required")
		} else if !sourceNamePattern.MatchString(src.Name) {
			v.errorf(path+".name", "name %q is not a valid identifier", src.Name)
		} else if seen[src.Name] {
			v.errorf(path+".name", "duplicate source description name %q", src.Name)
		}
		seen[src.Name] = true

		if src.URL == "" {
			v.errorf(path+".url", "url is required")
		}
		if src.Type != "" && src.Type != "openapi" && src.Type != "arazzo" {
			v.errorf(path+".type", "unknown source type %q", src.Type)
		}
	}

	ids := map[string]bool{}
	for i, wf := range doc.Workflows {
		path := fmt.Sprintf("workflows[%d].workflowId", i)
		if wf.WorkflowID == "" {
			v.errorf(path, "workflowId is required")
			continue
		}
		if ids[wf.WorkflowID] {
			v.errorf(path, "duplicate workflow id %q", wf.WorkflowID)
		}
		ids[wf.WorkflowID] = true
	}
	if len(doc.Workflows) == 0 {
		v.errorf("workflows", "at least one workflow is required")
	}
}

func (v *validator) workflow(wi int) {
	wf := &v.doc.Workflows[wi]
	base := fmt.Sprintf("workflows[%d]", wi)

	for _, dep := range wf.DependsOn {
		if dep == wf.WorkflowID {
			v.errorf(base+".dependsOn", "workflow cannot depend on itself")
		} else if _, ok := v.doc.Workflow(dep); !ok {
			v.errorf(base+".dependsOn", "unknown workflow %q", dep)
		}
	}

	for pi := range wf.Parameters {
		v.parameter(&wf.Parameters[pi], fmt.Sprintf("%s.parameters[%d]", base, pi), false)
	}

	stepIDs := map[string]int{}
	for si := range wf.Steps {
		step := &wf.Steps[si]
		path := fmt.Sprintf("%s.steps[%d]", base, si)
		if step.StepID == "" {
			v.errorf(path+".stepId", "stepId is required")
			continue
		}
		if prev, dup := stepIDs[step.StepID]; dup {
			v.errorf(path+".stepId", "duplicate step id %q (first at steps[%d])", step.StepID, prev)
		} else {
			stepIDs[step.StepID] = si
		}
	}

	for si := range wf.Steps {
		v.step(wf, si, fmt.Sprintf("%s.steps[%d]", base, si))
	}

	for name, out := range wf.Outputs {
		path := base + ".outputs." + name
		if !outputNamePattern.MatchString(name) {
			v.errorf(path, "output name %q is not a valid identifier", name)
		}
		v.expression(out, path)
		for _, ref := range expression.ExtractRefs(out) {
			if id, ok := ref.StepID(); ok {
				if _, exists := wf.Step(id); !exists {
					v.errorf(path, "output references unknown step %q", id)
				}
			}
		}
	}
}

func (v *validator) step(wf *Workflow, si int, base string) {
	step := &wf.Steps[si]

	refs := 0
	if step.OperationID != "" {
		refs++
	}
	if step.OperationPath != "" {
		refs++
	}
	if step.WorkflowID != "" {
		refs++
	}
	switch refs {
	case 0:
		v.errorf(base, "step must reference an operationId, operationPath, or workflowId")
	case 1:
		// ok
	default:
		v.errorf(base, "operationId, operationPath, and workflowId are mutually exclusive")
	}

	if step.OperationID != "" {
		v.operationID(step.OperationID, base+".operationId")
	}
	if step.OperationPath != "" {
		v.operationPath(step.OperationPath, base+".operationPath")
	}
	if step.WorkflowID != "" && !strings.HasPrefix(step.WorkflowID, "$") {
		if _, ok := v.doc.Workflow(step.WorkflowID); !ok {
			v.errorf(base+".workflowId", "unknown workflow %q", step.WorkflowID)
		}
	}

	for _, dep := range step.DependsOn {
		if dep == step.StepID {
			v.errorf(base+".dependsOn", "step %q cannot depend on itself", step.StepID)
		} else if _, ok := wf.Step(dep); !ok {
			v.errorf(base+".dependsOn", "unknown step %q", dep)
		}
	}

	for pi := range step.Parameters {
		v.parameter(&step.Parameters[pi], fmt.Sprintf("%s.parameters[%d]", base, pi), step.IsWorkflowStep())
	}

	if step.RequestBody != nil {
		v.value(step.RequestBody.Payload, base+".requestBody.payload")
		for ri, r := range step.RequestBody.Replacements {
			path := fmt.Sprintf("%s.requestBody.replacements[%d]", base, ri)
			if !strings.HasPrefix(r.Target, "/") {
				v.errorf(path+".target", "replacement target must be a JSON pointer")
			}
			v.value(r.Value, path+".value")
		}
	}

	for ci, c := range step.SuccessCriteria {
		v.criterion(c, fmt.Sprintf("%s.successCriteria[%d]", base, ci))
	}

	for ai, a := range step.OnSuccess {
		v.successAction(wf, si, a, fmt.Sprintf("%s.onSuccess[%d]", base, ai))
	}
	for ai, a := range step.OnFailure {
		v.failureAction(wf, si, a, fmt.Sprintf("%s.onFailure[%d]", base, ai))
	}

	for name, out := range step.Outputs {
		path := base + ".outputs." + name
		if !outputNamePattern.MatchString(name) {
			v.errorf(path, "output name %q is not a valid identifier", name)
		}
		v.expression(out, path)
	}
}

// operationID checks that an operationId reference is resolvable against
// exactly one declared source. Full resolution against the loaded
// OpenAPI description happens at compile time; here we check the source
// qualifier only.
func (v *validator) operationID(ref, path string) {
	if strings.HasPrefix(ref, "$") {
		for _, r := range expression.ExtractRefs(ref) {
			if r.Scope != expression.ScopeSourceDescriptions {
				v.errorf(path, "operationId expression must reference a source description")
				return
			}
			if _, ok := v.doc.Source(r.Path[0].Key); !ok {
				v.errorf(path, "unknown source description %q", r.Path[0].Key)
			}
		}
		return
	}
	openapiSources := 0
	for _, src := range v.doc.SourceDescriptions {
		if src.Type == "" || src.Type == "openapi" {
			openapiSources++
		}
	}
	if openapiSources > 1 {
		v.errorf(path, "operationId %q is ambiguous with %d openapi sources; qualify it with a sourceDescriptions expression", ref, openapiSources)
	}
}

// operationPath checks the {$sourceDescriptions.<name>.url}#/paths/...
// shape and that the named source exists.
func (v *validator) operationPath(ref, path string) {
	if !strings.HasPrefix(ref, "{$sourceDescriptions.") {
		v.errorf(path, "operationPath must start with a {$sourceDescriptions.<name>.url} expression")
		return
	}
	end := strings.Index(ref, "}")
	if end < 0 {
		v.errorf(path, "operationPath is missing the closing '}'")
		return
	}
	inner := ref[1:end]
	expr, err := expression.Parse(inner)
	if err != nil {
		v.errorf(path, "invalid source expression: %v", err)
		return
	}
	if _, ok := v.doc.Source(expr.Path[0].Key); !ok {
		v.errorf(path, "unknown source description %q", expr.Path[0].Key)
	}
	if !strings.HasPrefix(ref[end+1:], "#/paths/") {
		v.errorf(path, "operationPath must carry a #/paths/... pointer")
	}
}

func (v *validator) parameter(p *Parameter, path string, workflowStep bool) {
	if p.Reference != "" {
		if !strings.HasPrefix(p.Reference, "$components.parameters.") {
			v.errorf(path+".reference", "parameter reference must target $components.parameters")
			return
		}
		name := strings.TrimPrefix(p.Reference, "$components.parameters.")
		if _, ok := v.doc.Parameter(name); !ok {
			v.errorf(path+".reference", "unknown component parameter %q", name)
		}
		return
	}

	if p.Name == "" {
		v.errorf(path+".name", "parameter name is required")
	}
	switch p.In {
	case "path", "query", "header", "cookie":
	case "":
		if !workflowStep {
			v.errorf(path+".in", "parameter location is required for operation steps")
		}
	default:
		v.errorf(path+".in", "unknown parameter location %q", p.In)
	}
	v.value(p.Value, path+".value")
}

func (v *validator) criterion(c Criterion, path string) {
	if c.Condition == "" {
		v.errorf(path+".condition", "condition is required")
		return
	}
	if c.Context != "" {
		v.expression(c.Context, path+".context")
	}
	if _, err := expression.CompileCriterion(c.Context, c.Type, c.Condition); err != nil {
		v.errorf(path, "%v", err)
	}
}

func (v *validator) successAction(wf *Workflow, si int, a SuccessAction, path string) {
	if a.Reference != "" {
		name := strings.TrimPrefix(a.Reference, "$components.successActions.")
		if name == a.Reference {
			v.errorf(path+".reference", "action reference must target $components.successActions")
			return
		}
		resolved, ok := v.doc.SuccessAction(name)
		if !ok {
			v.errorf(path+".reference", "unknown component success action %q", name)
			return
		}
		a = *resolved
	}
	v.action(wf, si, a.Type, a.StepID, a.WorkflowID, a.Criteria, path, false)
}

func (v *validator) failureAction(wf *Workflow, si int, a FailureAction, path string) {
	if a.Reference != "" {
		name := strings.TrimPrefix(a.Reference, "$components.failureActions.")
		if name == a.Reference {
			v.errorf(path+".reference", "action reference must target $components.failureActions")
			return
		}
		resolved, ok := v.doc.FailureAction(name)
		if !ok {
			v.errorf(path+".reference", "unknown component failure action %q", name)
			return
		}
		a = *resolved
	}
	if a.RetryLimit < 0 {
		v.errorf(path+".retryLimit", "retryLimit must be >= 0")
	}
	if a.RetryAfter < 0 {
		v.errorf(path+".retryAfter", "retryAfter must be >= 0")
	}
	v.action(wf, si, a.Type, a.StepID, a.WorkflowID, a.Criteria, path, true)
}

// action validates the shared shape of success and failure actions.
// Backward goto (to a step at or before the current one) is refused:
// re-running an already-succeeded step has no defined output semantics.
func (v *validator) action(wf *Workflow, si int, typ, stepID, workflowID string, criteria []Criterion, path string, failure bool) {
	switch typ {
	case "end":
	case "goto":
		if stepID == "" && workflowID == "" {
			v.errorf(path, "goto requires a stepId or workflowId")
		}
		if stepID != "" && workflowID != "" {
			v.errorf(path, "goto stepId and workflowId are mutually exclusive")
		}
		if stepID != "" {
			target := wf.StepIndex(stepID)
			if target < 0 {
				v.errorf(path+".stepId", "unknown step %q", stepID)
			} else if target <= si {
				v.errorf(path+".stepId", "goto to step %q goes backward; only forward transitions are allowed", stepID)
			}
		}
		if workflowID != "" {
			if _, ok := v.doc.Workflow(workflowID); !ok {
				v.errorf(path+".workflowId", "unknown workflow %q", workflowID)
			}
		}
	case "retry":
		if !failure {
			v.errorf(path+".type", "retry is only valid as a failure action")
		}
	case "":
		v.errorf(path+".type", "action type is required")
	default:
		v.errorf(path+".type", "unknown action type %q", typ)
	}

	for ci, c := range criteria {
		v.criterion(c, fmt.Sprintf("%s.criteria[%d]", path, ci))
	}
}

func (v *validator) components() {
	if v.doc.Components == nil {
		return
	}
	for name, p := range v.doc.Components.Parameters {
		path := "components.parameters." + name
		pCopy := p
		v.parameter(&pCopy, path, true)
	}
	for name, a := range v.doc.Components.SuccessActions {
		if a.Reference != "" {
			v.errorf("components.successActions."+name, "component actions cannot themselves be references")
		}
	}
	for name, a := range v.doc.Components.FailureActions {
		if a.Reference != "" {
			v.errorf("components.failureActions."+name, "component actions cannot themselves be references")
		}
	}
}

// value checks every expression embedded in a parameter or payload value.
func (v *validator) value(val any, path string) {
	switch t := val.(type) {
	case string:
		v.expression(t, path)
	case map[string]any:
		for k, inner := range t {
			v.value(inner, path+"."+k)
		}
	case []any:
		for i, inner := range t {
			v.value(inner, fmt.Sprintf("%s[%d]", path, i))
		}
	}
}

// expression checks that every runtime expression in s parses.
func (v *validator) expression(s string, path string) {
	if err := expression.Check(s); err != nil {
		v.errorf(path, "%v", err)
	}
}
