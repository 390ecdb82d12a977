package engine

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/arazzo/internal/events"
	"github.com/tombee/arazzo/internal/httpclient"
	"github.com/tombee/arazzo/internal/openapi"
	"github.com/tombee/arazzo/internal/store"
	"github.com/tombee/arazzo/pkg/arazzo/expression"
	"github.com/tombee/arazzo/pkg/errors"
)

// builtRequest is the concrete HTTP request a step resolved to, plus
// what must be redacted before persistence.
type builtRequest struct {
	req           *http.Request
	url           string
	bodyText      string
	secretValues  []string
	secretHeaders []string
}

// runStep executes one claimed step to an outcome. stepCtx is canceled
// on run cancellation; opCtx survives it for state writes.
func (e *Engine) runStep(stepCtx, opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep) *outcome {
	logger := rs.logger.With("step_id", row.StepID)

	if compiled == nil {
		// A step row with no compiled counterpart means the document
		// changed under the run; resume proceeds on the persisted
		// document, so this is a programming error worth failing loudly.
		return e.failStep(opCtx, rs, row, &errors.PlanError{
			WorkflowID: rs.run.WorkflowID,
			Message:    fmt.Sprintf("step %q is not part of the compiled plan", row.StepID),
		}, nil, logger)
	}

	if compiled.WorkflowRef != "" {
		return e.runSubWorkflowStep(stepCtx, opCtx, rs, row, compiled, logger)
	}

	ctx, span := e.tracer.Start(stepCtx, "step "+row.StepID)
	defer span.End()

	built, err := e.buildRequest(ctx, compiled, rs.env.snapshot(nil))
	if err != nil {
		// Binding and policy failures still produce an attempt row: every
		// dispatch is accounted for.
		return e.failBeforeRequest(opCtx, rs, row, compiled, built, err, logger)
	}

	attempt, err := e.store.BeginAttempt(opCtx, row.ID, e.recordRequest(built))
	if err != nil {
		return &outcome{row: row, fatal: err}
	}
	if err := e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypeAttemptStarted, map[string]any{
		"stepId":  row.StepID,
		"attempt": attempt.AttemptNo,
	})); err != nil {
		return &outcome{row: row, fatal: err}
	}

	start := time.Now()
	resp, reqErr := e.client.Do(ctx, built.req)
	duration := time.Since(start)

	if reqErr != nil {
		return e.afterAttempt(opCtx, rs, row, compiled, attempt, built, nil, nil, duration, reqErr, logger)
	}

	body, readErr := e.pol.ReadResponseBody(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return e.afterAttempt(opCtx, rs, row, compiled, attempt, built, resp, nil, time.Since(start), readErr, logger)
	}

	decoded := decodeBody(resp.Header.Get("Content-Type"), body)
	exchange := &expression.Exchange{
		URL:      built.url,
		Method:   compiled.Method,
		Response: responseState(resp.StatusCode, resp.Header, decoded),
	}

	// Success: every criterion holds (or, with none declared, 2xx).
	criterionErr := e.checkSuccess(compiled, rs, exchange, resp.StatusCode)
	return e.afterAttempt(opCtx, rs, row, compiled, attempt, built, resp, exchange, time.Since(start), criterionErr, logger)
}

// checkSuccess evaluates the step's success criteria against the
// exchange. nil means the step succeeded.
func (e *Engine) checkSuccess(compiled *openapi.CompiledStep, rs *runState, exchange *expression.Exchange, statusCode int) error {
	if len(compiled.Criteria) == 0 {
		if statusCode >= 200 && statusCode < 300 {
			return nil
		}
		return &errors.HTTPStatusError{Status: statusCode}
	}

	env := rs.env.snapshot(exchange)
	for _, criterion := range compiled.Criteria {
		ok, err := criterion.Eval(env)
		if err != nil {
			return err
		}
		if !ok {
			return &errors.CriterionError{Condition: criterion.Condition, Context: contextText(criterion)}
		}
	}
	return nil
}

func contextText(criterion *expression.Criterion) string {
	if criterion.Context == nil {
		return ""
	}
	return criterion.Context.Raw
}

// afterAttempt closes the attempt row, emits attempt.finished, and
// routes success or failure.
func (e *Engine) afterAttempt(opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep, attempt *store.Attempt, built *builtRequest, resp *http.Response, exchange *expression.Exchange, duration time.Duration, stepErr error, logger *slog.Logger) *outcome {
	respRecord := e.recordResponse(built, resp, exchange)

	attemptStatus := store.AttemptSucceeded
	var errInfo *store.ErrorInfo
	if stepErr != nil {
		attemptStatus = store.AttemptFailed
		errInfo = toErrorInfo(stepErr)
	}

	if err := e.store.FinishAttempt(opCtx, attempt.ID, attemptStatus, respRecord, errInfo, duration); err != nil {
		return &outcome{row: row, fatal: err}
	}
	payload := map[string]any{
		"stepId":  row.StepID,
		"attempt": attempt.AttemptNo,
		"status":  string(attemptStatus),
	}
	if errInfo != nil {
		payload["error"] = map[string]any{"kind": errInfo.Kind, "message": errInfo.Message}
	}
	if err := e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypeAttemptFinished, payload)); err != nil {
		return &outcome{row: row, fatal: err}
	}
	e.metrics.Attempts.WithLabelValues(string(attemptStatus)).Inc()

	if stepErr == nil {
		return e.succeedStep(opCtx, rs, row, compiled, exchange, logger)
	}

	if isPolicyViolation(stepErr) {
		e.metrics.PolicyViolations.Inc()
		if err := e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypePolicyViolated, map[string]any{
			"stepId": row.StepID,
			"error":  stepErr.Error(),
		})); err != nil {
			return &outcome{row: row, fatal: err}
		}
	}

	return e.handleFailure(opCtx, rs, row, compiled, attempt.AttemptNo, resp, exchange, stepErr, logger)
}

// succeedStep evaluates output bindings, commits, and applies onSuccess
// actions.
func (e *Engine) succeedStep(opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep, exchange *expression.Exchange, logger *slog.Logger) *outcome {
	env := rs.env.snapshot(exchange)
	outputs := make(map[string]any, len(compiled.Outputs))
	for name, exprStr := range compiled.Outputs {
		v, err := expression.ResolveString(exprStr, env)
		if err != nil {
			return e.failStep(opCtx, rs, row, err, exchange, logger)
		}
		outputs[name] = v
	}

	if err := e.store.CommitStepSuccess(opCtx, row.ID, outputs); err != nil {
		return &outcome{row: row, fatal: err}
	}
	var respState *expression.Response
	if exchange != nil {
		respState = exchange.Response
	}
	rs.env.commitStep(row.StepID, outputs, respState)

	if err := e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypeStepSucceeded, map[string]any{
		"stepId":  row.StepID,
		"outputs": outputs,
	})); err != nil {
		return &outcome{row: row, fatal: err}
	}
	logger.Info("step succeeded")

	out := &outcome{row: row, kind: outcomeFinished}
	if action := e.matchAction(compiled.OnSuccess, rs, exchange); action != nil {
		switch action.Type {
		case "goto":
			out.gotoStep = action.StepID
		case "end":
			out.endRun = store.RunSucceeded
		}
	}
	return out
}

// handleFailure routes a failed attempt: onFailure actions first, then
// the automatic retry controller, then terminal step failure.
func (e *Engine) handleFailure(opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep, attemptNo int, resp *http.Response, exchange *expression.Exchange, stepErr error, logger *slog.Logger) *outcome {
	errInfo := toErrorInfo(stepErr)

	// Cancellation is terminal regardless of actions; successors stay
	// pending for the canceled run.
	if errors.Canceled(stepErr) {
		if err := e.store.FailStep(opCtx, row.ID, errInfo, false); err != nil {
			return &outcome{row: row, fatal: err}
		}
		if err := e.emitStepFailed(opCtx, rs, row, errInfo); err != nil {
			return &outcome{row: row, fatal: err}
		}
		return &outcome{row: row, kind: outcomeFinished, failed: true, err: errInfo}
	}

	if action := e.matchAction(compiled.OnFailure, rs, exchange); action != nil {
		switch action.Type {
		case "retry":
			limit := action.RetryLimit
			if limit <= 0 {
				limit = e.retry.MaxAttempts
			}
			if row.RetryCount < limit {
				delay := action.RetryAfter
				if delay <= 0 {
					delay = e.retry.Delay(attemptNo, resp)
				}
				logger.Info("retry action fired", "delay", delay.String(), "retry", row.RetryCount+1)
				if err := e.store.RescheduleStep(opCtx, row.ID, time.Now().Add(delay), 1); err != nil {
					return &outcome{row: row, fatal: err}
				}
				return &outcome{row: row, kind: outcomeRescheduled}
			}
			// Retry budget exhausted; fall through to terminal failure.

		case "goto":
			if err := e.store.FailStep(opCtx, row.ID, errInfo, !e.cfg.ContinueOnFailure); err != nil {
				return &outcome{row: row, fatal: err}
			}
			if err := e.emitStepFailed(opCtx, rs, row, errInfo); err != nil {
				return &outcome{row: row, fatal: err}
			}
			logger.Info("goto action fired", "target", action.StepID)
			return &outcome{row: row, kind: outcomeFinished, failed: true, recovered: true, err: errInfo, gotoStep: action.StepID}

		case "end":
			if err := e.store.FailStep(opCtx, row.ID, errInfo, !e.cfg.ContinueOnFailure); err != nil {
				return &outcome{row: row, fatal: err}
			}
			if err := e.emitStepFailed(opCtx, rs, row, errInfo); err != nil {
				return &outcome{row: row, fatal: err}
			}
			return &outcome{row: row, kind: outcomeFinished, failed: true, err: errInfo, endRun: store.RunFailed}
		}
	}

	if e.retry.ShouldRetry(stepErr, attemptNo) {
		delay := e.retry.Delay(attemptNo, resp)
		logger.Info("retrying attempt", "attempt", attemptNo, "delay", delay.String())
		if err := e.store.RescheduleStep(opCtx, row.ID, time.Now().Add(delay), 0); err != nil {
			return &outcome{row: row, fatal: err}
		}
		return &outcome{row: row, kind: outcomeRescheduled}
	}

	return e.failStep(opCtx, rs, row, stepErr, exchange, logger)
}

// failStep writes the terminal failure and reports it.
func (e *Engine) failStep(opCtx context.Context, rs *runState, row *store.RunStep, stepErr error, _ *expression.Exchange, logger *slog.Logger) *outcome {
	errInfo := toErrorInfo(stepErr)
	if err := e.store.FailStep(opCtx, row.ID, errInfo, !e.cfg.ContinueOnFailure); err != nil {
		return &outcome{row: row, fatal: err}
	}
	if err := e.emitStepFailed(opCtx, rs, row, errInfo); err != nil {
		return &outcome{row: row, fatal: err}
	}
	logger.Warn("step failed", "kind", errInfo.Kind, "error", errInfo.Message)
	return &outcome{row: row, kind: outcomeFinished, failed: true, err: errInfo}
}

func (e *Engine) emitStepFailed(opCtx context.Context, rs *runState, row *store.RunStep, errInfo *store.ErrorInfo) error {
	return e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypeStepFailed, map[string]any{
		"stepId": row.StepID,
		"error":  map[string]any{"kind": errInfo.Kind, "message": errInfo.Message},
	}))
}

// failBeforeRequest accounts for a dispatch that never reached the
// network: the attempt row carries the binding or policy error.
func (e *Engine) failBeforeRequest(opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep, built *builtRequest, stepErr error, logger *slog.Logger) *outcome {
	attempt, err := e.store.BeginAttempt(opCtx, row.ID, e.recordRequest(built))
	if err != nil {
		return &outcome{row: row, fatal: err}
	}
	return e.afterAttempt(opCtx, rs, row, compiled, attempt, built, nil, nil, 0, stepErr, logger)
}

// matchAction returns the first action whose criteria all hold, or nil.
func (e *Engine) matchAction(actions []openapi.CompiledAction, rs *runState, exchange *expression.Exchange) *openapi.CompiledAction {
	if len(actions) == 0 {
		return nil
	}
	env := rs.env.snapshot(exchange)
	for i := range actions {
		action := &actions[i]
		matched := true
		for _, criterion := range action.Criteria {
			ok, err := criterion.Eval(env)
			if err != nil || !ok {
				matched = false
				break
			}
		}
		if matched {
			return action
		}
	}
	return nil
}

// runSubWorkflowStep executes a workflow-typed step as a nested run.
func (e *Engine) runSubWorkflowStep(stepCtx, opCtx context.Context, rs *runState, row *store.RunStep, compiled *openapi.CompiledStep, logger *slog.Logger) *outcome {
	if rs.depth+1 > maxSubWorkflowDepth {
		return e.failStep(opCtx, rs, row, subWorkflowDepthExceeded(), nil, logger)
	}

	env := rs.env.snapshot(nil)
	inputs := make(map[string]any, len(compiled.QueryParams))
	for _, p := range compiled.QueryParams {
		v, err := expression.Resolve(p.Value, env)
		if err != nil {
			return e.failStep(opCtx, rs, row, err, nil, logger)
		}
		inputs[p.Name] = v
	}

	logger.Info("starting sub-workflow", "workflow", compiled.WorkflowRef)
	subRun, err := e.CreateRun(opCtx, compiled.WorkflowRef, inputs, nil, "")
	if err != nil {
		return e.failStep(opCtx, rs, row, err, nil, logger)
	}
	final, err := e.execute(stepCtx, subRun.ID, rs.depth+1)
	if err != nil {
		return e.failStep(opCtx, rs, row, err, nil, logger)
	}

	if final.Status != store.RunSucceeded {
		message := "sub-workflow " + compiled.WorkflowRef + " " + string(final.Status)
		kind := string(errors.KindPlan)
		if final.Error != nil {
			kind = final.Error.Kind
			message = final.Error.Message
		}
		return e.failStep(opCtx, rs, row, &subWorkflowError{kind: kind, message: message}, nil, logger)
	}

	rs.env.commitWorkflow(compiled.WorkflowRef, final.Outputs)

	outputs := final.Outputs
	if len(compiled.Outputs) > 0 {
		outEnv := rs.env.snapshot(nil)
		outputs = make(map[string]any, len(compiled.Outputs))
		for name, exprStr := range compiled.Outputs {
			v, err := expression.ResolveString(exprStr, outEnv)
			if err != nil {
				return e.failStep(opCtx, rs, row, err, nil, logger)
			}
			outputs[name] = v
		}
	}

	if err := e.store.CommitStepSuccess(opCtx, row.ID, outputs); err != nil {
		return &outcome{row: row, fatal: err}
	}
	rs.env.commitStep(row.StepID, outputs, nil)
	if err := e.bus.Emit(opCtx, events.StepEvent(rs.run.ID, row.ID, events.TypeStepSucceeded, map[string]any{
		"stepId":  row.StepID,
		"outputs": outputs,
	})); err != nil {
		return &outcome{row: row, fatal: err}
	}
	return &outcome{row: row, kind: outcomeFinished}
}

// subWorkflowError carries a nested run's terminal error kind upward.
type subWorkflowError struct {
	kind    string
	message string
}

func (e *subWorkflowError) Error() string { return e.message }

// toErrorInfo maps any error into the persisted form.
func toErrorInfo(err error) *store.ErrorInfo {
	var sub *subWorkflowError
	if stderrors.As(err, &sub) {
		return &store.ErrorInfo{Kind: sub.kind, Message: sub.message}
	}
	return &store.ErrorInfo{Kind: string(errors.KindOf(err)), Message: err.Error()}
}

func isPolicyViolation(err error) bool {
	var policyErr *errors.PolicyError
	return stderrors.As(err, &policyErr)
}

// decodeBody parses the response body by media type; non-JSON bodies
// stay strings.
func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// decodeRecord rebuilds the expression view from a persisted attempt
// response.
func decodeRecord(rec *store.HTTPRecord) *expression.Response {
	headers := http.Header{}
	for name, values := range rec.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return responseState(rec.StatusCode, headers, decodeBody(headers.Get("Content-Type"), []byte(rec.Body)))
}

// recordRequest builds the redacted persisted form of a request.
func (e *Engine) recordRequest(built *builtRequest) *store.HTTPRecord {
	if built == nil || built.req == nil {
		return nil
	}
	return &store.HTTPRecord{
		Method:  built.req.Method,
		URL:     httpclient.RedactValue(built.url, built.secretValues),
		Headers: httpclient.RedactHeaders(built.req.Header, built.secretHeaders),
		Body:    httpclient.RedactValue(built.bodyText, built.secretValues),
	}
}

// recordResponse builds the redacted persisted form of a response.
func (e *Engine) recordResponse(built *builtRequest, resp *http.Response, exchange *expression.Exchange) *store.HTTPRecord {
	if resp == nil {
		return nil
	}
	record := &store.HTTPRecord{
		StatusCode: resp.StatusCode,
		Headers:    httpclient.RedactHeaders(resp.Header, nil),
	}
	if exchange != nil && exchange.Response != nil {
		if text := bodyText(exchange.Response.Body); text != "" {
			secrets := []string(nil)
			if built != nil {
				secrets = built.secretValues
			}
			record.Body = httpclient.RedactValue(text, secrets)
		}
	}
	return record
}

func bodyText(body any) string {
	switch t := body.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// buildRequest binds a compiled step to a concrete HTTP request:
// evaluate parameter and body expressions, resolve secrets, fill the
// URL template, and apply the network policy before any socket opens.
func (e *Engine) buildRequest(ctx context.Context, compiled *openapi.CompiledStep, env *expression.Env) (*builtRequest, error) {
	built := &builtRequest{}

	resolveValue := func(v any) (any, error) {
		resolved, err := expression.Resolve(v, env)
		if err != nil {
			return nil, err
		}
		if s, ok := resolved.(string); ok && e.secrets != nil && e.secrets.IsSecretURI(s) {
			value, err := e.secrets.Resolve(ctx, s)
			if err != nil {
				return nil, err
			}
			built.secretValues = append(built.secretValues, value.Secret)
			return value.Secret, nil
		}
		return resolved, nil
	}

	// Path parameters fill the URL template.
	target := compiled.URLTemplate
	for _, p := range compiled.PathParams {
		v, err := resolveValue(p.Value)
		if err != nil {
			return built, err
		}
		placeholder := "{" + p.Name + "}"
		if !strings.Contains(target, placeholder) {
			return built, &errors.ResolveError{
				Reference: compiled.StepID,
				Message:   fmt.Sprintf("path parameter %q has no placeholder in %s", p.Name, compiled.URLTemplate),
			}
		}
		target = strings.ReplaceAll(target, placeholder, url.PathEscape(expression.Stringify(v)))
	}
	if i := strings.IndexByte(target, '{'); i >= 0 {
		return built, &errors.ResolveError{
			Reference: compiled.StepID,
			Message:   fmt.Sprintf("unbound path placeholder in %s", target),
		}
	}

	query := url.Values{}
	for _, p := range compiled.QueryParams {
		v, err := resolveValue(p.Value)
		if err != nil {
			return built, err
		}
		query.Add(p.Name, expression.Stringify(v))
	}
	if encoded := query.Encode(); encoded != "" {
		if strings.Contains(target, "?") {
			target += "&" + encoded
		} else {
			target += "?" + encoded
		}
	}
	built.url = target

	if err := e.pol.CheckURL(target); err != nil {
		return built, err
	}

	var bodyReader *bytes.Reader
	contentType := ""
	if compiled.Body != nil {
		payload, err := expression.Resolve(compiled.Body.Payload, env)
		if err != nil {
			return built, err
		}
		for _, replacement := range compiled.Body.Replacements {
			v, err := resolveValue(replacement.Value)
			if err != nil {
				return built, err
			}
			payload, err = setPointer(payload, replacement.Target, v)
			if err != nil {
				return built, err
			}
		}

		data, err := encodeBody(compiled.Body.ContentType, payload)
		if err != nil {
			return built, err
		}
		if err := e.pol.CheckRequestSize(int64(len(data))); err != nil {
			return built, err
		}
		built.bodyText = string(data)
		bodyReader = bytes.NewReader(data)
		contentType = compiled.Body.ContentType
	}

	var req *http.Request
	var err error
	if bodyReader != nil {
		req, err = http.NewRequestWithContext(ctx, compiled.Method, target, bodyReader)
	} else {
		req, err = http.NewRequestWithContext(ctx, compiled.Method, target, nil)
	}
	if err != nil {
		return built, &errors.NetworkError{Op: "build request", Cause: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	for _, p := range compiled.HeaderParams {
		before := len(built.secretValues)
		v, err := resolveValue(p.Value)
		if err != nil {
			return built, err
		}
		if len(built.secretValues) > before {
			built.secretHeaders = append(built.secretHeaders, p.Name)
		}
		req.Header.Set(p.Name, expression.Stringify(v))
	}
	for _, p := range compiled.CookieParams {
		v, err := resolveValue(p.Value)
		if err != nil {
			return built, err
		}
		req.AddCookie(&http.Cookie{Name: p.Name, Value: expression.Stringify(v)})
	}

	built.req = req
	return built, nil
}

// encodeBody serializes a payload per content type.
func encodeBody(contentType string, payload any) ([]byte, error) {
	switch {
	case strings.Contains(contentType, "json"), contentType == "":
		return json.Marshal(payload)
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		obj, ok := payload.(map[string]any)
		if !ok {
			return nil, &errors.ResolveError{Message: "form bodies require an object payload"}
		}
		form := url.Values{}
		for k, v := range obj {
			form.Set(k, expression.Stringify(v))
		}
		return []byte(form.Encode()), nil
	default:
		if s, ok := payload.(string); ok {
			return []byte(s), nil
		}
		return json.Marshal(payload)
	}
}

// setPointer writes v at an RFC 6901 target inside payload, creating
// intermediate objects for missing keys.
func setPointer(payload any, pointer string, v any) (any, error) {
	if pointer == "" || pointer == "/" {
		return v, nil
	}
	tokens := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i := range tokens {
		tokens[i] = strings.ReplaceAll(strings.ReplaceAll(tokens[i], "~1", "/"), "~0", "~")
	}
	return setPointerTokens(payload, tokens, v)
}

func setPointerTokens(node any, tokens []string, v any) (any, error) {
	if len(tokens) == 0 {
		return v, nil
	}
	token := tokens[0]
	switch cur := node.(type) {
	case map[string]any:
		child, err := setPointerTokens(cur[token], tokens[1:], v)
		if err != nil {
			return nil, err
		}
		cur[token] = child
		return cur, nil
	case []any:
		idx := 0
		if _, err := fmt.Sscanf(token, "%d", &idx); err != nil || idx < 0 || idx >= len(cur) {
			return nil, &errors.ResolveError{Message: fmt.Sprintf("replacement index %q out of range", token)}
		}
		child, err := setPointerTokens(cur[idx], tokens[1:], v)
		if err != nil {
			return nil, err
		}
		cur[idx] = child
		return cur, nil
	case nil:
		obj := map[string]any{}
		child, err := setPointerTokens(nil, tokens[1:], v)
		if err != nil {
			return nil, err
		}
		obj[token] = child
		return obj, nil
	default:
		return nil, &errors.ResolveError{Message: fmt.Sprintf("replacement target descends into %T", node)}
	}
}
