package expression

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/arazzo/pkg/errors"
)

// Response is the evaluated view of an HTTP exchange half. Body is the
// decoded JSON value (or a string for non-JSON media types).
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       any
}

// StepState carries the bindings a finished step contributes to the
// environment. Outputs are only present once committed; referencing a
// step whose outputs are not committed is an evaluation error, not null.
type StepState struct {
	Outputs  map[string]any
	Response *Response
}

// Env is the binding environment an expression evaluates against.
// It is an explicit struct, not an implicit global: the engine builds
// one per run and extends it per step with the in-flight exchange.
type Env struct {
	// Inputs are the run inputs, frozen at run creation.
	Inputs map[string]any

	// Steps maps step id to committed step state.
	Steps map[string]*StepState

	// Workflows maps workflow id to committed workflow outputs.
	Workflows map[string]map[string]any

	// Sources maps source description name to its URL.
	Sources map[string]string

	// Components maps component category to name to value
	// (e.g. Components["parameters"]["page"]).
	Components map[string]map[string]any

	// Current is the in-flight exchange for criterion evaluation:
	// $statusCode, $response.*, $url, $method bind against it.
	Current *Exchange
}

// Exchange is the request/response pair of the attempt under evaluation.
type Exchange struct {
	URL      string
	Method   string
	Request  *Response
	Response *Response
}

// Eval evaluates the expression against env, returning a JSON value.
// Evaluation is strict: unbound scopes, missing keys, type mismatches,
// and out-of-range indices are typed errors.
func (e *Expr) Eval(env *Env) (any, error) {
	root, rest, err := e.resolveScope(env)
	if err != nil {
		return nil, err
	}

	v, err := e.walk(root, rest)
	if err != nil {
		return nil, err
	}

	if e.Pointer != "" {
		v, err = e.pointer(v)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// EvalString evaluates the expression and stringifies the result for use
// in URLs and headers.
func (e *Expr) EvalString(env *Env) (string, error) {
	v, err := e.Eval(env)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// resolveScope binds the scope selector, consuming the leading name
// segment where the scope requires one. It returns the root value and
// the remaining path.
func (e *Expr) resolveScope(env *Env) (any, []Segment, error) {
	switch e.Scope {
	case ScopeInputs:
		if env.Inputs == nil {
			return nil, nil, e.unbound("no inputs bound")
		}
		return env.Inputs, e.Path, nil

	case ScopeSteps:
		id := e.Path[0].Key
		state, ok := env.Steps[id]
		if !ok || state == nil {
			return nil, nil, e.unbound(fmt.Sprintf("step %q has no committed state", id))
		}
		return e.resolveStep(id, state)

	case ScopeWorkflows:
		id := e.Path[0].Key
		outputs, ok := env.Workflows[id]
		if !ok {
			return nil, nil, e.unbound(fmt.Sprintf("workflow %q has no committed outputs", id))
		}
		rest := e.Path[1:]
		if len(rest) > 0 && !rest[0].IsIndex && rest[0].Key == "outputs" {
			rest = rest[1:]
		}
		return outputs, rest, nil

	case ScopeSourceDescriptions:
		name := e.Path[0].Key
		url, ok := env.Sources[name]
		if !ok {
			return nil, nil, e.unbound(fmt.Sprintf("unknown source description %q", name))
		}
		rest := e.Path[1:]
		if len(rest) == 1 && !rest[0].IsIndex && rest[0].Key == "url" {
			return url, nil, nil
		}
		return url, rest, nil

	case ScopeComponents:
		category := e.Path[0].Key
		byName, ok := env.Components[category]
		if !ok {
			return nil, nil, e.unbound(fmt.Sprintf("no components of category %q", category))
		}
		name := e.Path[1].Key
		v, ok := byName[name]
		if !ok {
			return nil, nil, e.missing(fmt.Sprintf("components.%s.%s", category, name))
		}
		return v, e.Path[2:], nil

	case ScopeOutputs:
		// Bare $outputs binds to the outputs stored under Steps[""]. The
		// engine never binds that key, so under the engine $outputs is
		// unbound.
		state, ok := env.Steps[""]
		if !ok || state == nil {
			return nil, nil, e.unbound("no current outputs bound")
		}
		return state.Outputs, e.Path, nil

	case ScopeStatusCode:
		if env.Current == nil || env.Current.Response == nil {
			return nil, nil, e.unbound("no response in scope")
		}
		return float64(env.Current.Response.StatusCode), nil, nil

	case ScopeResponse:
		if env.Current == nil || env.Current.Response == nil {
			return nil, nil, e.unbound("no response in scope")
		}
		return e.resolveExchangeHalf(env.Current.Response, e.Path)

	case ScopeRequest:
		if env.Current == nil || env.Current.Request == nil {
			return nil, nil, e.unbound("no request in scope")
		}
		return e.resolveExchangeHalf(env.Current.Request, e.Path)

	case ScopeURL:
		if env.Current == nil {
			return nil, nil, e.unbound("no request in scope")
		}
		return env.Current.URL, nil, nil

	case ScopeMethod:
		if env.Current == nil {
			return nil, nil, e.unbound("no request in scope")
		}
		return env.Current.Method, nil, nil

	default:
		return nil, nil, e.unbound(fmt.Sprintf("unknown scope %q", e.Scope))
	}
}

// resolveStep handles the fixed selectors under steps.<id>:
// outputs, response.body, response.headers.<name>.
func (e *Expr) resolveStep(id string, state *StepState) (any, []Segment, error) {
	rest := e.Path[1:]
	if len(rest) == 0 {
		return nil, nil, e.typeMismatch(fmt.Sprintf("steps.%s requires a selector (outputs or response)", id))
	}
	switch rest[0].Key {
	case "outputs":
		if state.Outputs == nil {
			return nil, nil, e.unbound(fmt.Sprintf("step %q has no committed outputs", id))
		}
		return state.Outputs, rest[1:], nil
	case "response":
		if state.Response == nil {
			return nil, nil, e.unbound(fmt.Sprintf("step %q has no recorded response", id))
		}
		return e.resolveExchangeHalf(state.Response, rest[1:])
	default:
		return nil, nil, e.typeMismatch(fmt.Sprintf("unknown selector %q under steps.%s", rest[0].Key, id))
	}
}

// resolveExchangeHalf handles body / headers.<name> / statusCode
// selectors under a request or response root. rest is the path after
// the response/request selector.
func (e *Expr) resolveExchangeHalf(half *Response, rest []Segment) (any, []Segment, error) {
	if len(rest) == 0 {
		return half.Body, nil, nil
	}
	switch rest[0].Key {
	case "body":
		return half.Body, rest[1:], nil
	case "statusCode":
		return float64(half.StatusCode), rest[1:], nil
	case "headers", "header":
		if len(rest) < 2 || rest[1].IsIndex {
			return nil, nil, e.typeMismatch("headers selector requires a header name")
		}
		if half.Headers == nil {
			return nil, nil, e.missing("headers." + rest[1].Key)
		}
		v := half.Headers.Get(rest[1].Key)
		if v == "" {
			return nil, nil, e.missing("headers." + rest[1].Key)
		}
		return v, rest[2:], nil
	default:
		return nil, nil, e.typeMismatch(fmt.Sprintf("unknown selector %q", rest[0].Key))
	}
}

// walk traverses the remaining path over decoded JSON values.
func (e *Expr) walk(v any, path []Segment) (any, error) {
	for _, seg := range path {
		if seg.IsIndex {
			arr, ok := v.([]any)
			if !ok {
				return nil, e.typeMismatch(fmt.Sprintf("cannot index %T with [%d]", v, seg.Index))
			}
			if seg.Index < 0 || seg.Index >= len(arr) {
				return nil, &errors.ExpressionError{
					Expr: e.Raw, Code: "index_out_of_range",
					Message: fmt.Sprintf("index %d out of range (len %d)", seg.Index, len(arr)),
				}
			}
			v = arr[seg.Index]
			continue
		}

		obj, ok := v.(map[string]any)
		if !ok {
			return nil, e.typeMismatch(fmt.Sprintf("cannot select %q from %T", seg.Key, v))
		}
		next, ok := obj[seg.Key]
		if !ok {
			return nil, e.missing(seg.Key)
		}
		v = next
	}
	return v, nil
}

// pointer applies the RFC 6901 JSON-Pointer tail.
func (e *Expr) pointer(v any) (any, error) {
	for _, token := range strings.Split(e.Pointer, "/")[1:] {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[token]
			if !ok {
				return nil, e.missing("#/" + token)
			}
			v = next
		case []any:
			idx, err := parsePointerIndex(token)
			if err != nil {
				return nil, e.typeMismatch(fmt.Sprintf("pointer token %q is not an array index", token))
			}
			if idx < 0 || idx >= len(cur) {
				return nil, &errors.ExpressionError{
					Expr: e.Raw, Code: "index_out_of_range",
					Message: fmt.Sprintf("pointer index %d out of range (len %d)", idx, len(cur)),
				}
			}
			v = cur[idx]
		default:
			return nil, e.typeMismatch(fmt.Sprintf("cannot apply pointer token %q to %T", token, v))
		}
	}
	return v, nil
}

func parsePointerIndex(token string) (int, error) {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("invalid index %q", token)
	}
	n := 0
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0, fmt.Errorf("invalid index %q", token)
		}
		n = n*10 + int(token[i]-'0')
	}
	return n, nil
}

// Stringify renders a JSON value for URL, header, and interpolation use.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// Render integral floats without the trailing ".0" JSON decoding
		// gives us.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (e *Expr) unbound(msg string) error {
	return &errors.ExpressionError{Expr: e.Raw, Code: "unbound_scope", Message: msg}
}

func (e *Expr) missing(key string) error {
	return &errors.ExpressionError{Expr: e.Raw, Code: "missing_key", Message: fmt.Sprintf("no value for %q", key)}
}

func (e *Expr) typeMismatch(msg string) error {
	return &errors.ExpressionError{Expr: e.Raw, Code: "type_mismatch", Message: msg}
}
