package expression

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tombee/arazzo/pkg/errors"
)

// Scope identifies the root a runtime expression binds against.
type Scope string

const (
	ScopeInputs             Scope = "inputs"
	ScopeSteps              Scope = "steps"
	ScopeWorkflows          Scope = "workflows"
	ScopeSourceDescriptions Scope = "sourceDescriptions"
	ScopeComponents         Scope = "components"
	ScopeOutputs            Scope = "outputs"
	ScopeStatusCode         Scope = "statusCode"
	ScopeResponse           Scope = "response"
	ScopeRequest            Scope = "request"
	ScopeURL                Scope = "url"
	ScopeMethod             Scope = "method"
)

var knownScopes = map[Scope]bool{
	ScopeInputs:             true,
	ScopeSteps:              true,
	ScopeWorkflows:          true,
	ScopeSourceDescriptions: true,
	ScopeComponents:         true,
	ScopeOutputs:            true,
	ScopeStatusCode:         true,
	ScopeResponse:           true,
	ScopeRequest:            true,
	ScopeURL:                true,
	ScopeMethod:             true,
}

// Segment is one path element after the scope selector: either a dotted
// identifier key or a bracketed index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return "." + s.Key
}

// Expr is a parsed runtime expression. Exprs are immutable; a compiled
// Expr is shared by every attempt that evaluates it.
type Expr struct {
	// Raw is the original expression text, including the leading $.
	Raw string

	// Scope is the root scope selector.
	Scope Scope

	// Path holds the segments after the scope selector, in order.
	Path []Segment

	// Pointer is the JSON-Pointer tail after '#', empty if absent.
	Pointer string
}

// StepID returns the step id a steps-scoped expression references, and
// whether the expression is steps-scoped at all.
func (e *Expr) StepID() (string, bool) {
	if e.Scope != ScopeSteps || len(e.Path) == 0 || e.Path[0].IsIndex {
		return "", false
	}
	return e.Path[0].Key, true
}

func (e *Expr) String() string { return e.Raw }

// Parse parses a full runtime expression. The entire input must be
// consumed; trailing characters are a parse error.
func Parse(raw string) (*Expr, error) {
	expr, n, err := parseAt(raw, 0, false)
	if err != nil {
		return nil, err
	}
	if n != len(raw) {
		return nil, parseErr(raw, "trailing characters after expression")
	}
	return expr, nil
}

// parseAt parses one expression starting at raw[pos], which must be '$'.
// When embedded is true the parser stops at characters that cannot
// continue an expression (used by the interpolator and the criterion
// scanner); otherwise stray characters are an error for the caller to
// detect via the returned end position.
func parseAt(raw string, pos int, embedded bool) (*Expr, int, error) {
	if pos >= len(raw) || raw[pos] != '$' {
		return nil, pos, parseErr(raw, "expression must start with '$'")
	}
	i := pos + 1

	start := i
	for i < len(raw) && isIdentChar(raw[i]) {
		i++
	}
	if i == start {
		return nil, pos, parseErr(raw, "missing scope selector after '$'")
	}
	scope := Scope(raw[start:i])
	if !knownScopes[scope] {
		return nil, pos, parseErr(raw, fmt.Sprintf("unknown scope %q", scope))
	}

	var path []Segment
	for i < len(raw) {
		switch raw[i] {
		case '.':
			j := i + 1
			s := j
			for j < len(raw) && isIdentChar(raw[j]) {
				j++
			}
			if j == s {
				if embedded {
					goto done
				}
				return nil, pos, parseErr(raw, "empty path segment")
			}
			path = append(path, Segment{Key: raw[s:j]})
			i = j
		case '[':
			j := i + 1
			if j < len(raw) && (raw[j] == '\'' || raw[j] == '"') {
				quote := raw[j]
				j++
				s := j
				for j < len(raw) && raw[j] != quote {
					j++
				}
				if j >= len(raw) {
					return nil, pos, parseErr(raw, "unterminated quoted index")
				}
				key := raw[s:j]
				j++ // closing quote
				if j >= len(raw) || raw[j] != ']' {
					return nil, pos, parseErr(raw, "missing ']' after quoted index")
				}
				path = append(path, Segment{Key: key})
				i = j + 1
			} else {
				s := j
				for j < len(raw) && raw[j] >= '0' && raw[j] <= '9' {
					j++
				}
				if j == s || j >= len(raw) || raw[j] != ']' {
					return nil, pos, parseErr(raw, "malformed bracket index")
				}
				idx, err := strconv.Atoi(raw[s:j])
				if err != nil {
					return nil, pos, parseErr(raw, "malformed bracket index")
				}
				path = append(path, Segment{Index: idx, IsIndex: true})
				i = j + 1
			}
		case '#':
			j := i + 1
			if j >= len(raw) || raw[j] != '/' {
				return nil, pos, parseErr(raw, "JSON pointer must start with '/'")
			}
			for j < len(raw) && !isPointerEnd(raw[j]) {
				j++
			}
			expr := &Expr{Raw: raw[pos:j], Scope: scope, Path: path, Pointer: raw[i+1 : j]}
			if err := expr.check(); err != nil {
				return nil, pos, err
			}
			return expr, j, nil
		default:
			goto done
		}
	}

done:
	expr := &Expr{Raw: raw[pos:i], Scope: scope, Path: path}
	if err := expr.check(); err != nil {
		return nil, pos, err
	}
	return expr, i, nil
}

// check enforces the structural rules of the dialect that the segment
// loop cannot see: scopes that require a name, and scopes that take no
// path at all.
func (e *Expr) check() error {
	switch e.Scope {
	case ScopeSteps, ScopeWorkflows, ScopeSourceDescriptions:
		if len(e.Path) == 0 || e.Path[0].IsIndex {
			return parseErr(e.Raw, fmt.Sprintf("scope %q requires a name segment", e.Scope))
		}
	case ScopeComponents:
		if len(e.Path) < 2 {
			return parseErr(e.Raw, "components expressions require a category and a name")
		}
	case ScopeStatusCode, ScopeURL, ScopeMethod:
		if len(e.Path) != 0 || e.Pointer != "" {
			return parseErr(e.Raw, fmt.Sprintf("scope %q takes no path", e.Scope))
		}
	}
	return nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-'
}

// isPointerEnd reports characters that terminate an embedded JSON
// pointer: whitespace and the operators a criterion condition can
// contain. A standalone expression consumes to end of string anyway.
func isPointerEnd(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', ')', '=', '!', '<', '>', '&', '|', ',', '\'', '"', '}':
		return true
	}
	return false
}

func parseErr(raw, msg string) error {
	return &errors.ExpressionError{Expr: raw, Code: "parse", Message: msg}
}

// IsExpression reports whether s is exactly one runtime expression.
func IsExpression(s string) bool {
	if !strings.HasPrefix(s, "$") {
		return false
	}
	_, err := Parse(s)
	return err == nil
}
