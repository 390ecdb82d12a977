package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/tombee/arazzo/pkg/errors"
)

// Criterion types supported by the evaluator.
const (
	CriterionSimple   = "simple"
	CriterionRegex    = "regex"
	CriterionJSONPath = "jsonpath"
)

// Criterion is a compiled success criterion, built once per document and
// reused across attempts. All criteria for a step must evaluate true for
// the step to succeed.
type Criterion struct {
	// Context is the context expression for regex/jsonpath criteria,
	// nil when absent.
	Context *Expr

	// Type is one of simple, regex, jsonpath.
	Type string

	// Condition is the original condition text.
	Condition string

	program *vm.Program // simple
	refs    []*Expr     // simple: expressions substituted into program
	re      *regexp.Regexp
	jq      *gojq.Code
}

// CompileCriterion parses and compiles a success criterion. An empty
// type defaults to simple per the Arazzo specification.
func CompileCriterion(context, typ, condition string) (*Criterion, error) {
	if condition == "" {
		return nil, &errors.ValidationError{Path: "successCriteria", Message: "criterion condition is required"}
	}
	if typ == "" {
		typ = CriterionSimple
	}

	c := &Criterion{Type: typ, Condition: condition}

	if context != "" {
		ctxExpr, err := Parse(context)
		if err != nil {
			return nil, err
		}
		c.Context = ctxExpr
	}

	switch typ {
	case CriterionSimple:
		template, refs, err := substituteRefs(condition)
		if err != nil {
			return nil, err
		}
		program, err := expr.Compile(template, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, &errors.ExpressionError{Expr: condition, Code: "parse", Message: err.Error()}
		}
		c.program = program
		c.refs = refs

	case CriterionRegex:
		if c.Context == nil {
			return nil, &errors.ValidationError{Path: "successCriteria", Message: "regex criteria require a context expression"}
		}
		re, err := regexp.Compile(condition)
		if err != nil {
			return nil, &errors.ExpressionError{Expr: condition, Code: "parse", Message: err.Error()}
		}
		c.re = re

	case CriterionJSONPath:
		if c.Context == nil {
			return nil, &errors.ValidationError{Path: "successCriteria", Message: "jsonpath criteria require a context expression"}
		}
		query, err := gojq.Parse(jsonPathToJQ(condition))
		if err != nil {
			return nil, &errors.ExpressionError{Expr: condition, Code: "parse", Message: err.Error()}
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, &errors.ExpressionError{Expr: condition, Code: "parse", Message: err.Error()}
		}
		c.jq = code

	default:
		return nil, &errors.ValidationError{
			Path:    "successCriteria",
			Message: fmt.Sprintf("unknown criterion type %q", typ),
		}
	}

	return c, nil
}

// Eval evaluates the criterion against env. A false result is not an
// error; the caller decides whether a failed criterion fails the step.
func (c *Criterion) Eval(env *Env) (bool, error) {
	switch c.Type {
	case CriterionSimple:
		bindings := make(map[string]any, len(c.refs))
		for i, ref := range c.refs {
			v, err := ref.Eval(env)
			if err != nil {
				return false, err
			}
			bindings[refVar(i)] = v
		}
		out, err := expr.Run(c.program, bindings)
		if err != nil {
			return false, &errors.ExpressionError{Expr: c.Condition, Code: "type_mismatch", Message: err.Error()}
		}
		b, ok := out.(bool)
		if !ok {
			return false, &errors.ExpressionError{
				Expr: c.Condition, Code: "type_mismatch",
				Message: fmt.Sprintf("condition produced %T, want bool", out),
			}
		}
		return b, nil

	case CriterionRegex:
		v, err := c.Context.Eval(env)
		if err != nil {
			return false, err
		}
		return c.re.MatchString(Stringify(v)), nil

	case CriterionJSONPath:
		v, err := c.Context.Eval(env)
		if err != nil {
			return false, err
		}
		iter := c.jq.Run(v)
		for {
			out, ok := iter.Next()
			if !ok {
				return false, nil
			}
			if err, isErr := out.(error); isErr {
				return false, &errors.ExpressionError{Expr: c.Condition, Code: "type_mismatch", Message: err.Error()}
			}
			if out != nil && out != false {
				return true, nil
			}
		}

	default:
		return false, &errors.ExpressionError{Expr: c.Condition, Code: "parse", Message: "uncompiled criterion"}
	}
}

// substituteRefs rewrites every runtime expression in a simple condition
// to a generated variable and returns the parsed expressions in order.
func substituteRefs(condition string) (string, []*Expr, error) {
	var b strings.Builder
	var refs []*Expr
	i := 0
	for i < len(condition) {
		if condition[i] != '$' {
			b.WriteByte(condition[i])
			i++
			continue
		}
		ref, end, err := parseAt(condition, i, true)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(refVar(len(refs)))
		refs = append(refs, ref)
		i = end
	}
	if len(refs) == 0 {
		return "", nil, &errors.ExpressionError{
			Expr: condition, Code: "parse",
			Message: "simple criterion references no runtime expression",
		}
	}
	return b.String(), refs, nil
}

func refVar(i int) string { return fmt.Sprintf("__ref%d", i) }

// jsonPathToJQ converts the JSONPath root selector to jq syntax. The
// supported subset is dotted paths and bracket indices; filter
// expressions must already be written in jq form.
func jsonPathToJQ(path string) string {
	switch {
	case path == "$":
		return "."
	case strings.HasPrefix(path, "$."):
		return "." + path[2:]
	case strings.HasPrefix(path, "$["):
		return "." + path[1:]
	default:
		return path
	}
}
