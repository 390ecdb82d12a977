package expression

import (
	"strings"
)

// Resolve evaluates a parameter or body value against env:
//
//   - a string that is exactly one runtime expression yields the bound
//     JSON value, preserving its type
//   - a string containing {$...} sequences interpolates each expression's
//     stringified value
//   - maps and slices resolve recursively
//   - all other values pass through unchanged
func Resolve(v any, env *Env) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(t, env)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			r, err := Resolve(inner, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			r, err := Resolve(inner, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves a single string value: lone expression, embedded
// {$...} template, or literal.
func ResolveString(s string, env *Env) (any, error) {
	if strings.HasPrefix(s, "$") {
		if expr, err := Parse(s); err == nil {
			return expr.Eval(env)
		}
	}
	if !strings.Contains(s, "{$") {
		return s, nil
	}
	return interpolate(s, env)
}

// interpolate replaces each {$...} occurrence with the stringified value
// of the enclosed expression. Unmatched braces pass through literally.
func interpolate(s string, env *Env) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], "{$")
		if open < 0 {
			b.WriteString(s[i:])
			break
		}
		open += i
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			b.WriteString(s[i:])
			break
		}
		close += open

		b.WriteString(s[i:open])
		expr, err := Parse(s[open+1 : close])
		if err != nil {
			return "", err
		}
		v, err := expr.Eval(env)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
		i = close + 1
	}
	return b.String(), nil
}

// ExtractRefs returns every runtime expression found in s: a lone
// expression, {$...} embeddings, or $-expressions inside a criterion
// condition. Unparseable candidates are skipped; the validator reports
// them separately via Check.
func ExtractRefs(s string) []*Expr {
	var refs []*Expr
	i := 0
	for i < len(s) {
		if s[i] != '$' {
			i++
			continue
		}
		expr, end, err := parseAt(s, i, true)
		if err != nil {
			i++
			continue
		}
		refs = append(refs, expr)
		i = end
	}
	return refs
}

// ExtractValueRefs walks a decoded YAML/JSON value and collects runtime
// expressions from every string it contains.
func ExtractValueRefs(v any) []*Expr {
	var refs []*Expr
	switch t := v.(type) {
	case string:
		refs = append(refs, ExtractRefs(t)...)
	case map[string]any:
		for _, inner := range t {
			refs = append(refs, ExtractValueRefs(inner)...)
		}
	case []any:
		for _, inner := range t {
			refs = append(refs, ExtractValueRefs(inner)...)
		}
	}
	return refs
}

// Check verifies that every expression embedded in s parses. It is used
// by the document validator; evaluation does not happen here.
func Check(s string) error {
	if strings.HasPrefix(s, "$") {
		_, err := Parse(s)
		return err
	}
	i := 0
	for i < len(s) {
		open := strings.Index(s[i:], "{$")
		if open < 0 {
			return nil
		}
		open += i
		close := strings.IndexByte(s[open:], '}')
		if close < 0 {
			return nil
		}
		close += open
		if _, err := Parse(s[open+1 : close]); err != nil {
			return err
		}
		i = close + 1
	}
	return nil
}
