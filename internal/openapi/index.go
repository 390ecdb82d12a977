package openapi

import (
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tombee/arazzo/pkg/errors"
)

// Operation is one resolvable operation of a loaded source.
type Operation struct {
	Source      *Source
	OperationID string
	Method      string // upper-case
	Path        string // as declared, with {placeholders}
	Op          *openapi3.Operation
	PathItem    *openapi3.PathItem
}

// RequiredParameters returns the (name, in) pairs the operation declares
// as required, merging path-item and operation-level parameters.
func (o *Operation) RequiredParameters() []ParamKey {
	var out []ParamKey
	seen := map[ParamKey]bool{}
	collect := func(params openapi3.Parameters) {
		for _, ref := range params {
			if ref == nil || ref.Value == nil {
				continue
			}
			p := ref.Value
			key := ParamKey{Name: p.Name, In: p.In}
			if seen[key] {
				continue
			}
			seen[key] = true
			// Path parameters are required by definition.
			if p.Required || p.In == "path" {
				out = append(out, key)
			}
		}
	}
	if o.PathItem != nil {
		collect(o.PathItem.Parameters)
	}
	collect(o.Op.Parameters)
	return out
}

// ResponseMediaTypes returns the media types the operation's 2xx and
// default responses declare, as decode hints for the engine.
func (o *Operation) ResponseMediaTypes() []string {
	var out []string
	seen := map[string]bool{}
	if o.Op.Responses == nil {
		return nil
	}
	for status, ref := range o.Op.Responses.Map() {
		if !strings.HasPrefix(status, "2") && status != "default" {
			continue
		}
		if ref == nil || ref.Value == nil {
			continue
		}
		for mediaType := range ref.Value.Content {
			if !seen[mediaType] {
				seen[mediaType] = true
				out = append(out, mediaType)
			}
		}
	}
	return out
}

// ParamKey identifies a parameter by name and location.
type ParamKey struct {
	Name string
	In   string
}

// Index resolves operations of one source by operationId and by
// (method, normalized path).
type Index struct {
	source  *Source
	byID    map[string]*Operation
	byRoute map[string]*Operation
}

// BuildIndex walks a loaded source and indexes every operation.
// A duplicate operationId within a source is a ResolveError.
func BuildIndex(src *Source) (*Index, error) {
	idx := &Index{
		source:  src,
		byID:    make(map[string]*Operation),
		byRoute: make(map[string]*Operation),
	}

	if src.Doc.Paths == nil {
		return idx, nil
	}
	for path, item := range src.Doc.Paths.Map() {
		if item == nil {
			continue
		}
		for method, op := range item.Operations() {
			if op == nil {
				continue
			}
			operation := &Operation{
				Source:      src,
				OperationID: op.OperationID,
				Method:      strings.ToUpper(method),
				Path:        path,
				Op:          op,
				PathItem:    item,
			}
			idx.byRoute[routeKey(operation.Method, path)] = operation

			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.byID[op.OperationID]; dup {
				return nil, &errors.ResolveError{
					Source:    src.Name,
					Reference: op.OperationID,
					Message:   "duplicate operationId in source",
				}
			}
			idx.byID[op.OperationID] = operation
		}
	}
	return idx, nil
}

// Operations returns every indexed operation, unordered.
func (idx *Index) Operations() []*Operation {
	out := make([]*Operation, 0, len(idx.byRoute))
	for _, op := range idx.byRoute {
		out = append(out, op)
	}
	return out
}

// ByOperationID resolves an operationId within this source.
func (idx *Index) ByOperationID(id string) (*Operation, bool) {
	op, ok := idx.byID[id]
	return op, ok
}

// ByRoute resolves a (method, path) pair within this source.
func (idx *Index) ByRoute(method, path string) (*Operation, bool) {
	op, ok := idx.byRoute[routeKey(method, path)]
	return op, ok
}

// routeKey normalizes a method+path lookup key: upper-case method, no
// trailing slash.
func routeKey(method, path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s %s", strings.ToUpper(method), path)
}
