package resolver

import (
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/Sternrassler/rest-pipeline/pkg/resource"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Field is a named value copied from a parent record into a child record.
type Field struct {
	Name  string
	Value any
}

// ResolveParams returns the runtime params of def for one parent record.
// Literal params pass through; resolved params are read from parent. parent
// may be nil for independent resources.
func ResolveParams(def resource.Definition, parent *resource.Record) (map[string]any, error) {
	out := make(map[string]any, len(def.Params))
	for _, name := range def.ParamNames() {
		p := def.Params[name]
		ref := p.Resolved()
		if ref == nil {
			out[name] = p.Value()
			continue
		}
		v, ok := parent.Get(ref.Field)
		if !ok {
			return nil, &resource.MissingFieldError{Resource: def.Name, Parent: ref.Resource, Field: ref.Field}
		}
		out[name] = v
	}
	return out, nil
}

// ParentFields returns the include_from_parent fields of def taken from
// parent, named _{parent}_{field}, in declaration order. Values are copied
// unchanged.
func ParentFields(def resource.Definition, parent *resource.Record) ([]Field, error) {
	if len(def.IncludeFromParent) == 0 {
		return nil, nil
	}
	out := make([]Field, 0, len(def.IncludeFromParent))
	for _, field := range def.IncludeFromParent {
		v, ok := parent.Get(field)
		if !ok {
			return nil, &resource.MissingFieldError{Resource: def.Name, Parent: def.Parent, Field: field}
		}
		out = append(out, Field{Name: resource.ParentFieldName(def.Parent, field), Value: v})
	}
	return out, nil
}

// ExpandPath fills the {name} placeholders of def.Path from params. Values are
// substituted in their fmt.Sprint form. Params consumed by the path are left
// out of the returned query params.
func ExpandPath(def resource.Definition, params map[string]any) (string, map[string]any, error) {
	query := maps.Clone(params)
	if query == nil {
		query = make(map[string]any)
	}

	var missing string
	path := placeholderPattern.ReplaceAllStringFunc(def.Path, func(m string) string {
		name := strings.TrimSpace(m[1 : len(m)-1])
		v, ok := params[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		delete(query, name)
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", nil, &resource.UnresolvedPlaceholderError{Resource: def.Name, Placeholder: missing, Path: def.Path}
	}
	return path, query, nil
}
