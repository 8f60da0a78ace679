// Package resource defines the declarative resource graph consumed by the
// resolver: resource definitions, their params, the records they produce and
// the validated dependency graph between them.
package resource

import (
	"fmt"
	"slices"
)

// Kind discriminates independent resources from resources fed by a parent.
type Kind int

const (
	// KindIndependent resources are fetched once with literal params.
	KindIndependent Kind = iota

	// KindDependent resources are fetched once per parent record.
	KindDependent
)

func (k Kind) String() string {
	switch k {
	case KindIndependent:
		return "independent"
	case KindDependent:
		return "dependent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WriteDisposition controls how a sink treats existing rows of a table.
type WriteDisposition string

const (
	// WriteReplace swaps the table contents for the rows of this load.
	WriteReplace WriteDisposition = "replace"

	// WriteAppend adds the rows of this load to the table.
	WriteAppend WriteDisposition = "append"
)

// Valid reports whether d is a supported disposition.
func (d WriteDisposition) Valid() bool {
	return d == WriteReplace || d == WriteAppend
}

// ResolvedParam takes its value from a field of each parent record.
type ResolvedParam struct {
	Resource string
	Field    string
}

// Param is either a literal value or a ResolvedParam reference.
type Param struct {
	value    any
	resolved *ResolvedParam
}

// Literal returns a param with a fixed value.
func Literal(v any) Param {
	return Param{value: v}
}

// Resolve returns a param read from field of each record of the parent resource.
func Resolve(resource, field string) Param {
	return Param{resolved: &ResolvedParam{Resource: resource, Field: field}}
}

// IsResolved reports whether the param is read from a parent record.
func (p Param) IsResolved() bool { return p.resolved != nil }

// Value returns the literal value. It is nil for resolved params.
func (p Param) Value() any { return p.value }

// Resolved returns the parent reference, or nil for literals.
func (p Param) Resolved() *ResolvedParam {
	if p.resolved == nil {
		return nil
	}
	r := *p.resolved
	return &r
}

// Definition describes one resource of a source.
type Definition struct {
	Name string
	Kind Kind

	// Parent is the resource whose records drive this one. Empty for
	// independent resources.
	Parent string

	// Path is the endpoint template relative to the client base URL, with
	// {name} placeholders filled from Params.
	Path string

	Params map[string]Param

	// IncludeFromParent lists parent fields copied into each child record
	// as _{parent}_{field}.
	IncludeFromParent []string

	PrimaryKey       string
	WriteDisposition WriteDisposition

	// DataSelector names the response field holding the record list. Empty
	// lets the fetcher detect it.
	DataSelector string
}

// Independent returns a definition fetched once with literal params.
func Independent(name, path string, params map[string]Param) Definition {
	return Definition{
		Name:   name,
		Kind:   KindIndependent,
		Path:   path,
		Params: params,
	}
}

// Dependent returns a definition fetched once per record of parent.
func Dependent(name, parent, path string, params map[string]Param, includeFromParent ...string) Definition {
	return Definition{
		Name:              name,
		Kind:              KindDependent,
		Parent:            parent,
		Path:              path,
		Params:            params,
		IncludeFromParent: includeFromParent,
	}
}

// ParamNames returns the param names in sorted order.
func (d Definition) ParamNames() []string {
	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParentFieldName is the name a propagated parent field takes in a child record.
func ParentFieldName(parent, field string) string {
	return "_" + parent + "_" + field
}

// validate checks the definition in isolation; graph-level checks live in NewGraph.
func (d Definition) validate() error {
	if d.Name == "" {
		return &InvalidDefinitionError{Resource: d.Name, Reason: "name is required"}
	}

	switch d.Kind {
	case KindIndependent:
		if d.Parent != "" {
			return &InvalidDefinitionError{Resource: d.Name, Reason: "independent resource cannot name a parent"}
		}
		if len(d.IncludeFromParent) > 0 {
			return &InvalidDefinitionError{Resource: d.Name, Reason: "include_from_parent requires a parent"}
		}
		for _, name := range d.ParamNames() {
			if d.Params[name].IsResolved() {
				return &InvalidDefinitionError{
					Resource: d.Name,
					Reason:   fmt.Sprintf("param %q resolves from a parent but resource is independent", name),
				}
			}
		}
	case KindDependent:
		if d.Parent == "" {
			return &InvalidDefinitionError{Resource: d.Name, Reason: "dependent resource must name a parent"}
		}
		if d.Parent == d.Name {
			return &CycleError{Path: []string{d.Name, d.Name}}
		}
		for _, name := range d.ParamNames() {
			r := d.Params[name].Resolved()
			if r == nil {
				continue
			}
			if r.Resource != d.Parent {
				return &InvalidDefinitionError{
					Resource: d.Name,
					Reason:   fmt.Sprintf("param %q resolves from %q, parent is %q", name, r.Resource, d.Parent),
				}
			}
			if r.Field == "" {
				return &InvalidDefinitionError{
					Resource: d.Name,
					Reason:   fmt.Sprintf("param %q has no source field", name),
				}
			}
		}
	default:
		return &InvalidDefinitionError{Resource: d.Name, Reason: "unknown kind " + d.Kind.String()}
	}

	if d.WriteDisposition != "" && !d.WriteDisposition.Valid() {
		return &InvalidDefinitionError{
			Resource: d.Name,
			Reason:   fmt.Sprintf("unsupported write disposition %q", d.WriteDisposition),
		}
	}
	return nil
}
