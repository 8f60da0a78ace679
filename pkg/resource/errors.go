package resource

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	// ErrCycle is returned when parent edges form a cycle.
	ErrCycle = errors.New("resource dependency cycle")

	// ErrDuplicateResource is returned when two definitions share a name.
	ErrDuplicateResource = errors.New("duplicate resource")

	// ErrUnknownParent is returned when a dependent resource names a parent
	// that is not part of the graph.
	ErrUnknownParent = errors.New("unknown parent resource")

	// ErrInvalidDefinition is returned for definitions whose kind does not
	// match their params.
	ErrInvalidDefinition = errors.New("invalid resource definition")

	// ErrMissingField is returned when a parent record lacks a field needed
	// for parameter resolution or propagation.
	ErrMissingField = errors.New("missing field")

	// ErrUnresolvedPlaceholder is returned when a path placeholder has no param.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
)

// CycleError reports a dependency cycle with one witness path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// DuplicateResourceError reports a resource name declared more than once.
type DuplicateResourceError struct {
	Resource string
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateResource, e.Resource)
}

func (e *DuplicateResourceError) Unwrap() error { return ErrDuplicateResource }

// UnknownParentError reports a dependent resource whose parent is not declared.
type UnknownParentError struct {
	Resource string
	Parent   string
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("resource %q: %s %q", e.Resource, ErrUnknownParent, e.Parent)
}

func (e *UnknownParentError) Unwrap() error { return ErrUnknownParent }

// InvalidDefinitionError reports a structurally inconsistent definition.
type InvalidDefinitionError struct {
	Resource string
	Reason   string
}

func (e *InvalidDefinitionError) Error() string {
	return fmt.Sprintf("resource %q: %s: %s", e.Resource, ErrInvalidDefinition, e.Reason)
}

func (e *InvalidDefinitionError) Unwrap() error { return ErrInvalidDefinition }

// MissingFieldError reports a field absent from a parent record.
type MissingFieldError struct {
	Resource string // resource being resolved
	Parent   string // resource that produced the record
	Field    string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("resource %q: %s %q in record of parent %q",
		e.Resource, ErrMissingField, e.Field, e.Parent)
}

func (e *MissingFieldError) Unwrap() error { return ErrMissingField }

// UnresolvedPlaceholderError reports a path placeholder with no matching param.
type UnresolvedPlaceholderError struct {
	Resource    string
	Placeholder string
	Path        string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("resource %q: %s {%s} in path %q",
		e.Resource, ErrUnresolvedPlaceholder, e.Placeholder, e.Path)
}

func (e *UnresolvedPlaceholderError) Unwrap() error { return ErrUnresolvedPlaceholder }
