package resolver

import (
	"errors"
	"fmt"
)

// ErrSkipped is returned for resources not fetched because an ancestor failed.
var ErrSkipped = errors.New("resource skipped")

// SkippedResourceError reports a dependent resource whose parent failed.
type SkippedResourceError struct {
	Resource string
	Parent   string
	Cause    error
}

func (e *SkippedResourceError) Error() string {
	return fmt.Sprintf("resource %q: %s: parent %q failed: %v", e.Resource, ErrSkipped, e.Parent, e.Cause)
}

// Unwrap exposes both the sentinel and the parent's failure.
func (e *SkippedResourceError) Unwrap() []error {
	return []error{ErrSkipped, e.Cause}
}

// FetchError wraps a fetcher failure with the resource and the expanded path.
type FetchError struct {
	Resource string
	Path     string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("resource %q: fetch %q: %v", e.Resource, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
