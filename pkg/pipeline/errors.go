package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnection is matched by every connectivity check failure.
var ErrConnection = errors.New("connection check failed")

// ConnectionError reports a source that failed its connectivity check.
type ConnectionError struct {
	Source string
	Probe  string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("source %q: %s (probe %q): %v", e.Source, ErrConnection, e.Probe, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// LoadError collects the tables that failed or were skipped during a run.
type LoadError struct {
	Failures []TableInfo
}

// Tables returns the names of the failed tables.
func (e *LoadError) Tables() []string {
	names := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		names[i] = f.Name
	}
	return names
}

func (e *LoadError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Name, f.Err)
	}
	return fmt.Sprintf("%d resource(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every table error to errors.Is and errors.As.
func (e *LoadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
