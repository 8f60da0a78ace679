package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDocument is matched by every document validation failure.
	ErrInvalidDocument = errors.New("invalid pipeline document")

	// ErrMissingSecret is matched when a document references an unknown secret.
	ErrMissingSecret = errors.New("missing secret")
)

// MissingSecretError lists the secrets a document references but the
// environment does not provide.
type MissingSecretError struct {
	Names []string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingSecret, strings.Join(e.Names, ", "))
}

func (e *MissingSecretError) Unwrap() error { return ErrMissingSecret }

// ValidationError reports a document that does not match the pipeline schema
// or is internally inconsistent.
type ValidationError struct {
	File     string
	Problems []string
}

func (e *ValidationError) Error() string {
	where := e.File
	if where == "" {
		where = "document"
	}
	return fmt.Sprintf("%s: %s: %s", where, ErrInvalidDocument, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDocument }
