package ingest

import "fmt"

// ValidationError rejects a submission before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// PersistenceError means the report could not be committed. Nothing about
// the submission is visible when it is returned.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist report: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
