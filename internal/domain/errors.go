package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core. Match them with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrClassification    = errors.New("classification failed")
	ErrExecution         = errors.New("execution failed")
	ErrNotFound          = errors.New("command not found")
	ErrAlreadyListening  = errors.New("voice capture already listening")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyStarted    = errors.New("command already started")
	ErrDuplicateID       = errors.New("duplicate command id")
	ErrUnsupportedIntent = errors.New("unsupported intent")
	ErrClosed            = errors.New("closed")
)

// ClassificationError wraps a classifier failure.
type ClassificationError struct {
	Provider string
	Err      error
}

func (e *ClassificationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %v", ErrClassification, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrClassification, e.Provider, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ClassificationError) Unwrap() []error {
	return []error{ErrClassification, e.Err}
}

// ExecutionError wraps an executor failure.
type ExecutionError struct {
	Kind IntentKind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrExecution, e.Kind, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// NotFound returns ErrNotFound annotated with the id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
