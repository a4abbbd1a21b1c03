package batch

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("batch: run already in progress")
	ErrPaused         = errors.New("batch: run is paused; use Resume")
	ErrRunFinished    = errors.New("batch: run finished; ClearAll before starting another")
	ErrNotPaused      = errors.New("batch: run is not paused")
	ErrNotProcessing  = errors.New("batch: run is not processing")
	ErrNotActive      = errors.New("batch: no active run")
	ErrItemInFlight   = errors.New("batch: item is being processed")
)

// ValidationError reports a configuration or input error detected before
// any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PanicError is recorded when a processor panics. Only Error() reaches the
// item; the stack is logged.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("processor panicked: %v", e.Value) }
