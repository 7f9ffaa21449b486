package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrEventRejected is returned for events the current state does not
	// accept. The state is left unchanged.
	ErrEventRejected = errors.New("event rejected")
	ErrPanic         = errors.New("panic while handling event")
)

// InitializationError reports a failed Setup. The controller is back in
// StateOff when it is returned.
type InitializationError struct {
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("bluetooth initialization failed: %s: %v", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// ProcessingError reports a failure while handling an event in StateOn.
// The controller restarted before it was returned.
type ProcessingError struct {
	Event string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing %s failed: %v", e.Event, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
