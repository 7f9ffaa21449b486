// Package bt holds the small value types shared by every layer of the
// Bluetooth core: operation results, profile kinds, codecs and link handles.
package bt

import (
	"errors"
	"fmt"
)

// Code is the uniform outcome of a core operation.
type Code int

const (
	Success Code = iota
	NotReady
	SystemError
	LibraryError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case NotReady:
		return "not_ready"
	case SystemError:
		return "system_error"
	case LibraryError:
		return "library_error"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Result pairs a Code with the vendor stack status that produced it.
// Status is only meaningful for LibraryError.
type Result struct {
	Code   Code
	Status int
}

// Ok is the successful Result.
func Ok() Result { return Result{Code: Success} }

// Fail builds a Result without a vendor status.
func Fail(code Code) Result { return Result{Code: code} }

// FromStatus maps a vendor stack status onto a Result: zero is success,
// anything else is a LibraryError carrying the status.
func FromStatus(status int) Result {
	if status == 0 {
		return Ok()
	}
	return Result{Code: LibraryError, Status: status}
}

// IsSuccess reports whether the operation succeeded.
func (r Result) IsSuccess() bool { return r.Code == Success }

func (r Result) String() string {
	if r.Code == LibraryError {
		return fmt.Sprintf("%s(0x%02x)", r.Code, r.Status)
	}
	return r.Code.String()
}

// Err converts a non-success Result into an error, nil otherwise.
func (r Result) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &ResultError{Code: r.Code, Status: r.Status}
}

// ResultError is the error form of a failed Result.
type ResultError struct {
	Code   Code
	Status int
}

func (e *ResultError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Code == LibraryError {
		return fmt.Sprintf("%s: status 0x%02x", e.Code, e.Status)
	}
	return e.Code.String()
}

// Is compares ResultError values by Code so that errors.Is matches the
// sentinels below regardless of the status.
func (e *ResultError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ResultError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrNotReady     = &ResultError{Code: NotReady}
	ErrSystemError  = &ResultError{Code: SystemError}
	ErrLibraryError = &ResultError{Code: LibraryError}
)

// ResultOf recovers a Result from an error produced by Result.Err or any
// error wrapping one. Unknown errors map to SystemError.
func ResultOf(err error) Result {
	if err == nil {
		return Ok()
	}
	var rerr *ResultError
	if errors.As(err, &rerr) {
		return Result{Code: rerr.Code, Status: rerr.Status}
	}
	return Fail(SystemError)
}
