// Package mlerr defines the error taxonomy shared by the training, prediction
// and evaluation packages.
package mlerr

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: an empty dataset, an unknown
// backend kind, a feature vector of the wrong length.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// StateError reports an operation invoked in the wrong state, such as a
// prediction before training or a reentrant call.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

// DecodeError reports that no pixels could be obtained for an image.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Validation(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func State(format string, args ...interface{}) error {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

func Decode(cause error, format string, args ...interface{}) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...), Err: cause}
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsState(err error) bool {
	var target *StateError
	return errors.As(err, &target)
}

func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}
