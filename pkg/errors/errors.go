// Package errors augments the standard errors
// with a Wrap() method to chain errors without resorting
// to fmt.Errorf("%w", err).
package errors

import (
	stderr "errors"
	"strings"
)

var _ error = New("")

// New Error
func New(msg string) *Error {
	return &Error{msg: msg}
}

// Error augments the standard error interface with a Wrap method.
//
// Sentinel errors declared with New can be wrapped around a cause and
// still be matched with errors.Is.
type Error struct {
	msg string
	err error
}

// Error message
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap nested error
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Wrap a cause under this error, returning a new error value.
//
// The receiver is not mutated, so package-level sentinels remain
// safe to share.
func (e *Error) Wrap(err error) *Error {
	return &Error{msg: e.msg, err: err}
}

// WrapMsg wraps a cause with some additional context message
func (e *Error) WrapMsg(msg string) *Error {
	return &Error{msg: e.msg + ": " + msg, err: e}
}

// Is reports whether this error matches the target.
//
// WrapMsg keeps the base message as a prefix of the derived message,
// so a derived error matches its sentinel even after Wrap swapped the
// cause underneath it.
func (e *Error) Is(target error) bool {
	if e == target {
		return true
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.msg == t.msg || strings.HasPrefix(e.msg, t.msg+": ")
}

// As finds the first error in err's chain that matches target
// (a shortcut to standard lib errors.As)
func As(err error, target interface{}) bool {
	return stderr.As(err, target)
}

// Is reports whether any error in err's chain matches target
// (a shortcut to standard lib errors.Is)
func Is(err, target error) bool {
	return stderr.Is(err, target)
}
