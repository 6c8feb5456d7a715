// Package errors wraps github.com/pkg/errors with printf-style constructors
// and re-exports the standard library helpers so callers need one import.
package errors

import (
	stderrors "errors"

	pkgerrors "github.com/pkg/errors"
)

// New returns an error with a stack trace. Extra args are applied to message
// as printf arguments.
func New(message string, args ...interface{}) error {
	if len(args) > 0 {
		return pkgerrors.Errorf(message, args...)
	}
	return pkgerrors.New(message)
}

// Wrap annotates err with message and a stack trace. Wrap returns nil when
// err is nil.
func Wrap(err error, message string, args ...interface{}) error {
	if len(args) > 0 {
		return pkgerrors.Wrapf(err, message, args...)
	}
	return pkgerrors.Wrap(err, message)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the innermost error that does not implement causer.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}
