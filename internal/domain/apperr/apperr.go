// Package apperr standardizes failure kinds across the treatment course domain.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a domain failure
type Code string

const (
	CodeNotFound        Code = "not_found"
	CodeInvalidState    Code = "invalid_state"
	CodeInvalidArgument Code = "invalid_argument"
	CodeConflict        Code = "conflict"
	CodeInternal        Code = "internal"
)

// Error is the canonical domain error
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	case e.Op != "":
		return fmt.Sprintf("%s (%s)", e.Op, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an error with an explicit code and operation
func New(code Code, op, message string) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
	}
}

// Newf builds an error with a formatted message
func Newf(code Code, op, format string, args ...any) error {
	return New(code, op, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a code; errors already carrying a code keep it
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: err.Error(),
		Cause:   err,
	}
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the code, or "" for errors outside the taxonomy
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// MessageOf returns the client-facing message of a coded error
func MessageOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Message
}
