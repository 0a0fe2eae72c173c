package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so handlers and callers can react without
// string matching.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation_error"
	KindRetryable    ErrorKind = "retryable_error"
	KindPermanent    ErrorKind = "permanent_error"
	KindAuthenticity ErrorKind = "authenticity_error"
	KindNotFound     ErrorKind = "not_found"
)

// PaymentError is the error type returned across package boundaries.
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Is reports a match against any PaymentError of the same kind, so the
// sentinels below work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	var t *PaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	ErrValidation   = &PaymentError{Kind: KindValidation}
	ErrRetryable    = &PaymentError{Kind: KindRetryable}
	ErrPermanent    = &PaymentError{Kind: KindPermanent}
	ErrAuthenticity = &PaymentError{Kind: KindAuthenticity}
	ErrNotFound     = &PaymentError{Kind: KindNotFound}
)

func NewValidationError(format string, args ...any) error {
	return &PaymentError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewRetryableError(msg string, err error) error {
	return &PaymentError{Kind: KindRetryable, Message: msg, Err: err}
}

func NewPermanentError(msg string, err error) error {
	return &PaymentError{Kind: KindPermanent, Message: msg, Err: err}
}

func NewAuthenticityError(msg string) error {
	return &PaymentError{Kind: KindAuthenticity, Message: msg}
}

func NewNotFoundError(format string, args ...any) error {
	return &PaymentError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first PaymentError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Reason returns the human readable message of a PaymentError, falling back
// to err.Error().
func Reason(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
