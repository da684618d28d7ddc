package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both "absent" and "not visible to the caller".
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is a sequence allocation race; the store retries it before surfacing.
	ErrConflict = errors.New("sequence conflict")
	// ErrTransport marks a failed real-time publish. It never fails a write.
	ErrTransport = errors.New("transport error")
)

// ValidationError rejects a request before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PaymentError is returned when the payment collaborator fails or times out.
// The tip request stays pending and the caller may retry.
type PaymentError struct {
	Op  string
	Err error
}

func (e *PaymentError) Error() string { return "payment " + e.Op + ": " + e.Err.Error() }

func (e *PaymentError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsPayment reports whether err is (or wraps) a PaymentError.
func IsPayment(err error) bool {
	var p *PaymentError
	return errors.As(err, &p)
}
