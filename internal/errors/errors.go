// Package errors defines the error taxonomy shared by the stores and
// the purchase coordinator.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types. Callers classify failures with errors.Is against
// these sentinels; user-facing layers map them to their own codes.
var (
	ErrNotFound            = errors.New("not found")
	ErrNoStock             = errors.New("out of stock")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPersistence         = errors.New("persistence failure")
)

// ErrorType represents the category of a store error.
type ErrorType string

const (
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeNoStock     ErrorType = "no_stock"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeBalance     ErrorType = "balance"
	ErrorTypePersistence ErrorType = "persistence"
)

// StoreError is a structured error for store and coordinator operations.
type StoreError struct {
	Type      ErrorType
	Op        string // operation that failed (e.g. "take_key", "adjust_balance")
	Resource  string // product id, user id, or license id involved
	Err       error  // underlying error
	Timestamp time.Time
}

func (e *StoreError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is so StoreError matches its sentinel category.
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrNoStock:
		return e.Type == ErrorTypeNoStock
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrInsufficientBalance:
		return e.Type == ErrorTypeBalance
	case ErrPersistence:
		return e.Type == ErrorTypePersistence
	}

	return errors.Is(e.Err, target)
}

// New creates a StoreError.
func New(errorType ErrorType, op, resource string, err error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Op:        op,
		Resource:  resource,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Helper constructors for the common categories.

// NotFound reports a missing user, license, or product.
func NotFound(op, resource string) error {
	return New(ErrorTypeNotFound, op, resource, ErrNotFound)
}

// NoStock reports an exhausted key pool.
func NoStock(op, product string) error {
	return New(ErrorTypeNoStock, op, product, ErrNoStock)
}

// Invalid reports malformed input with a reason.
func Invalid(op, resource, reason string) error {
	return New(ErrorTypeValidation, op, resource, fmt.Errorf("%w: %s", ErrInvalidInput, reason))
}

// WrapPersistence wraps an underlying store failure with context.
func WrapPersistence(op, resource string, err error) error {
	return New(ErrorTypePersistence, op, resource, fmt.Errorf("%w: %v", ErrPersistence, err))
}

// IsPersistence reports whether an error is a persistence failure, the
// one category that triggers compensation after a side effect.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
