package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every engine package. Callers branch on these with
// errors.Is; none of them is fatal to the process.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotWarmedUp       = errors.New("not warmed up")
	ErrNotFound          = errors.New("not found")
	ErrDeliveryFailure   = errors.New("delivery failure")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Sentinel errors for validation failures. Each one also matches ErrInvalidInput
// when wrapped in a ValidationError.
var (
	ErrEmptyAssetID    = errors.New("empty asset id")
	ErrAssetIDTooLong  = errors.New("asset id too long")
	ErrFeatureArity    = errors.New("wrong feature arity")
	ErrNonFinite       = errors.New("non-finite value")
	ErrMissingSensor   = errors.New("missing sensor reading")
	ErrOutOfRange      = errors.New("value out of range")
	ErrUnknownSeverity = errors.New("unknown severity")
	ErrMissingField    = errors.New("missing field")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

// Unwrap exposes both the specific sentinel and ErrInvalidInput.
func (e *ValidationError) Unwrap() []error { return []error{e.Wrapped, ErrInvalidInput} }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
