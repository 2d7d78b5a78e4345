package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every adapter. Wrapping types below satisfy
// errors.Is against these sentinels.
var (
	// ErrStoreUnavailable reports connectivity or timeout failures against a
	// graph or vector store. Always recoverable by fallback.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDimensionMismatch reports a vector whose length differs from the
	// configured store dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrValidation reports malformed input rejected at ingestion.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamAPI reports a failure of the issue tracker fallback.
	ErrUpstreamAPI = errors.New("upstream api error")

	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports a write rejected by existing data, such as a
	// duplicate feedback ID. Retrying the same write fails again.
	ErrConflict = errors.New("conflict")
)

// StoreError wraps a store failure with the backend and operation.
type StoreError struct {
	Store string
	Op    string
	Err   error
}

// NewStoreError wraps err as an ErrStoreUnavailable condition.
func NewStoreError(store, op string, err error) *StoreError {
	return &StoreError{Store: store, Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Store, e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DimensionError reports the expected and actual vector length.
type DimensionError struct {
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%v: expected %d, got %d", ErrDimensionMismatch, e.Expected, e.Actual)
}

func (e *DimensionError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// CheckDimension returns a DimensionError when len(vec) != want.
func CheckDimension(vec []float32, want int) error {
	if len(vec) != want {
		return &DimensionError{Expected: want, Actual: len(vec)}
	}
	return nil
}

// UpstreamError wraps an issue tracker failure.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrUpstreamAPI, e.Err)
}

func (e *UpstreamError) Unwrap() []error {
	return []error{ErrUpstreamAPI, e.Err}
}

// IsStoreUnavailable reports whether err is a store connectivity failure.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
