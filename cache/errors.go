package cache

import (
	"errors"
	"fmt"

	"github.com/gaborage/go-bricks-datalayer/errs"
)

// Sentinel errors for cache operations.
// Use errors.Is() to check for these specific error conditions.
var (
	// ErrInvalidTTL is returned when a TTL value is negative.
	ErrInvalidTTL = errors.New("cache: invalid TTL")

	// ErrClosed is returned by StartSweeper after Close.
	ErrClosed = errors.New("cache: closed")
)

// OperationError represents a rejected cache operation.
type OperationError struct {
	Op  string // Operation that failed (e.g., "set", "sweep")
	Key string // Cache key involved in the operation
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	return fmt.Sprintf("cache operation error: %s failed for key %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Kind implements errs.Kinded; a rejected cache operation is a caller input problem.
func (e *OperationError) Kind() errs.Kind {
	return errs.KindValidation
}

// NewOperationError creates a new operation error.
func NewOperationError(op, key string, err error) *OperationError {
	return &OperationError{
		Op:  op,
		Key: key,
		Err: err,
	}
}
