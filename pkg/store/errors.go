package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/tempovec/internal/hnsw"
	"github.com/fyrsmithlabs/tempovec/internal/metric"
	"github.com/fyrsmithlabs/tempovec/internal/record"
	"github.com/fyrsmithlabs/tempovec/internal/relation"
)

// Sentinel errors surfaced across the store boundary. Callers match them
// with errors.Is.
var (
	// ErrInvalidDimensions is returned when a vector's length does not
	// match the store's configured dimensionality.
	ErrInvalidDimensions = errors.New("invalid dimensions")

	// ErrInvalidVector is returned for vectors with non-finite components,
	// zero vectors under cosine, and otherwise malformed input.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when an id is absent.
	ErrNotFound = errors.New("not found")

	// ErrTransientConflict is returned when graph locks could not be
	// acquired within the retry budget. The operation can be retried.
	ErrTransientConflict = errors.New("transient conflict")

	// ErrDeadlineExceeded is returned when an operation's deadline expired
	// before completion.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrStorage is returned for snapshot encode/decode failures.
	ErrStorage = errors.New("storage error")

	// ErrInternal indicates an invariant violation inside the store.
	ErrInternal = errors.New("internal error")
)

// mapErr translates component-level errors into the public taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	case errors.Is(err, record.ErrAlreadyExists), errors.Is(err, hnsw.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, record.ErrNotFound), errors.Is(err, hnsw.ErrNotFound), errors.Is(err, relation.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, hnsw.ErrTransientConflict):
		return fmt.Errorf("%w: %v", ErrTransientConflict, err)
	case errors.Is(err, metric.ErrDimensionMismatch):
		return fmt.Errorf("%w: %v", ErrInvalidDimensions, err)
	case errors.Is(err, metric.ErrNotFinite), errors.Is(err, metric.ErrZeroVector):
		return fmt.Errorf("%w: %v", ErrInvalidVector, err)
	default:
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
}
