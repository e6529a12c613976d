package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is matched by every validation failure; these are never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable means the backing store could not be reached.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrJobNotFound = errors.New("indexing job not found")

	// ErrUnitNotFound is returned by operations that require an existing unit.
	ErrUnitNotFound = errors.New("content unit not found")

	// ErrStaleRun rejects progress reported by a run that has since been
	// superseded by a newer Initialize.
	ErrStaleRun = errors.New("stale indexing run")

	// ErrJobFinalized rejects a second Finalize of the same run.
	ErrJobFinalized = errors.New("indexing job already finalized")

	// ErrIngestInProgress is returned when another run holds the collection lock.
	ErrIngestInProgress = errors.New("ingest already in progress")
)

// ValidationError describes a bad argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

// DimensionMismatchError indicates a vector whose length differs from the
// store's declared dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrInvalidInput }

// SystemicError aborts an ingest run before any batch is processed.
type SystemicError struct {
	Op  string
	Err error
}

func (e *SystemicError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemicError) Unwrap() error { return e.Err }

// CheckDim validates vec against dim. A zero dim disables the check.
func CheckDim(vec []float32, dim int) error {
	if dim > 0 && len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(vec)}
	}
	return nil
}

// ValidateIdentity rejects empty keys.
func ValidateIdentity(collectionKey, unitKey string) error {
	if err := ValidateCollectionKey(collectionKey); err != nil {
		return err
	}
	if unitKey == "" {
		return &ValidationError{Field: "unit_key", Reason: "must not be empty"}
	}
	return nil
}

// ValidateCollectionKey rejects empty or whitespace-padded keys.
func ValidateCollectionKey(collectionKey string) error {
	if collectionKey == "" {
		return &ValidationError{Field: "collection_key", Reason: "must not be empty"}
	}
	for _, r := range collectionKey {
		if r == '\n' || r == '\r' || r == '\t' || r == 0 {
			return &ValidationError{Field: "collection_key", Reason: "contains control characters"}
		}
	}
	if collectionKey[0] == ' ' || collectionKey[len(collectionKey)-1] == ' ' {
		return &ValidationError{Field: "collection_key", Reason: "has leading or trailing spaces"}
	}
	return nil
}
