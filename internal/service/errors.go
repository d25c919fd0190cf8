package service

import "errors"

var (
	// ErrConflict means the requested transition is illegal or another
	// writer advanced the aggregate first. Nothing was written; the caller
	// must re-read state before retrying.
	ErrConflict = errors.New("transition conflict")

	// ErrPersistence means the store failed to commit. The transaction
	// rolled back, so no partial state exists and the call may be retried
	// as-is.
	ErrPersistence = errors.New("persistence failure")

	// ErrAggregateNotFound is returned by reads for unknown aggregates.
	ErrAggregateNotFound = errors.New("aggregate not found")
)
