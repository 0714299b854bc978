package batchpool

import "errors"

var (
	// ErrValidation marks malformed input rejected before anything is persisted.
	ErrValidation = errors.New("batchpool: validation failed")
	// ErrNotFound marks an unknown job or item id.
	ErrNotFound = errors.New("batchpool: not found")
	// ErrInvalidState marks an operation attempted from an illegal state.
	ErrInvalidState = errors.New("batchpool: invalid state transition")
	// ErrPersistence marks a store that is unreachable or rejected a write.
	ErrPersistence = errors.New("batchpool: persistence failure")
	// ErrLeaseHeld marks a job whose execution lease belongs to another live owner.
	ErrLeaseHeld = errors.New("batchpool: job lease held by another owner")
	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("batchpool: store closed")
)
