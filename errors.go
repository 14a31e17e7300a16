package rskv

import "errors"

// Error classification sentinels. Internal errors are wrapped with
// additional context via fmt.Errorf("%w: ..."); callers should classify
// using errors.Is.
var (
	// ErrKeyNotFound is returned by Read/Delete-adjacent lookups when no
	// live record exists for a key. Read returns this rather than a zero
	// value so callers can distinguish "absent" from "present but empty".
	ErrKeyNotFound = errors.New("rskv: key not found")

	ErrAddressOutOfBounds      = errors.New("rskv: address out of bounds")
	ErrPageNotFound            = errors.New("rskv: page not found")
	ErrAllocationFailed        = errors.New("rskv: allocation failed")
	ErrIO                      = errors.New("rskv: io error")
	ErrSerialization           = errors.New("rskv: serialization error")
	ErrCheckpointFailed        = errors.New("rskv: checkpoint failed")
	ErrRecoveryFailed          = errors.New("rskv: recovery failed")
	ErrGarbageCollectionFailed = errors.New("rskv: garbage collection failed")
	ErrInvalidConfig           = errors.New("rskv: invalid config")
	ErrKeyTooLarge             = errors.New("rskv: key too large")
	ErrValueTooLarge           = errors.New("rskv: value too large")
	ErrCorruption              = errors.New("rskv: corruption")
	ErrResourceExhausted       = errors.New("rskv: resource exhausted")
	ErrTimeout                 = errors.New("rskv: timeout")

	// ErrConflict signals a lost CAS race; the core always retries these
	// internally, so callers should never observe it from a Store method.
	ErrConflict = errors.New("rskv: conflict, retry")

	// ErrPending signals retryable back-pressure (a page boundary was hit
	// mid-operation); the core retries internally after growing the log.
	ErrPending = errors.New("rskv: pending, retry")

	ErrInternal = errors.New("rskv: internal error")

	// ErrClosed is returned by any Store method called after Close.
	ErrClosed = errors.New("rskv: store is closed")

	// ErrCheckpointInProgress is returned by Checkpoint when another
	// checkpoint is already running.
	ErrCheckpointInProgress = errors.New("rskv: checkpoint already in progress")

	// ErrGCInProgress is returned by GarbageCollect when a collection
	// cycle is already running.
	ErrGCInProgress = errors.New("rskv: garbage collection already in progress")

	// ErrNoCheckpoint reports that storage_dir has no checkpoint to recover
	// from. New does not return it: a store without a checkpoint starts empty.
	ErrNoCheckpoint = errors.New("rskv: no checkpoint to recover from")
)
