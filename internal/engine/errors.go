package engine

import "errors"

// ErrKeyNotFound is returned by Read when no live (non-tombstoned) record
// exists for a key.
var ErrKeyNotFound = errors.New("engine: key not found")

// ErrAllocationFailed mirrors hlog.ErrAllocationFailed at the engine's
// surface, returned when the copy-on-write path cannot reserve log space.
var ErrAllocationFailed = errors.New("engine: allocation failed")

// ErrAddressOutOfBounds is returned when a chain walk follows a
// previous-address pointer that the log can no longer resolve (neither in
// RAM nor on the storage device).
var ErrAddressOutOfBounds = errors.New("engine: address out of bounds")

// ErrPageNotFound is returned when a record's page has been evicted and the
// fallback disk read also fails to locate it (a corrupt or truncated log).
var ErrPageNotFound = errors.New("engine: page not found")

// ErrPending signals retryable back-pressure: the caller hit a page
// boundary or a lost CAS race and should simply call the operation again.
var ErrPending = errors.New("engine: pending, retry")
