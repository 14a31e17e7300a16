// Package engine implements the Upsert/Read/RMW/Delete operation-core
// state machines, parameterized by Context so the engine never needs to
// know the shape of a caller's value type. Records are linked into
// per-key chains via previous-address pointers, walked during Read/RMW,
// and installed using the tentative CAS protocol internal/index provides
// for find-or-create.
package engine

// Context decouples the engine from a specific value representation. A
// caller's Upsert/RMW supplies one Context per call.
type Context struct {
	// Value is the new value to write for Upsert. Ignored by RMW (which
	// derives its value from RMWInitial/RMWCopy instead).
	Value []byte

	// InPlace attempts to apply this context's update to an existing
	// in-place (mutable-region) record's value bytes, returning the new
	// value and whether the update could be applied without reallocating.
	// A nil InPlace always forces the copy-on-write path.
	InPlace func(oldValue []byte) (newValue []byte, ok bool)

	// RMWInitial produces the value to write when no prior record for the
	// key exists.
	RMWInitial func() []byte

	// RMWCopy derives the new value from the prior live value for RMW; a
	// tombstoned or absent key uses RMWInitial instead.
	RMWCopy func(oldValue []byte) []byte
}
