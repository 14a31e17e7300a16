package index

import (
	"sync/atomic"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/palloc"
)

// Entry is one packed hash-bucket slot: a 47-bit address, a 1-bit
// read-cache marker (reserved — this engine has no read cache yet but
// preserves the bit per the original layout), a 14-bit tag, and a 1-bit
// tentative marker, with one reserved high bit. Mirrors
// HashBucketEntry/HotLogIndexBucketEntryDef from hash_bucket.rs.
type Entry uint64

const (
	entryAddressBits = 47
	entryAddressMask = uint64(1)<<entryAddressBits - 1

	readCacheShift = entryAddressBits
	entryTagShift  = readCacheShift + 1
	tentativeShift = entryTagShift + tagBits
)

// Unused reports the zero entry, the bucket-slot sentinel for "empty".
func (e Entry) Unused() bool { return e == 0 }

// NewEntry packs an address, tag and tentative flag into an Entry.
func NewEntry(addr address.Address, tag uint16, tentative bool) Entry {
	control := addr.Control() & entryAddressMask
	control |= (uint64(tag) & tagMask) << entryTagShift

	if tentative {
		control |= 1 << tentativeShift
	}

	return Entry(control)
}

func (e Entry) Address() address.Address {
	return address.FromControl(uint64(e) & entryAddressMask)
}

func (e Entry) Tag() uint16 {
	return uint16((uint64(e) >> entryTagShift) & tagMask)
}

func (e Entry) Tentative() bool { return (uint64(e)>>tentativeShift)&1 != 0 }

// Finalized returns a copy of e with the tentative bit cleared, the last
// step of the tentative-entry CAS protocol.
func (e Entry) Finalized() Entry { return Entry(uint64(e) &^ (1 << tentativeShift)) }

// AtomicEntry is a cache-line-friendly atomic wrapper around Entry.
type AtomicEntry struct {
	v atomic.Uint64
}

func (a *AtomicEntry) Load() Entry { return Entry(a.v.Load()) }

func (a *AtomicEntry) Store(e Entry) { a.v.Store(uint64(e)) }

func (a *AtomicEntry) CompareAndSwap(old, new Entry) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}

// OverflowEntry points a bucket's overflow slot at a palloc-allocated
// overflow bucket; zero means "no overflow bucket chained".
type OverflowEntry uint64

func (e OverflowEntry) Unused() bool { return e == 0 }

func (e OverflowEntry) Address() palloc.Address { return palloc.Address(e) }

func NewOverflowEntry(addr palloc.Address) OverflowEntry { return OverflowEntry(addr) }

// AtomicOverflowEntry is the atomic wrapper for a bucket's overflow slot.
type AtomicOverflowEntry struct {
	v atomic.Uint64
}

func (a *AtomicOverflowEntry) Load() OverflowEntry { return OverflowEntry(a.v.Load()) }

func (a *AtomicOverflowEntry) Store(e OverflowEntry) { a.v.Store(uint64(e)) }

func (a *AtomicOverflowEntry) CompareAndSwap(old, new OverflowEntry) bool {
	return a.v.CompareAndSwap(uint64(old), uint64(new))
}
