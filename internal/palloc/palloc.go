// Package palloc implements the fixed-page allocator used to back hash-index
// overflow buckets: a lock-free bump allocator over a dynamically grown
// array of fixed-size pages, with epoch-deferred recycling of freed slots.
//
// Go has a garbage collector, so unlike the source crate this allocator does
// not itself manage raw memory — items live in ordinary Go-managed page
// slices for their process lifetime. What it reproduces is the *logical*
// contract required by the hybrid log's hash index: a stable, dense
// (page, offset) address space for overflow buckets that can be allocated
// with a single CAS loop and recycled only after no pinned reader can still
// be chasing a pointer to the freed slot (see internal/epoch).
package palloc

import (
	"sync"
	"sync/atomic"

	"github.com/wayslog/rskv-go/internal/epoch"
)

// ItemsPerPage fixes the allocator's page size: 2^20 items per page.
const ItemsPerPage = 1 << 20

// Address identifies one item slot: page index in the high bits, offset in
// the low 20 bits. 0 is reserved to mean "no overflow bucket".
type Address uint64

const offsetBits = 20
const offsetMask = uint64(ItemsPerPage) - 1

// Invalid is the sentinel meaning "no overflow bucket allocated here".
const Invalid Address = 0

// Page returns the page index component.
func (a Address) Page() uint64 { return uint64(a) >> offsetBits }

// Offset returns the intra-page offset component.
func (a Address) Offset() uint32 { return uint32(uint64(a) & offsetMask) }

func newAddress(page uint64, offset uint32) Address {
	return Address(page<<offsetBits | uint64(offset))
}

// Allocator is a lock-free bump allocator for fixed-size items of type T.
// Every item starts as the zero value of T: pages are zero-filled on first
// use.
type Allocator[T any] struct {
	// next packs (page, offset) of the next free slot into one atomic word,
	// matching the source's CAS-increment allocation loop.
	next atomic.Uint64

	mu    sync.Mutex
	pages [][]T

	epoch    *epoch.Manager
	freeMu   sync.Mutex
	freeList []freeSlot
}

type freeSlot struct {
	addr  Address
	epoch uint64
}

// New creates an allocator whose items are reclaimed via em.
func New[T any](em *epoch.Manager) *Allocator[T] {
	return &Allocator[T]{epoch: em}
}

// Allocate reserves one item slot and returns its address and a pointer to
// the zero-valued item for the caller to populate. Lock-free on the common
// path: a free-list hit, or a bare CAS-increment that lands within the
// current page.
func (a *Allocator[T]) Allocate() (Address, *T) {
	if addr, ok := a.popFree(); ok {
		return addr, a.at(addr)
	}

	for {
		cur := a.next.Load()
		page := cur >> offsetBits
		offset := uint32(cur & offsetMask)

		if offset+1 <= ItemsPerPage {
			if a.next.CompareAndSwap(cur, cur+1) {
				addr := newAddress(page, offset)
				a.ensurePage(page)

				return addr, a.at(addr)
			}

			continue
		}

		// Offset would overflow this page: advance to the next page. The
		// allocation that performs this transition "owns" the move; any
		// leftover offsets on the old page are permanently unused, exactly
		// as the hybrid log itself treats page-boundary padding.
		next := (page + 1) << offsetBits
		a.next.CompareAndSwap(cur, next)
	}
}

// ensurePage lazily grows the backing page array up to and including page.
func (a *Allocator[T]) ensurePage(page uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for uint64(len(a.pages)) <= page {
		a.pages = append(a.pages, make([]T, ItemsPerPage))
	}
}

// at returns a pointer to the item at addr. The backing page must already
// exist (Allocate always calls ensurePage before returning an address).
func (a *Allocator[T]) at(addr Address) *T {
	a.mu.Lock()
	page := a.pages[addr.Page()]
	a.mu.Unlock()

	return &page[addr.Offset()]
}

// At returns a pointer to a previously allocated item, for callers that
// stored the Address (e.g. in an overflow-bucket pointer) and need to
// dereference it again later.
func (a *Allocator[T]) At(addr Address) *T {
	if addr == Invalid {
		return nil
	}

	return a.at(addr)
}

// FreeAtEpoch pushes addr onto the free list tagged with the epoch manager's
// current epoch; it becomes eligible for reuse by Allocate only once that
// epoch has been fully retired (no pinned reader can still observe it).
func (a *Allocator[T]) FreeAtEpoch(addr Address) {
	g := a.epoch.Pin()
	e := g.Epoch()
	g.Unpin()

	a.freeMu.Lock()
	a.freeList = append(a.freeList, freeSlot{addr: addr, epoch: e})
	a.freeMu.Unlock()
}

// popFree pops a free-list entry whose retirement epoch has passed. The
// search is linear but bounded by how much churn has occurred since the
// last successful pop; in steady state the list stays short.
func (a *Allocator[T]) popFree() (Address, bool) {
	a.freeMu.Lock()
	defer a.freeMu.Unlock()

	if len(a.freeList) == 0 {
		return Invalid, false
	}

	// A slot is safe to reuse once BumpAndDrain has advanced the epoch past
	// the one it was freed at; we approximate "retired" by requiring the
	// free-list entry's epoch to be strictly less than the manager's
	// current epoch, which Defer-based reclamation elsewhere also relies on.
	for i, f := range a.freeList {
		g := a.epoch.Pin()
		cur := g.Epoch()
		g.Unpin()

		if f.epoch < cur {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
			return f.addr, true
		}
	}

	return Invalid, false
}

// Len reports the number of item slots ever allocated (not adjusted for
// frees); exposed for tests and diagnostics.
func (a *Allocator[T]) Len() uint64 {
	cur := a.next.Load()
	page := cur >> offsetBits
	offset := uint32(cur & offsetMask)

	return page*ItemsPerPage + uint64(offset)
}
