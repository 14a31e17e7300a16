package index

import (
	"sync"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/palloc"
)

// KeyResolver compares the full key bytes stored at a candidate address
// against the lookup key, disambiguating tag collisions. The hybrid log
// supplies this by reading the record's key off the log; the index itself
// never stores key bytes, using a strong hash and falling back to
// key-byte comparison on collisions.
type KeyResolver func(addr address.Address) (key []byte, ok bool)

// HashMap is the bucketed hot-log index: a fixed power-of-two-sized table
// of Buckets, with overflow buckets chained through internal/palloc, using
// a tentative find-or-create protocol for concurrent inserts.
type HashMap struct {
	mu      sync.RWMutex // guards table replacement (resize); not the hot path
	table   []Bucket
	overflow *palloc.Allocator[OverflowBucket]
	epoch   *epoch.Manager
}

// NewHashMap creates a HashMap with tableSize buckets (must be a power of
// two) backed by em for overflow-bucket reclamation.
func NewHashMap(tableSize uint64, em *epoch.Manager) *HashMap {
	return &HashMap{
		table:    make([]Bucket, tableSize),
		overflow: palloc.New[OverflowBucket](em),
		epoch:    em,
	}
}

func (m *HashMap) tableSize() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.table))
}

func (m *HashMap) bucketAt(idx uint64) *Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &m.table[idx]
}

// Find returns the address mapped to key, if any non-tentative entry with a
// matching tag resolves to it via resolve.
func (m *HashMap) Find(key []byte, resolve KeyResolver) (address.Address, bool) {
	g := m.epoch.Pin()
	defer g.Unpin()

	h := HashKey(key)
	bucket := m.bucketAt(h.TableIndex(m.tableSize()))
	tag := h.Tag()

	for b := bucket; b != nil; b = m.nextOverflow(b) {
		for i := range b.entries {
			e := b.entries[i].Load()
			if e.Unused() || e.Tentative() || e.Tag() != tag {
				continue
			}

			if k, ok := resolve(e.Address()); ok && string(k) == string(key) {
				return e.Address(), true
			}
		}
	}

	return address.None, false
}

func (m *HashMap) nextOverflow(b *Bucket) *Bucket {
	ov := b.overflow.Load()
	if ov.Unused() {
		return nil
	}

	return m.overflow.At(ov.Address())
}

// Insert unconditionally links key to addr, storing a final entry directly
// in a free slot with no tentative step and no conflict check — used when
// the caller already knows no live entry for this key exists, e.g.
// restoring from a checkpoint.
func (m *HashMap) Insert(key []byte, addr address.Address) {
	m.insertEntry(key, NewEntry(addr, HashKey(key).Tag(), false))
}

// InsertIfAbsent implements find_or_create_entry: it finds a live entry for
// key, or creates one atomically. Returns false if an entry for this exact
// key already existed (addr is left unmodified by this call in that case).
//
// Two callers racing to create the *same* key can both reserve distinct
// tentative slots before either finalizes; a re-scan that only looks at
// already-finalized entries (like Find) would miss that race entirely and
// let both finalize. So the conflict check here walks the whole bucket
// chain — tentative entries included — resolving each same-tag entry's
// key; only a genuine conflict (another entry, finalized or not, that
// resolves to this same key) causes us to abandon and retry.
func (m *HashMap) InsertIfAbsent(key []byte, addr address.Address, resolve KeyResolver) bool {
	g := m.epoch.Pin()
	defer g.Unpin()

	h := HashKey(key)

	for {
		if _, ok := m.Find(key, resolve); ok {
			return false
		}

		tentative := NewEntry(addr, h.Tag(), true)

		slot := m.reserveSlot(h)
		if slot == nil {
			return false
		}

		if !slot.CompareAndSwap(0, tentative) {
			continue
		}

		if m.hasConflictingEntry(h, key, addr, resolve) {
			slot.CompareAndSwap(tentative, 0)
			continue
		}

		slot.CompareAndSwap(tentative, tentative.Finalized())

		return true
	}
}

// hasConflictingEntry reports whether some entry other than addr — tentative
// or finalized — in key's bucket chain resolves to key.
func (m *HashMap) hasConflictingEntry(h KeyHash, key []byte, addr address.Address, resolve KeyResolver) bool {
	tag := h.Tag()
	bucket := m.bucketAt(h.TableIndex(m.tableSize()))

	for b := bucket; b != nil; b = m.nextOverflow(b) {
		for i := range b.entries {
			e := b.entries[i].Load()
			if e.Unused() || e.Tag() != tag || e.Address() == addr {
				continue
			}

			if k, ok := resolve(e.Address()); ok && string(k) == string(key) {
				return true
			}
		}
	}

	return false
}

// insertEntry finds a free (unused) slot in key's bucket chain, growing an
// overflow bucket if the chain is full, and stores entry there directly
// (no tentative step — used only when the caller guarantees exclusivity).
func (m *HashMap) insertEntry(key []byte, entry Entry) {
	h := HashKey(key)
	slot := m.reserveSlot(h)

	if slot != nil {
		slot.Store(entry)
	}
}

// reserveSlot walks key's bucket chain looking for an empty slot to CAS
// into, extending the chain with a fresh palloc overflow bucket if every
// existing bucket in the chain is full.
func (m *HashMap) reserveSlot(h KeyHash) *AtomicEntry {
	bucket := m.bucketAt(h.TableIndex(m.tableSize()))

	for {
		for i := range bucket.entries {
			if bucket.entries[i].Load().Unused() {
				return &bucket.entries[i]
			}
		}

		ov := bucket.overflow.Load()
		if !ov.Unused() {
			bucket = m.overflow.At(ov.Address())
			continue
		}

		newAddr, newBucket := m.overflow.Allocate()
		if !bucket.overflow.CompareAndSwap(ov, NewOverflowEntry(newAddr)) {
			// Lost the race to extend the chain; someone else linked a
			// bucket. Defer our unused allocation and retry against
			// whichever bucket is now linked.
			m.overflow.FreeAtEpoch(newAddr)
			continue
		}

		bucket = newBucket
	}
}

// Update performs a compare-and-swap: succeeds only if the live mapping
// for key is exactly old, installing new in its place.
func (m *HashMap) Update(key []byte, old, new address.Address, resolve KeyResolver) bool {
	g := m.epoch.Pin()
	defer g.Unpin()

	h := HashKey(key)
	bucket := m.bucketAt(h.TableIndex(m.tableSize()))
	tag := h.Tag()

	for b := bucket; b != nil; b = m.nextOverflow(b) {
		for i := range b.entries {
			e := b.entries[i].Load()
			if e.Unused() || e.Tentative() || e.Tag() != tag || e.Address() != old {
				continue
			}

			if k, ok := resolve(old); !ok || string(k) != string(key) {
				continue
			}

			return b.entries[i].CompareAndSwap(e, NewEntry(new, tag, false))
		}
	}

	return false
}

// RemoveIf removes key's entry iff its current mapping is exactly expected.
func (m *HashMap) RemoveIf(key []byte, expected address.Address, resolve KeyResolver) bool {
	g := m.epoch.Pin()
	defer g.Unpin()

	h := HashKey(key)
	bucket := m.bucketAt(h.TableIndex(m.tableSize()))
	tag := h.Tag()

	for b := bucket; b != nil; b = m.nextOverflow(b) {
		for i := range b.entries {
			e := b.entries[i].Load()
			if e.Unused() || e.Tentative() || e.Tag() != tag || e.Address() != expected {
				continue
			}

			if k, ok := resolve(expected); !ok || string(k) != string(key) {
				continue
			}

			return b.entries[i].CompareAndSwap(e, 0)
		}
	}

	return false
}

// Snapshot captures every live (non-tentative, non-unused) entry's tag and
// address for checkpointing. It does not record key bytes; the checkpoint
// engine is responsible for either relying on the log's own key bytes at
// recovery or rehashing during forward replay.
type SnapshotEntry struct {
	BucketIndex uint64
	SlotIndex   int
	Tag         uint16
	Address     address.Address
}

func (m *HashMap) Snapshot() []SnapshotEntry {
	g := m.epoch.Pin()
	defer g.Unpin()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SnapshotEntry

	for bi := range m.table {
		for b := &m.table[bi]; b != nil; b = m.nextOverflow(b) {
			for si := range b.entries {
				e := b.entries[si].Load()
				if e.Unused() || e.Tentative() {
					continue
				}

				out = append(out, SnapshotEntry{BucketIndex: uint64(bi), SlotIndex: si, Tag: e.Tag(), Address: e.Address()})
			}
		}
	}

	return out
}

// Restore repopulates the table from a prior Snapshot, used by checkpoint
// recovery. The table must already be sized via NewHashMap with the
// snapshot's original table size.
func (m *HashMap) Restore(entries []SnapshotEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, se := range entries {
		if se.BucketIndex >= uint64(len(m.table)) {
			continue
		}

		b := &m.table[se.BucketIndex]
		if se.SlotIndex < len(b.entries) {
			b.entries[se.SlotIndex].Store(NewEntry(se.Address, se.Tag, false))
		}
	}
}

// TableSize reports the number of top-level buckets, for diagnostics.
func (m *HashMap) TableSize() uint64 { return m.tableSize() }
