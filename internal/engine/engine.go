package engine

import (
	"fmt"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/internal/index"
	"github.com/wayslog/rskv-go/internal/record"
)

// Store binds one hybrid log to one bucketed index and runs the
// Upsert/Read/RMW/Delete state machines over them.
type Store struct {
	log *hlog.Log
	idx *index.HashMap

	checkpointVersion uint16
}

// New binds log and idx into a Store.
func New(log *hlog.Log, idx *index.HashMap) *Store {
	return &Store{log: log, idx: idx}
}

// SetCheckpointVersion sets the version stamped into the header of every
// record written afterwards. No code in this module calls it, so records
// carry version 0.
func (s *Store) SetCheckpointVersion(v uint16) { s.checkpointVersion = v }

func (s *Store) resolver() index.KeyResolver {
	return func(addr address.Address) ([]byte, bool) {
		_, key, _, err := s.readRecordAt(addr)
		if err != nil {
			return nil, false
		}

		return key, true
	}
}

// readRecordAt fetches and decodes the record at addr: first its fixed
// prefix (to learn key/value lengths), then the full record.
func (s *Store) readRecordAt(addr address.Address) (record.Header, []byte, []byte, error) {
	prefix, err := s.log.Read(addr, record.PrefixSize)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %s", ErrAddressOutOfBounds, err)
	}

	keyLen, valueLen, err := record.PeekLengths(prefix)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %s", ErrAddressOutOfBounds, err)
	}

	full, err := s.log.Read(addr, record.RequiredSize(int(keyLen), int(valueLen)))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %s", ErrAddressOutOfBounds, err)
	}

	h, key, value, err := record.Decode(full)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %s", ErrAddressOutOfBounds, err)
	}

	return h, key, value, nil
}

// latestRecord finds the live entry for key and returns its address and
// decoded record, walking previous_address if an intervening node's key
// doesn't match (always terminates on the first node given this index's
// per-key entry guarantee, but the walk is kept general).
func (s *Store) latestRecord(key []byte) (address.Address, record.Header, []byte, bool) {
	addr, ok := s.idx.Find(key, s.resolver())
	if !ok {
		return address.None, 0, nil, false
	}

	for addr != address.Invalid && addr != address.None {
		h, k, v, err := s.readRecordAt(addr)
		if err != nil {
			return address.None, 0, nil, false
		}

		if string(k) == string(key) {
			return addr, h, v, true
		}

		addr = h.PreviousAddress()
	}

	return address.None, 0, nil, false
}

// Upsert implements the Upsert state machine.
func (s *Store) Upsert(key []byte, ctx Context) error {
	resolve := s.resolver()

	for {
		entryAddr, found := s.idx.Find(key, resolve)

		if found && !entryAddr.Less(s.log.ReadOnly()) {
			// Mutable region: try the in-place path first. In-place only
			// applies when the new value is the same length as the old one
			// — the record's footprint was sized for the old value and a
			// longer write would corrupt whatever follows it in the page.
			_, k, oldValue, err := s.readRecordAt(entryAddr)
			if err == nil && string(k) == string(key) && ctx.InPlace != nil {
				if newValue, ok := ctx.InPlace(oldValue); ok && len(newValue) == len(oldValue) {
					valueOffset := uint64(record.PrefixSize) + uint64(len(key))
					return s.log.Write(entryAddr.Add(valueOffset), newValue)
				}
			}
		}

		prevAddr := address.Invalid
		if found {
			prevAddr = entryAddr
		}

		header := record.NewHeader(prevAddr, s.checkpointVersion, false, false, true)
		buf := record.Encode(header, key, ctx.Value)

		newAddr, err := s.log.InsertRecord(buf)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrAllocationFailed, err)
		}

		if !found {
			if s.idx.InsertIfAbsent(key, newAddr, resolve) {
				return nil
			}
		} else if s.idx.Update(key, entryAddr, newAddr, resolve) {
			return nil
		}

		// Lost the race: mark our speculative record invalid and retry.
		s.markInvalid(newAddr, header)
	}
}

func (s *Store) markInvalid(addr address.Address, h record.Header) {
	marked := h.WithInvalid(true)

	hdrBuf := make([]byte, 8)
	record.EncodeHeader(hdrBuf, marked)
	_ = s.log.Write(addr, hdrBuf)
}

// Read implements the Read state machine.
func (s *Store) Read(key []byte) ([]byte, error) {
	_, h, value, found := s.latestRecord(key)
	if !found {
		return nil, ErrKeyNotFound
	}

	if h.Tombstone() {
		return nil, ErrKeyNotFound
	}

	return value, nil
}

// RMW implements the read-modify-write state machine.
func (s *Store) RMW(key []byte, ctx Context) error {
	resolve := s.resolver()

	for {
		entryAddr, h, oldValue, found := s.latestRecord(key)

		if found && !h.Tombstone() && !entryAddr.Less(s.log.ReadOnly()) {
			if ctx.InPlace != nil {
				if newValue, ok := ctx.InPlace(oldValue); ok && len(newValue) == len(oldValue) {
					valueOffset := uint64(record.PrefixSize) + uint64(len(key))
					return s.log.Write(entryAddr.Add(valueOffset), newValue)
				}
			}
		}

		var newValue []byte
		if found && !h.Tombstone() {
			newValue = ctx.RMWCopy(oldValue)
		} else {
			newValue = ctx.RMWInitial()
		}

		prevAddr := address.Invalid
		if found {
			prevAddr = entryAddr
		}

		header := record.NewHeader(prevAddr, s.checkpointVersion, false, false, true)
		buf := record.Encode(header, key, newValue)

		newAddr, err := s.log.InsertRecord(buf)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrAllocationFailed, err)
		}

		var linked bool
		if found {
			linked = s.idx.Update(key, entryAddr, newAddr, resolve)
		} else {
			linked = s.idx.InsertIfAbsent(key, newAddr, resolve)
		}

		if linked {
			return nil
		}

		s.markInvalid(newAddr, header)
	}
}

// Delete implements the Delete state machine.
func (s *Store) Delete(key []byte) error {
	resolve := s.resolver()

	for {
		entryAddr, h, _, found := s.latestRecord(key)
		if !found {
			return nil
		}

		if !entryAddr.Less(s.log.ReadOnly()) {
			tomb := record.NewHeader(h.PreviousAddress(), h.CheckpointVersion(), false, true, h.Final())

			hdrBuf := make([]byte, 8)
			record.EncodeHeader(hdrBuf, tomb)

			if err := s.log.Write(entryAddr, hdrBuf); err == nil {
				return nil
			}
		}

		header := record.NewHeader(entryAddr, s.checkpointVersion, false, true, true)
		buf := record.Encode(header, key, nil)

		newAddr, err := s.log.InsertRecord(buf)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrAllocationFailed, err)
		}

		if s.idx.Update(key, entryAddr, newAddr, resolve) {
			return nil
		}

		s.markInvalid(newAddr, header)
	}
}

// ContainsKey reports whether key currently has a live (non-tombstoned)
// record, without copying its value.
func (s *Store) ContainsKey(key []byte) bool {
	_, h, _, found := s.latestRecord(key)
	return found && !h.Tombstone()
}

// Log exposes the underlying hybrid log, for the checkpoint and GC engines.
func (s *Store) Log() *hlog.Log { return s.log }

// Index exposes the underlying bucketed index, for the checkpoint and GC
// engines.
func (s *Store) Index() *index.HashMap { return s.idx }

// KeyAt resolves the key bytes stored in the record at addr, for callers
// (a checkpoint's index snapshot) that only have an address
// in hand.
func (s *Store) KeyAt(addr address.Address) ([]byte, bool) {
	return s.resolver()(addr)
}

// HasRecord reports whether any record — live or tombstoned — exists for
// key in this store, distinct from ContainsKey (which reports only live
// records). Composed stores (such as a two-tier hot/cold store) need this
// distinction to tell "never written here" apart from "deleted here".
func (s *Store) HasRecord(key []byte) bool {
	_, _, _, found := s.latestRecord(key)
	return found
}


// InsertIfAbsent writes a fresh record for key only if no record currently
// exists here, reporting false (with no error) if a concurrent writer won
// the race instead. Grounded on f2.rs's find_or_create_entry +
// try_update_entry retry protocol: a composed store's RMW uses
// this to migrate a value read from the cold tier into hot without
// clobbering a record another goroutine just installed.
func (s *Store) InsertIfAbsent(key, value []byte) (bool, error) {
	resolve := s.resolver()

	if _, found := s.idx.Find(key, resolve); found {
		return false, nil
	}

	header := record.NewHeader(address.Invalid, s.checkpointVersion, false, false, true)
	buf := record.Encode(header, key, value)

	newAddr, err := s.log.InsertRecord(buf)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrAllocationFailed, err)
	}

	if s.idx.InsertIfAbsent(key, newAddr, resolve) {
		return true, nil
	}

	s.markInvalid(newAddr, header)

	return false, nil
}
