package checkpoint

import (
	"errors"
	"fmt"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/internal/index"
	"github.com/wayslog/rskv-go/internal/record"
)

// ErrNoCheckpoint is returned by Recover when dir has no valid checkpoint to
// restore from; callers should fall back to an empty store.
var ErrNoCheckpoint = errors.New("checkpoint: no checkpoint found")

// Result bundles what Recover rebuilds: a log and index ready to wrap in an
// engine.Store, plus the meta record recovery restored from.
type Result struct {
	Log   *hlog.Log
	Index *index.HashMap
	Meta  Meta
}

// Recover rebuilds a log and index from the newest valid checkpoint under
// dir, then forward-replays any records the device holds past the
// checkpoint's recorded tail — records that were durable (flushed) before a
// crash but postdate the last checkpoint. The replay loop walks forward one
// record at a time; at a header that isn't a genuine "final" record
// (unwritten space) it tries once to resume at the start of the next page,
// and stops if no record begins there.
func Recover(storage device.Device, memorySize uint64, tableSize uint64, em *epoch.Manager, dir string) (*Result, error) {
	id, err := Latest(dir)
	if err != nil {
		return nil, err
	}

	if id == "" {
		return nil, ErrNoCheckpoint
	}

	meta, htBuf, err := loadMeta(dir, id)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", id, err)
	}

	snapshot, err := DecodeSnapshot(htBuf)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", htFileName, err)
	}

	idx := index.NewHashMap(tableSize, em)
	for _, e := range snapshot {
		idx.Insert(e.Key, e.Address)
	}

	finalTail, err := replayForward(storage, idx, meta.Tail)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: forward replay: %w", err)
	}

	l, err := hlog.New(memorySize, storage, em)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: rebuild log: %w", err)
	}

	if err := l.Restore(meta.Begin, meta.Head, meta.ReadOnly, finalTail); err != nil {
		return nil, fmt.Errorf("checkpoint: restore log pointers: %w", err)
	}

	return &Result{Log: l, Index: idx, Meta: meta}, nil
}

// replayForward reads records directly off storage (not through the log,
// which has no RAM pages populated yet during recovery) starting at from,
// applying each to idx, until it reaches a record whose header isn't a
// genuine final record — the on-disk equivalent of "nothing was ever
// written here" — or runs past the device's length.
func replayForward(storage device.Device, idx *index.HashMap, from address.Address) (address.Address, error) {
	addr := from
	lastGood := from
	deviceSize := storage.Size()

	// jumpedThisPage guards against an infinite loop: a failed decode tries
	// once to resume at the next page boundary (the allocator leaves
	// unrecorded padding behind whenever a record wouldn't fit in the
	// remaining page), but two consecutive failures means real end of data.
	// lastGood tracks the last position known to end a real record, so a
	// failed jump attempt reports that instead of the speculative jump
	// target.
	jumpedThisPage := false

	for int64(addr.Control())+int64(record.PrefixSize) <= deviceSize {
		prefix := make([]byte, record.PrefixSize)

		h, keyLen, valueLen, ok := func() (record.Header, uint32, uint32, bool) {
			if _, err := storage.ReadAt(prefix, int64(addr.Control())); err != nil {
				return 0, 0, 0, false
			}

			h, err := record.DecodeHeader(prefix)
			if err != nil || !h.Final() {
				return 0, 0, 0, false
			}

			keyLen, valueLen, err := record.PeekLengths(prefix)
			if err != nil {
				return 0, 0, 0, false
			}

			return h, keyLen, valueLen, true
		}()

		if !ok {
			if jumpedThisPage {
				break
			}

			jumpedThisPage = true
			addr = address.New(addr.Page()+1, 0)

			continue
		}

		size := record.RequiredSize(int(keyLen), int(valueLen))
		if int64(addr.Control())+int64(size) > deviceSize {
			break
		}

		full := make([]byte, size)
		if _, err := storage.ReadAt(full, int64(addr.Control())); err != nil {
			break
		}

		_, key, _, err := record.Decode(full)
		if err != nil {
			break
		}

		if !h.Invalid() {
			idx.Insert(key, addr)
		}

		jumpedThisPage = false
		addr = addr.Add(uint64(size))
		lastGood = addr
	}

	return lastGood, nil
}
