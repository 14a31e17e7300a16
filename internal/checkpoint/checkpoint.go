package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	fileatomic "github.com/natefinch/atomic"

	"github.com/wayslog/rskv-go/internal/engine"
)

// ErrInProgress is returned by Take when a checkpoint is already running;
// only one may run at a time.
var ErrInProgress = errors.New("checkpoint: already in progress")

// htFileName and metaFileName are the two files written under each
// checkpoints/<id>/ directory.
const (
	htFileName   = "ht.dat"
	metaFileName = "meta"
)

// Manager owns the checkpoint directory and single-flight flag for one
// store, running each checkpoint through a fixed phase order: record tail,
// shift read-only, snapshot the index, hash it, flush the log, then
// persist both files durably.
type Manager struct {
	store *engine.Store
	dir   string

	inProgress atomic.Bool
}

// NewManager binds store to a checkpoints directory rooted at dir (typically
// the store's data directory joined with "checkpoints").
func NewManager(store *engine.Store, dir string) *Manager {
	return &Manager{store: store, dir: dir}
}

// Take runs one full checkpoint cycle and returns its id, a Unix
// nanosecond timestamp formatted as a directory-safe string. Returns
// ErrInProgress if another checkpoint is already running.
func (m *Manager) Take() (string, error) {
	if !m.inProgress.CompareAndSwap(false, true) {
		return "", ErrInProgress
	}
	defer m.inProgress.Store(false)

	log := m.store.Log()
	idx := m.store.Index()

	// Phase 1: record tail as the checkpoint address. Everything written
	// from here on belongs to the next checkpoint epoch, not this one.
	checkpointAddr := log.Tail()

	// Phase 2: shift_read_only so in-place updates below checkpointAddr
	// stop mutating records this checkpoint is about to persist.
	log.ShiftReadOnly()

	// Phase 3: snapshot the index and resolve each entry's key bytes
	// through the log, since the index itself only stores tags.
	snapshot := idx.Snapshot()

	records := make([]SnapshotRecord, 0, len(snapshot))
	var keyBytesTotal uint64

	for _, e := range snapshot {
		key, ok := m.store.KeyAt(e.Address)
		if !ok {
			continue
		}

		records = append(records, SnapshotRecord{Key: append([]byte(nil), key...), Address: e.Address})
		keyBytesTotal += uint64(len(key))
	}

	// Phase 4: compute the deterministic integrity hash over the sorted
	// snapshot, before anything below can reorder or mutate it.
	hash := HashEntries(records)

	// Phase 5: flush the log up to checkpointAddr so every record the
	// snapshot references is durable on the storage device.
	if err := log.FlushUntil(checkpointAddr); err != nil {
		return "", fmt.Errorf("checkpoint: flush: %w", err)
	}

	id := strconv.FormatInt(time.Now().UnixNano(), 10)
	ckptDir := filepath.Join(m.dir, id)

	if err := os.MkdirAll(ckptDir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create directory: %w", err)
	}

	// Phase 6: persist ht.dat and meta. Both are written with
	// temp-file-then-rename so a crash mid-write never leaves a partial
	// file at the final path.
	htBuf := EncodeSnapshot(records)
	if err := fileatomic.WriteFile(filepath.Join(ckptDir, htFileName), bytes.NewReader(htBuf)); err != nil {
		return "", fmt.Errorf("checkpoint: write %s: %w", htFileName, err)
	}

	meta := Meta{
		FormatVersion: FormatVersion,
		Timestamp:     time.Now().Unix(),
		Begin:         log.Begin(),
		Head:          log.Head(),
		ReadOnly:      log.ReadOnly(),
		Tail:          checkpointAddr,
		FlushedUntil:  log.FlushedUntil(),
		EntryCount:    uint64(len(records)),
		KeyBytesTotal: keyBytesTotal,
		SnapshotHash:  hash,
	}

	if err := fileatomic.WriteFile(filepath.Join(ckptDir, metaFileName), bytes.NewReader(meta.Encode())); err != nil {
		return "", fmt.Errorf("checkpoint: write %s: %w", metaFileName, err)
	}

	return id, nil
}

// List returns every checkpoint id under dir that has both ht.dat and a
// structurally valid meta file, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", dir, err)
	}

	var ids []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		if _, _, err := loadMeta(dir, e.Name()); err != nil {
			continue
		}

		ids = append(ids, e.Name())
	}

	sort.Strings(ids)

	return ids, nil
}

// Latest returns the newest valid checkpoint id under dir, or "" if none
// exist.
func Latest(dir string) (string, error) {
	ids, err := List(dir)
	if err != nil {
		return "", err
	}

	if len(ids) == 0 {
		return "", nil
	}

	return ids[len(ids)-1], nil
}

// Cleanup removes every checkpoint directory under dir except keep; the
// store's CleanupCheckpoints calls it.
func Cleanup(dir, keep string) error {
	ids, err := List(dir)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if id == keep {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, id)); err != nil {
			return fmt.Errorf("checkpoint: remove %s: %w", id, err)
		}
	}

	return nil
}

func loadMeta(dir, id string) (Meta, []byte, error) {
	metaBuf, err := os.ReadFile(filepath.Join(dir, id, metaFileName))
	if err != nil {
		return Meta{}, nil, err
	}

	meta, err := DecodeMeta(metaBuf)
	if err != nil {
		return Meta{}, nil, err
	}

	htBuf, err := os.ReadFile(filepath.Join(dir, id, htFileName))
	if err != nil {
		return Meta{}, nil, err
	}

	return meta, htBuf, nil
}
