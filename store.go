// Package rskv implements an embedded hybrid-log key-value storage engine:
// durable, high-throughput point operations over arbitrary byte keys and
// values, backed by a RAM+disk append-only log, a concurrent hash index,
// epoch-based reclamation, non-blocking checkpointing, and background
// garbage collection. Store is the public façade composing the internal
// packages (internal/hlog, internal/index, internal/engine,
// internal/checkpoint, internal/gc, internal/background) into a single
// programmatic interface.
package rskv

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/background"
	"github.com/wayslog/rskv-go/internal/checkpoint"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/engine"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/gc"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/internal/index"
	"github.com/wayslog/rskv-go/pkg/fs"
)

const (
	maxKeySize   = 64 << 10        // 64 KiB
	maxValueSize = address.PageSize / 2

	logFileName        = "rskv.log"
	checkpointsDirName = "checkpoints"
)

// Store is an opened key-value store. The zero value is not usable; create
// one with New.
type Store struct {
	cfg Config

	dev device.Device
	em  *epoch.Manager
	eng *engine.Store

	ckptMgr *checkpoint.Manager
	gcMgr   *gc.Manager
	sched   *background.Scheduler

	counters counters

	closed atomic.Bool
	mu      sync.Mutex
}

// New opens a store rooted at cfg.StorageDir, creating it if absent.
// If storage_dir already holds a checkpoint, the store recovers its index
// and log pointers from the latest one and replays any records written
// after it; otherwise it starts empty. Background checkpointing and GC
// start automatically when cfg enables them.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %s", ErrIO, err)
	}

	logPath := filepath.Join(cfg.StorageDir, logFileName)
	ckptDir := filepath.Join(cfg.StorageDir, checkpointsDirName)

	dev, err := openDevice(cfg, logPath)
	if err != nil {
		return nil, err
	}

	em := epoch.New()
	tableSize := tableSizeFor(cfg.MemorySize)

	var (
		log *hlog.Log
		idx *index.HashMap
	)

	result, recoverErr := checkpoint.Recover(dev, cfg.MemorySize, tableSize, em, ckptDir)
	switch {
	case recoverErr == nil:
		log, idx = result.Log, result.Index
	case errors.Is(recoverErr, checkpoint.ErrNoCheckpoint):
		log, err = hlog.New(cfg.MemorySize, dev, em)
		if err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("%w: %s", ErrInternal, err)
		}

		idx = index.NewHashMap(tableSize, em)
	default:
		_ = dev.Close()
		return nil, fmt.Errorf("%w: %s", ErrRecoveryFailed, recoverErr)
	}

	eng := engine.New(log, idx)
	ckptMgr := checkpoint.NewManager(eng, ckptDir)
	gcMgr := gc.NewManager(eng)

	s := &Store{
		cfg:     cfg,
		dev:     dev,
		em:      em,
		eng:     eng,
		ckptMgr: ckptMgr,
		gcMgr:   gcMgr,
	}

	gate := &background.Gate{}
	schedCfg := background.DefaultConfig()
	schedCfg.EnableCheckpointing = cfg.EnableCheckpointing
	schedCfg.EnableGC = cfg.EnableGC
	schedCfg.CheckpointInterval = msToDuration(cfg.CheckpointIntervalMS)
	schedCfg.GCInterval = msToDuration(cfg.GCIntervalMS)

	s.sched = background.New(eng, ckptMgr, gcMgr, gate, schedCfg)

	if cfg.EnableCheckpointing || cfg.EnableGC {
		if err := s.sched.Start(); err != nil {
			_ = dev.Close()
			return nil, fmt.Errorf("%w: %s", ErrInternal, err)
		}
	}

	return s, nil
}

func openDevice(cfg Config, logPath string) (device.Device, error) {
	var initialSize int64
	if cfg.PreallocateLog {
		initialSize = int64(cfg.LogPreallocSize)
	}

	fsys := fs.NewReal()

	if cfg.UseMmap {
		dev, err := device.OpenMmapDevice(fsys, logPath, initialSize)
		if err != nil {
			return nil, fmt.Errorf("%w: open mmap device: %s", ErrIO, err)
		}

		return dev, nil
	}

	dev, err := device.OpenFileDevice(fsys, logPath, initialSize)
	if err != nil {
		return nil, fmt.Errorf("%w: open file device: %s", ErrIO, err)
	}

	return dev, nil
}

// tableSizeFor derives a power-of-two hash table bucket count scaled to
// memory_size: roughly one bucket per 4 KiB of budgeted RAM, clamped to a
// sane range. There is no separate table-size config knob, so this follows
// the hybrid log's own sizing logic (PageSize, bucket capacity) rather
// than introducing an unrelated config option.
func tableSizeFor(memorySize uint64) uint64 {
	const (
		bytesPerBucket = 4 << 10
		minBuckets     = 1 << 12
		maxBuckets     = 1 << 24
	)

	estimate := memorySize / bytesPerBucket
	if estimate < minBuckets {
		estimate = minBuckets
	}
	if estimate > maxBuckets {
		estimate = maxBuckets
	}

	return nextPowerOfTwo(estimate)
}

func nextPowerOfTwo(n uint64) uint64 {
	if n <= 1 {
		return 1
	}

	return uint64(1) << bits.Len64(n-1)
}

func msToDuration(ms uint64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (s *Store) requireOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}

	return nil
}

func checkKeySize(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidConfig)
	}

	if len(key) > maxKeySize {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}

	return nil
}

func checkValueSize(value []byte) error {
	if len(value) > maxValueSize {
		return fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}

	return nil
}

func checkSizes(key, value []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}

	return checkValueSize(value)
}

// Upsert writes value for key, replacing any prior value.
func (s *Store) Upsert(key, value []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	if err := checkSizes(key, value); err != nil {
		return err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	s.counters.upserts.Add(1)

	if err := s.eng.Upsert(key, engine.Context{Value: value}); err != nil {
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}

	return nil
}

// Read returns the current value for key, or ErrKeyNotFound if absent.
func (s *Store) Read(key []byte) ([]byte, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	s.counters.reads.Add(1)

	value, err := s.eng.Read(key)
	if err != nil {
		if errors.Is(err, engine.ErrKeyNotFound) {
			s.counters.readMiss.Add(1)
			return nil, ErrKeyNotFound
		}

		return nil, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	s.counters.readHits.Add(1)

	return value, nil
}

// RMW atomically reads the current value for key (or treats it as absent)
// and replaces it: rmwInitial() supplies the value when key has no record,
// rmwCopy(old) derives the new value otherwise.
func (s *Store) RMW(key []byte, rmwInitial func() []byte, rmwCopy func(old []byte) []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	if err := checkKeySize(key); err != nil {
		return err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	s.counters.rmws.Add(1)

	ctx := engine.Context{RMWInitial: rmwInitial, RMWCopy: rmwCopy}
	if err := s.eng.RMW(key, ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}

	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key []byte) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	s.counters.deletes.Add(1)

	if err := s.eng.Delete(key); err != nil {
		return fmt.Errorf("%w: %s", ErrInternal, err)
	}

	return nil
}

// ContainsKey reports whether key currently has a live value.
func (s *Store) ContainsKey(key []byte) bool {
	if s.closed.Load() {
		return false
	}

	unlock := s.gate().LockShared()
	defer unlock()

	return s.eng.ContainsKey(key)
}

// HasRecord reports whether this store has ever written a record for key,
// live or tombstoned. Exported for composed stores (such as a two-tier
// hot/cold store) that need to distinguish "never written here" from
// "deleted here" to decide whether a Read/Delete should fall through to
// another tier.
func (s *Store) HasRecord(key []byte) bool {
	if s.closed.Load() {
		return false
	}

	unlock := s.gate().LockShared()
	defer unlock()

	return s.eng.HasRecord(key)
}

// InsertIfAbsent writes value for key only if this store has no record for
// it yet, reporting false (with no error) if a concurrent writer won the
// race. Exported for a composed store's RMW migration: installing a value
// read from a colder tier without clobbering a record another goroutine
// just installed there.
func (s *Store) InsertIfAbsent(key, value []byte) (bool, error) {
	if err := s.requireOpen(); err != nil {
		return false, err
	}

	if err := checkKeySize(key); err != nil {
		return false, err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	ok, err := s.eng.InsertIfAbsent(key, value)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrInternal, err)
	}

	return ok, nil
}

// Checkpoint takes a non-blocking snapshot of the store's current state,
// returning the new checkpoint's id. Returns ErrCheckpointInProgress if
// another checkpoint is already running.
func (s *Store) Checkpoint() (string, error) {
	if err := s.requireOpen(); err != nil {
		return "", err
	}

	unlock := s.gate().LockExclusive()
	defer unlock()

	id, err := s.ckptMgr.Take()
	if err != nil {
		if errors.Is(err, checkpoint.ErrInProgress) {
			return "", ErrCheckpointInProgress
		}

		return "", fmt.Errorf("%w: %s", ErrCheckpointFailed, err)
	}

	s.counters.checkpoints.Add(1)

	return id, nil
}

// GCConfig tunes one GarbageCollect cycle, mirroring internal/gc.Config at
// the public surface so callers never need to import an internal package.
type GCConfig struct {
	// MinReclaimBytes is the minimum space between begin and head required
	// before a cycle does anything.
	MinReclaimBytes uint64

	// TargetUtilization is the fraction of [begin, head) kept resident
	// after collection; the rest becomes the new begin.
	TargetUtilization float64
}

// DefaultGCConfig mirrors internal/gc.DefaultConfig: reclaim once at least
// 64 MiB is available, keeping 70% of it.
func DefaultGCConfig() GCConfig {
	d := gc.DefaultConfig()
	return GCConfig{MinReclaimBytes: d.MinReclaimBytes, TargetUtilization: d.TargetUtilization}
}

// GCStats summarizes one completed GarbageCollect cycle.
type GCStats struct {
	Begin            address.Address
	NewBegin         address.Address
	BytesReclaimed   uint64
	EntriesProcessed int
	EntriesRemoved   int
	Duration         time.Duration
}

// GarbageCollect runs one collection cycle under cfg, advancing begin and
// dropping stale index entries. Returns ErrGCInProgress if a cycle is
// already running.
func (s *Store) GarbageCollect(cfg GCConfig) (GCStats, error) {
	if err := s.requireOpen(); err != nil {
		return GCStats{}, err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	stats, err := s.gcMgr.Run(gc.Config{MinReclaimBytes: cfg.MinReclaimBytes, TargetUtilization: cfg.TargetUtilization})
	if err != nil {
		if errors.Is(err, gc.ErrInProgress) {
			return GCStats{}, ErrGCInProgress
		}

		return GCStats{}, fmt.Errorf("%w: %s", ErrGarbageCollectionFailed, err)
	}

	s.counters.gcRuns.Add(1)

	return GCStats{
		Begin:            stats.InitialBegin,
		NewBegin:         stats.NewBegin,
		BytesReclaimed:   stats.BytesReclaimed,
		EntriesProcessed: stats.EntriesProcessed,
		EntriesRemoved:   stats.EntriesRemoved,
		Duration:         stats.Duration,
	}, nil
}

// ListCheckpoints returns every checkpoint id under storage_dir, oldest
// first.
func (s *Store) ListCheckpoints() ([]string, error) {
	ids, err := checkpoint.List(filepath.Join(s.cfg.StorageDir, checkpointsDirName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIO, err)
	}

	return ids, nil
}

// CleanupCheckpoints removes every checkpoint except keep.
func (s *Store) CleanupCheckpoints(keep string) error {
	if err := checkpoint.Cleanup(filepath.Join(s.cfg.StorageDir, checkpointsDirName), keep); err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}

	return nil
}

// Close stops background tasks and releases the storage device. Further
// calls to any Store method return ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.sched.Stop()

	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}

	return nil
}

// gate returns the store's background-coordination gate, so foreground
// operations participate in the same shared/exclusive advisory lock
// checkpointing uses: exclusive while a checkpoint runs, shared for
// everyone else.
func (s *Store) gate() *background.Gate { return s.sched.Gate() }
