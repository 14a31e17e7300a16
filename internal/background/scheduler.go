package background

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayslog/rskv-go/internal/checkpoint"
	"github.com/wayslog/rskv-go/internal/engine"
	"github.com/wayslog/rskv-go/internal/gc"
)

// maxMutableRegion and maxReadOnlyRegion are the log-maintenance thresholds:
// once the mutable region (tail - read_only) exceeds 128 MiB, shift_read_only
// runs; once the read-only region (read_only - head) exceeds 256 MiB, head
// moves halfway through it.
const (
	maxMutableRegion  = 128 << 20
	maxReadOnlyRegion = 256 << 20

	maintenanceInterval = 30 * time.Second
)

// Config tunes the scheduler's three periodic tasks.
type Config struct {
	EnableCheckpointing bool
	EnableGC            bool

	CheckpointInterval time.Duration
	GCInterval         time.Duration
	GCConfig           gc.Config

	// MinGCReclaimEstimate gates the GC task: a cycle only runs when the
	// log's current [begin, head) span is at least this large, avoiding a
	// wasted index scan when there's nothing worth reclaiming.
	MinGCReclaimEstimate uint64
}

// DefaultConfig matches the original crate's defaults: checkpoint every 5
// minutes, GC every minute (gated by the reclaim estimate), log maintenance
// every 30 seconds.
func DefaultConfig() Config {
	return Config{
		EnableCheckpointing:  true,
		EnableGC:             true,
		CheckpointInterval:   5 * time.Minute,
		GCInterval:           time.Minute,
		GCConfig:             gc.DefaultConfig(),
		MinGCReclaimEstimate: gc.DefaultConfig().MinReclaimBytes,
	}
}

// ErrAlreadyRunning is returned by Start when the scheduler is already
// active.
var ErrAlreadyRunning = errors.New("background: already running")

// Scheduler runs the three periodic maintenance tasks against one store,
// coordinating with foreground callers through a shared Gate.
type Scheduler struct {
	store *engine.Store
	ckpt  *checkpoint.Manager
	gc    *gc.Manager
	gate  *Gate
	cfg   Config

	logOut func(format string, args ...any)

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. gate must be shared with whatever code path
// foreground operations use to participate in checkpoint exclusion; pass a
// fresh *Gate if none exists yet.
func New(store *engine.Store, ckpt *checkpoint.Manager, gcMgr *gc.Manager, gate *Gate, cfg Config) *Scheduler {
	return &Scheduler{
		store:  store,
		ckpt:   ckpt,
		gc:     gcMgr,
		gate:   gate,
		cfg:    cfg,
		logOut: func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	}
}

// Gate returns the scheduler's coordination gate, for a Store façade to
// have user-facing operations acquire a shared slot around their own work.
func (s *Scheduler) Gate() *Gate { return s.gate }

// Start launches the enabled periodic tasks as background goroutines.
// Returns ErrAlreadyRunning if already started.
func (s *Scheduler) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	s.stop = make(chan struct{})

	if s.cfg.EnableCheckpointing {
		s.wg.Add(1)
		go s.runCheckpointTask()
	}

	if s.cfg.EnableGC {
		s.wg.Add(1)
		go s.runGCTask()
	}

	s.wg.Add(1)
	go s.runMaintenanceTask()

	return nil
}

// Stop signals every running task to exit and waits for them to finish.
// Idempotent: calling Stop when not running is a no-op.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stop)
	s.wg.Wait()
}

// IsRunning reports whether the scheduler's tasks are active.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

func (s *Scheduler) runCheckpointTask() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			unlock, ok := s.gate.TryLockExclusive()
			if !ok {
				s.logOut("background: skipping checkpoint, operation in progress")
				continue
			}

			_, err := s.ckpt.Take()
			unlock()

			if err != nil && !errors.Is(err, checkpoint.ErrInProgress) {
				s.logOut("background: checkpoint failed: %s", err)
			}
		}
	}
}

func (s *Scheduler) runGCTask() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.shouldRunGC() {
				continue
			}

			unlock, ok := s.gate.TryLockShared()
			if !ok {
				s.logOut("background: skipping GC, operation in progress")
				continue
			}

			_, err := s.gc.Run(s.cfg.GCConfig)
			unlock()

			if err != nil && !errors.Is(err, gc.ErrInProgress) {
				s.logOut("background: GC failed: %s", err)
			}
		}
	}
}

func (s *Scheduler) shouldRunGC() bool {
	log := s.store.Log()
	return log.Head().Sub(log.Begin()) >= s.cfg.MinGCReclaimEstimate
}

func (s *Scheduler) runMaintenanceTask() {
	defer s.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			unlock, ok := s.gate.TryLockShared()
			if !ok {
				continue
			}

			s.performMaintenance()
			unlock()
		}
	}
}

// performMaintenance mirrors perform_log_maintenance: shift read_only
// forward once the mutable region grows past maxMutableRegion, and shift
// head forward (halfway through the read-only region) once that grows past
// maxReadOnlyRegion.
func (s *Scheduler) performMaintenance() {
	log := s.store.Log()

	tail := log.Tail()
	readOnly := log.ReadOnly()
	head := log.Head()

	if tail.Sub(readOnly) > maxMutableRegion {
		newReadOnly := log.ShiftReadOnly()
		if err := log.FlushUntil(newReadOnly); err != nil {
			s.logOut("background: maintenance flush failed: %s", err)
		}
	}

	readOnlyRegion := readOnly.Sub(head)
	if readOnlyRegion > maxReadOnlyRegion {
		newHead := head.Add(readOnlyRegion / 2)
		if err := log.ShiftHead(newHead); err != nil {
			s.logOut("background: maintenance head shift failed: %s", err)
		}
	}
}
