// Package gc implements log-space reclamation: pick a new begin between
// the log's begin and head, drop any index entries that point below it,
// then advance the log's begin pointer to it, guarded by a single-flight AtomicBool so only one cycle
// runs at a time. The index scan is a plain sequential pass since the
// index's Snapshot already returns a consistent point-in-time copy.
package gc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/engine"
	"github.com/wayslog/rskv-go/internal/index"
)

// ErrInProgress is returned by Run when a collection cycle is already
// running.
var ErrInProgress = errors.New("gc: already in progress")

// Config tunes one collection cycle.
type Config struct {
	// MinReclaimBytes is the minimum amount of space between begin and head
	// required before a cycle does anything.
	MinReclaimBytes uint64

	// TargetUtilization is the fraction of [begin, head) to keep resident
	// after collection; the rest becomes the new begin.
	TargetUtilization float64
}

// DefaultConfig mirrors the original crate's GcConfig::default: reclaim
// once at least 64 MiB is available, keeping 70% of it.
func DefaultConfig() Config {
	return Config{
		MinReclaimBytes:   64 << 20,
		TargetUtilization: 0.7,
	}
}

// Stats summarizes one collection cycle.
type Stats struct {
	InitialBegin     address.Address
	NewBegin         address.Address
	BytesReclaimed   uint64
	EntriesProcessed int
	EntriesRemoved   int
	Duration         time.Duration
}

// Manager runs collection cycles against one store, enforcing that at most
// one runs at a time.
type Manager struct {
	store *engine.Store

	inProgress atomic.Bool

	mu        sync.Mutex
	lastStats Stats
	hasRun    bool
}

// NewManager binds a collection manager to store.
func NewManager(store *engine.Store) *Manager {
	return &Manager{store: store}
}

// LastStats returns the stats from the most recently completed cycle, and
// whether one has ever run.
func (m *Manager) LastStats() (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastStats, m.hasRun
}

// Run executes one collection cycle under cfg: computes a new begin
// address, drops index entries that now point below it, then advances the
// log's begin pointer. Returns ErrInProgress if another cycle is running.
func (m *Manager) Run(cfg Config) (Stats, error) {
	if !m.inProgress.CompareAndSwap(false, true) {
		return Stats{}, ErrInProgress
	}
	defer m.inProgress.Store(false)

	start := time.Now()

	log := m.store.Log()
	idx := m.store.Index()

	initialBegin := log.Begin()
	head := log.Head()

	newBegin := calculateNewBegin(cfg, initialBegin, head)

	if !initialBegin.Less(newBegin) {
		stats := Stats{InitialBegin: initialBegin, NewBegin: initialBegin, Duration: time.Since(start)}
		m.recordStats(stats)

		return stats, nil
	}

	processed, removed := m.cleanupIndex(idx, newBegin)

	reclaimed, err := log.AdvanceBegin(newBegin)
	if err != nil {
		return Stats{}, fmt.Errorf("gc: advance begin: %w", err)
	}

	stats := Stats{
		InitialBegin:     initialBegin,
		NewBegin:         newBegin,
		BytesReclaimed:   reclaimed,
		EntriesProcessed: processed,
		EntriesRemoved:   removed,
		Duration:         time.Since(start),
	}

	m.recordStats(stats)

	return stats, nil
}

func (m *Manager) recordStats(s Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastStats = s
	m.hasRun = true
}

// calculateNewBegin mirrors the original crate's calculate_new_begin_address:
// reclaim nothing below MinReclaimBytes of available space, otherwise move
// begin forward by (1 - TargetUtilization) of [begin, head), rounded down
// to a page boundary and clamped to head.
func calculateNewBegin(cfg Config, begin, head address.Address) address.Address {
	available := head.Sub(begin)
	if available < cfg.MinReclaimBytes {
		return begin
	}

	targetReclaim := uint64(float64(available) * (1 - cfg.TargetUtilization))
	if targetReclaim > available {
		targetReclaim = available
	}

	candidate := begin.Add(targetReclaim)
	aligned := address.New(candidate.Page(), 0)

	if head.Less(aligned) {
		aligned = address.New(head.Page(), 0)
	}

	return aligned
}

// cleanupIndex removes every index entry whose address now precedes
// newBegin, using RemoveIf's expected-address CAS so a concurrent Upsert
// that's already relinked the key to a newer address is never clobbered.
func (m *Manager) cleanupIndex(idx *index.HashMap, newBegin address.Address) (processed, removed int) {
	entries := idx.Snapshot()
	resolve := func(addr address.Address) ([]byte, bool) { return m.store.KeyAt(addr) }

	for _, e := range entries {
		if !e.Address.Less(newBegin) {
			continue
		}

		key, ok := m.store.KeyAt(e.Address)
		if !ok {
			continue
		}

		if idx.RemoveIf(key, e.Address, resolve) {
			removed++
		}
	}

	return len(entries), removed
}
