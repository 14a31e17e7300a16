// Package background implements the periodic checkpoint/GC/log-maintenance
// scheduler, coordinated with foreground operations through an advisory
// read/write gate: one goroutine per enabled task, ticker-driven, each
// holding the gate's shared slot while running, with checkpointing taking
// the exclusive slot instead.
package background

import "sync"

// Gate is the advisory lock background tasks and foreground operations
// coordinate through: a checkpoint holds it exclusively (nothing else may
// run concurrently with a snapshot), everything else — GC, log maintenance,
// and ordinary Upsert/Read/RMW/Delete callers who opt in — holds it shared.
type Gate struct {
	mu sync.RWMutex
}

// LockExclusive blocks until the gate is free of any shared or exclusive
// holder, then returns the matching unlock function.
func (g *Gate) LockExclusive() func() {
	g.mu.Lock()
	return g.mu.Unlock
}

// TryLockExclusive attempts to acquire the gate exclusively without
// blocking, for background tasks that would rather skip a cycle than stall
// behind a foreground caller.
func (g *Gate) TryLockExclusive() (unlock func(), ok bool) {
	if !g.mu.TryLock() {
		return nil, false
	}

	return g.mu.Unlock, true
}

// LockShared blocks until no exclusive holder is active.
func (g *Gate) LockShared() func() {
	g.mu.RLock()
	return g.mu.RUnlock
}

// TryLockShared attempts to acquire the gate in shared mode without
// blocking.
func (g *Gate) TryLockShared() (unlock func(), ok bool) {
	if !g.mu.TryRLock() {
		return nil, false
	}

	return g.mu.RUnlock, true
}
