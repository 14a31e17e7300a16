package index

import (
	"sync"

	"github.com/wayslog/rskv-go/internal/address"
)

// SimpleMap is the non-bucketed concurrent index form: a plain registry
// of structs behind a mutex. No other package in this module uses it; the
// store, checkpointing and GC all work on HashMap.
type SimpleMap struct {
	mu sync.RWMutex
	m  map[string]address.Address
}

func NewSimpleMap() *SimpleMap {
	return &SimpleMap{m: make(map[string]address.Address)}
}

func (s *SimpleMap) Find(key []byte) (address.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addr, ok := s.m[string(key)]

	return addr, ok
}

func (s *SimpleMap) Insert(key []byte, addr address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m[string(key)] = addr
}

func (s *SimpleMap) InsertIfAbsent(key []byte, addr address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[string(key)]; ok {
		return false
	}

	s.m[string(key)] = addr

	return true
}

func (s *SimpleMap) Update(key []byte, old, new address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[string(key)]
	if !ok || cur != old {
		return false
	}

	s.m[string(key)] = new

	return true
}

func (s *SimpleMap) RemoveIf(key []byte, expected address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[string(key)]
	if !ok || cur != expected {
		return false
	}

	delete(s.m, string(key))

	return true
}

// SimpleSnapshotEntry is one key/address pair captured by Snapshot.
type SimpleSnapshotEntry struct {
	Key     []byte
	Address address.Address
}

func (s *SimpleMap) Snapshot() []SimpleSnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SimpleSnapshotEntry, 0, len(s.m))

	for k, v := range s.m {
		out = append(out, SimpleSnapshotEntry{Key: []byte(k), Address: v})
	}

	return out
}

func (s *SimpleMap) Restore(entries []SimpleSnapshotEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m = make(map[string]address.Address, len(entries))

	for _, e := range entries {
		s.m[string(e.Key)] = e.Address
	}
}

func (s *SimpleMap) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.m)
}
