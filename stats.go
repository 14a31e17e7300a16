package rskv

import (
	"sync/atomic"
	"time"

	"github.com/wayslog/rskv-go/internal/address"
)

// counters tracks the plain atomic operation counts behind Stats. No
// metrics library is wired — see DESIGN.md: Stats is a plain struct
// snapshot with no wire format or external consumer to ship it to.
type counters struct {
	upserts   atomic.Uint64
	reads     atomic.Uint64
	readHits  atomic.Uint64
	readMiss  atomic.Uint64
	rmws      atomic.Uint64
	deletes   atomic.Uint64
	checkpoints atomic.Uint64
	gcRuns    atomic.Uint64
}

// Stats is a point-in-time snapshot of a Store's operation counters and
// log geometry.
type Stats struct {
	Upserts      uint64
	Reads        uint64
	ReadHits     uint64
	ReadMisses   uint64
	RMWs         uint64
	Deletes      uint64
	Checkpoints  uint64
	GCRuns       uint64

	Begin    address.Address
	Head     address.Address
	ReadOnly address.Address
	Tail     address.Address

	LastGCBytesReclaimed uint64
	LastGCDuration       time.Duration
}

// Stats returns a snapshot of this store's operation counters and current
// four-pointer log geometry.
func (s *Store) Stats() Stats {
	log := s.eng.Log()

	stats := Stats{
		Upserts:     s.counters.upserts.Load(),
		Reads:       s.counters.reads.Load(),
		ReadHits:    s.counters.readHits.Load(),
		ReadMisses:  s.counters.readMiss.Load(),
		RMWs:        s.counters.rmws.Load(),
		Deletes:     s.counters.deletes.Load(),
		Checkpoints: s.counters.checkpoints.Load(),
		GCRuns:      s.counters.gcRuns.Load(),
		Begin:       log.Begin(),
		Head:        log.Head(),
		ReadOnly:    log.ReadOnly(),
		Tail:        log.Tail(),
	}

	if last, ok := s.gcMgr.LastStats(); ok {
		stats.LastGCBytesReclaimed = last.BytesReclaimed
		stats.LastGCDuration = last.Duration
	}

	return stats
}
