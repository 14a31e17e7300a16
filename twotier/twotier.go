// Package twotier composes two independent rskv.Store instances into a
// hot/cold tiered store: writes always land in hot, reads check hot first
// and fall back to cold, and RMW migrates a cold record into hot on update.
// Each tier is a complete store with its own checkpointing and GC; the
// find-or-create-then-CAS retry RMW uses to migrate a record follows the
// same tentative-insert idiom the underlying index uses for concurrent
// inserts.
package twotier

import (
	"errors"

	rskv "github.com/wayslog/rskv-go"
)

// Store composes a hot and a cold rskv.Store. Both must already be open.
type Store struct {
	hot  *rskv.Store
	cold *rskv.Store
}

// New composes hot and cold into a tiered Store.
func New(hot, cold *rskv.Store) *Store {
	return &Store{hot: hot, cold: cold}
}

// Upsert always writes to the hot tier.
func (s *Store) Upsert(key, value []byte) error {
	return s.hot.Upsert(key, value)
}

// Read checks hot first; on a hot miss it falls back to cold.
func (s *Store) Read(key []byte) ([]byte, error) {
	if s.hot.HasRecord(key) {
		return s.hot.Read(key)
	}

	return s.cold.Read(key)
}

// Delete tombstones key in hot, shadowing any record that lives only in
// cold. Unlike a standalone store's delete (a no-op on an absent key),
// this always writes the tombstone: the key may exist in cold even though
// hot has never seen it.
func (s *Store) Delete(key []byte) error {
	if s.hot.HasRecord(key) {
		return s.hot.Delete(key)
	}

	if _, err := s.hot.InsertIfAbsent(key, nil); err != nil {
		return err
	}

	return s.hot.Delete(key)
}

// ContainsKey checks hot first (a hot tombstone always wins), falling back
// to cold only when hot has never recorded the key.
func (s *Store) ContainsKey(key []byte) bool {
	if s.hot.HasRecord(key) {
		return s.hot.ContainsKey(key)
	}

	return s.cold.ContainsKey(key)
}

// RMW attempts the update in hot first. If hot has no record for key, it
// reads the current value from cold (or treats it as absent) and migrates
// the result into hot using the same tentative/CAS install f2.rs uses: if
// another goroutine installs a hot record for this key while the cold read
// is in flight, the migration is abandoned and retried from the top so the
// racing write is never silently dropped.
func (s *Store) RMW(key []byte, rmwInitial func() []byte, rmwCopy func(old []byte) []byte) error {
	for {
		if s.hot.HasRecord(key) {
			return s.hot.RMW(key, rmwInitial, rmwCopy)
		}

		oldValue, err := s.cold.Read(key)

		var newValue []byte
		switch {
		case err == nil:
			newValue = rmwCopy(oldValue)
		case errors.Is(err, rskv.ErrKeyNotFound):
			newValue = rmwInitial()
		default:
			return err
		}

		installed, err := s.hot.InsertIfAbsent(key, newValue)
		if err != nil {
			return err
		}

		if installed {
			return nil
		}

		// Lost the race: another writer installed a hot record for this key
		// while we were reading cold. Retry from the top so the fresher hot
		// record (or a fresher cold read) is taken into account.
	}
}
