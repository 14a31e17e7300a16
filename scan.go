package rskv

import "bytes"

// KV is one key/value pair returned by a scan.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanAll returns every live key/value pair currently in the store. This is
// a full, unordered sweep of the hash index, meant to make data inspectable
// rather than to be fast on a large keyspace; there is no optimized range
// iteration.
func (s *Store) ScanAll() ([]KV, error) {
	return s.scan(nil)
}

// ScanPrefix returns every live key/value pair whose key starts with
// prefix.
func (s *Store) ScanPrefix(prefix []byte) ([]KV, error) {
	return s.scan(prefix)
}

func (s *Store) scan(prefix []byte) ([]KV, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	unlock := s.gate().LockShared()
	defer unlock()

	entries := s.eng.Index().Snapshot()

	seen := make(map[string]struct{}, len(entries))
	results := make([]KV, 0, len(entries))

	for _, e := range entries {
		key, ok := s.eng.KeyAt(e.Address)
		if !ok {
			continue
		}

		if prefix != nil && !bytes.HasPrefix(key, prefix) {
			continue
		}

		keyStr := string(key)
		if _, dup := seen[keyStr]; dup {
			continue
		}
		seen[keyStr] = struct{}{}

		value, err := s.eng.Read(key)
		if err != nil {
			// Tombstoned or since-superseded by a chain walk; skip it.
			continue
		}

		results = append(results, KV{Key: key, Value: value})
	}

	return results, nil
}
