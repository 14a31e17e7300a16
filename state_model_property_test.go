package rskv_test

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	rskv "github.com/wayslog/rskv-go"
)

// model is a deliberately simple in-memory reference for the store's
// publicly observable key/value behavior: a missing map entry means
// "not found", exactly like a tombstoned or never-written key in the
// real store.
type model struct {
	kv map[string][]byte
}

func newModel() *model { return &model{kv: make(map[string][]byte)} }

func (m *model) upsert(key, value []byte) {
	m.kv[string(key)] = append([]byte(nil), value...)
}

func (m *model) read(key []byte) ([]byte, bool) {
	v, ok := m.kv[string(key)]
	return v, ok
}

func (m *model) delete(key []byte) {
	delete(m.kv, string(key))
}

func (m *model) rmwAppend(key []byte, suffix string) {
	if v, ok := m.kv[string(key)]; ok {
		m.kv[string(key)] = append(append([]byte(nil), v...), suffix...)
	} else {
		m.kv[string(key)] = []byte("seed:" + suffix)
	}
}

// opKind enumerates the operations the property test drives through both
// the model and the real store.
type opKind int

const (
	opUpsert opKind = iota
	opRead
	opDelete
	opRMWAppend
)

func randKey(r *rand.Rand, universe []string) string {
	return universe[r.Intn(len(universe))]
}

// TestStoreMatchesModelProperty runs the same randomized operation sequence
// against a simple in-memory model and against a real store, asserting
// every Read's observable result agrees.
func TestStoreMatchesModelProperty(t *testing.T) {
	universe := []string{"a", "b", "c", "d", "e"}

	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			cfg := rskv.DefaultConfig()
			cfg.StorageDir = filepath.Join(t.TempDir(), "store")
			cfg.MemorySize = 32 << 20
			cfg.EnableCheckpointing = false
			cfg.EnableGC = false

			store, err := rskv.New(cfg)
			require.NoError(t, err)
			defer store.Close()

			m := newModel()
			r := rand.New(rand.NewSource(seed))

			for i := 0; i < 200; i++ {
				key := []byte(randKey(r, universe))

				switch opKind(r.Intn(4)) {
				case opUpsert:
					value := []byte(fmt.Sprintf("v%d", r.Intn(1000)))
					m.upsert(key, value)
					require.NoError(t, store.Upsert(key, value))

				case opRead:
					wantValue, wantOK := m.read(key)
					gotValue, err := store.Read(key)

					if !wantOK {
						assertNotFound(t, err)
						continue
					}

					require.NoError(t, err)
					if diff := cmp.Diff(wantValue, gotValue); diff != "" {
						t.Fatalf("read(%s) mismatch (-model +store):\n%s", key, diff)
					}

				case opDelete:
					m.delete(key)
					require.NoError(t, store.Delete(key))

				case opRMWAppend:
					suffix := fmt.Sprintf("-%d", r.Intn(10))
					m.rmwAppend(key, suffix)
					require.NoError(t, store.RMW(key,
						func() []byte { return []byte("seed:" + suffix) },
						func(old []byte) []byte { return append(append([]byte(nil), old...), suffix...) },
					))
				}
			}

			// Final full comparison: every key the model still holds must read
			// back identically from the store, and every key the model has
			// forgotten must be absent from the store.
			for _, key := range universe {
				wantValue, wantOK := m.read([]byte(key))
				gotValue, err := store.Read([]byte(key))

				if !wantOK {
					assertNotFound(t, err)
					continue
				}

				require.NoError(t, err)
				if diff := cmp.Diff(wantValue, gotValue); diff != "" {
					t.Fatalf("final read(%s) mismatch (-model +store):\n%s", key, diff)
				}
			}
		})
	}
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	if !errors.Is(err, rskv.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
