package twotier_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rskv "github.com/wayslog/rskv-go"
	"github.com/wayslog/rskv-go/twotier"
)

func newTier(t *testing.T, name string) *rskv.Store {
	t.Helper()

	cfg := rskv.DefaultConfig()
	cfg.StorageDir = filepath.Join(t.TempDir(), name)
	cfg.MemorySize = 32 << 20
	cfg.EnableCheckpointing = false
	cfg.EnableGC = false

	s, err := rskv.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func newTestTier(t *testing.T) (*twotier.Store, *rskv.Store, *rskv.Store) {
	t.Helper()

	hot := newTier(t, "hot")
	cold := newTier(t, "cold")

	return twotier.New(hot, cold), hot, cold
}

func TestUpsertAlwaysWritesToHot(t *testing.T) {
	tt, hot, cold := newTestTier(t)

	require.NoError(t, tt.Upsert([]byte("k"), []byte("v1")))

	assert.True(t, hot.ContainsKey([]byte("k")))
	assert.False(t, cold.ContainsKey([]byte("k")))
}

func TestReadFallsBackToColdOnHotMiss(t *testing.T) {
	tt, _, cold := newTestTier(t)

	require.NoError(t, cold.Upsert([]byte("k"), []byte("cold-v")))

	got, err := tt.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cold-v"), got)
}

func TestReadMissingEverywhereReturnsErrKeyNotFound(t *testing.T) {
	tt, _, _ := newTestTier(t)

	_, err := tt.Read([]byte("missing"))
	assert.ErrorIs(t, err, rskv.ErrKeyNotFound)
}

func TestDeleteShadowsColdOnlyRecord(t *testing.T) {
	tt, hot, cold := newTestTier(t)

	require.NoError(t, cold.Upsert([]byte("k"), []byte("cold-v")))
	require.NoError(t, tt.Delete([]byte("k")))

	_, err := tt.Read([]byte("k"))
	assert.ErrorIs(t, err, rskv.ErrKeyNotFound)
	assert.False(t, tt.ContainsKey([]byte("k")))

	// cold's own record is untouched; only the hot tombstone shadows it.
	assert.True(t, cold.ContainsKey([]byte("k")))
	assert.True(t, hot.HasRecord([]byte("k")))
}

func TestDeleteOnHotOnlyRecordIsOrdinaryDelete(t *testing.T) {
	tt, hot, _ := newTestTier(t)

	require.NoError(t, tt.Upsert([]byte("k"), []byte("v")))
	require.NoError(t, tt.Delete([]byte("k")))

	assert.False(t, hot.ContainsKey([]byte("k")))
}

func TestRMWMigratesColdRecordIntoHotWithoutMutatingCold(t *testing.T) {
	tt, hot, cold := newTestTier(t)

	require.NoError(t, cold.Upsert([]byte("k"), []byte("v1")))

	rmwCopy := func(old []byte) []byte { return append(append([]byte{}, old...), '!') }
	require.NoError(t, tt.RMW([]byte("k"), func() []byte {
		t.Fatal("rmwInitial must not run when a cold record exists")
		return nil
	}, rmwCopy))

	hotVal, err := hot.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1!"), hotVal)

	coldVal, err := cold.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), coldVal)
}

func TestRMWOnAbsentKeyUsesInitial(t *testing.T) {
	tt, hot, _ := newTestTier(t)

	require.NoError(t, tt.RMW([]byte("new"), func() []byte { return []byte("seed") }, func(old []byte) []byte {
		t.Fatal("rmwCopy must not run for a key absent from both tiers")
		return nil
	}))

	got, err := hot.Read([]byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("seed"), got)
}

func TestRMWPrefersHotRecordOverCold(t *testing.T) {
	tt, hot, cold := newTestTier(t)

	require.NoError(t, cold.Upsert([]byte("k"), []byte("stale")))
	require.NoError(t, hot.Upsert([]byte("k"), []byte("fresh")))

	rmwCopy := func(old []byte) []byte { return append(append([]byte{}, old...), "-x"...) }
	require.NoError(t, tt.RMW([]byte("k"), func() []byte {
		t.Fatal("rmwInitial must not run when hot already has a record")
		return nil
	}, rmwCopy))

	got, err := hot.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh-x"), got)
}
