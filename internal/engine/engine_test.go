package engine_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/engine"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/internal/index"
	"github.com/wayslog/rskv-go/pkg/fs"
)

func newTestStore(t *testing.T) *engine.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "store.dat")
	dev, err := device.OpenFileDevice(fs.NewReal(), path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	em := epoch.New()

	l, err := hlog.New(4*address.PageSize, dev, em)
	require.NoError(t, err)

	idx := index.NewHashMap(64, em)

	return engine.New(l, idx)
}

func TestUpsertThenRead(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert([]byte("k1"), engine.Context{Value: []byte("v1")}))

	got, err := s.Read([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestReadMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read([]byte("missing"))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
}

func TestUpsertOverwritesPriorValue(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert([]byte("k"), engine.Context{Value: []byte("first")}))
	require.NoError(t, s.Upsert([]byte("k"), engine.Context{Value: []byte("second-value")}))

	got, err := s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second-value"), got)
}

func TestUpsertInPlaceWhenSameLength(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert([]byte("counter"), engine.Context{Value: []byte{0, 0, 0, 0}}))

	inPlace := func(old []byte) ([]byte, bool) {
		next := make([]byte, len(old))
		copy(next, old)
		next[3]++

		return next, true
	}

	require.NoError(t, s.Upsert([]byte("counter"), engine.Context{Value: []byte{0, 0, 0, 1}, InPlace: inPlace}))

	got, err := s.Read([]byte("counter"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, got)
}

func TestDeleteThenReadIsNotFound(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert([]byte("k"), engine.Context{Value: []byte("v")}))
	require.NoError(t, s.Delete([]byte("k")))

	_, err := s.Read([]byte("k"))
	assert.ErrorIs(t, err, engine.ErrKeyNotFound)
	assert.False(t, s.ContainsKey([]byte("k")))
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete([]byte("never-existed")))
}

func TestUpsertAfterDeleteResurrectsKey(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert([]byte("k"), engine.Context{Value: []byte("v1")}))
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.Upsert([]byte("k"), engine.Context{Value: []byte("v2")}))

	got, err := s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestRMWInitialWhenKeyAbsent(t *testing.T) {
	s := newTestStore(t)

	ctx := engine.Context{
		RMWInitial: func() []byte { return []byte{1} },
		RMWCopy:    func(old []byte) []byte { return []byte{old[0] + 1} },
	}

	require.NoError(t, s.RMW([]byte("ctr"), ctx))

	got, err := s.Read([]byte("ctr"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
}

func TestRMWCopyAccumulates(t *testing.T) {
	s := newTestStore(t)

	ctx := engine.Context{
		RMWInitial: func() []byte { return []byte{1} },
		RMWCopy:    func(old []byte) []byte { return []byte{old[0] + 1} },
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RMW([]byte("ctr"), ctx))
	}

	got, err := s.Read([]byte("ctr"))
	require.NoError(t, err)
	assert.Equal(t, []byte{5}, got)
}

func TestRMWAfterDeleteUsesInitial(t *testing.T) {
	s := newTestStore(t)

	ctx := engine.Context{
		RMWInitial: func() []byte { return []byte{100} },
		RMWCopy:    func(old []byte) []byte { return []byte{old[0] + 1} },
	}

	require.NoError(t, s.RMW([]byte("k"), ctx))
	require.NoError(t, s.Delete([]byte("k")))
	require.NoError(t, s.RMW([]byte("k"), ctx))

	got, err := s.Read([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte{100}, got, "RMW after a delete must treat the key as absent")
}

func TestMultipleKeysDoNotInterfere(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 50; i++ {
		key := []byte{'k', byte(i)}
		require.NoError(t, s.Upsert(key, engine.Context{Value: []byte{byte(i), byte(i + 1)}}))
	}

	for i := 0; i < 50; i++ {
		key := []byte{'k', byte(i)}
		got, err := s.Read(key)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, got)
	}
}
