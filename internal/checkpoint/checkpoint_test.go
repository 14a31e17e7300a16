package checkpoint_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/checkpoint"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/engine"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/internal/index"
	"github.com/wayslog/rskv-go/pkg/fs"
)

const testTableSize = 64

// crossPageBoundary allocates exactly enough to fill the log's current page
// and then one byte more, forcing the tail onto a fresh page. Used to force
// records onto page boundaries the flush/eviction tests need to exercise.
func crossPageBoundary(t *testing.T, s *engine.Store) {
	t.Helper()

	before := s.Log().Tail()

	_, err := s.Log().Allocate(address.PageSize - before.Offset())
	require.NoError(t, err)

	next, err := s.Log().Allocate(1)
	require.NoError(t, err)
	require.Equal(t, before.Page()+1, next.Page())
}

func newTestStore(t *testing.T, devPath string) (*engine.Store, device.Device) {
	t.Helper()

	dev, err := device.OpenFileDevice(fs.NewReal(), devPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	em := epoch.New()

	l, err := hlog.New(4*address.PageSize, dev, em)
	require.NoError(t, err)

	idx := index.NewHashMap(testTableSize, em)

	return engine.New(l, idx), dev
}

func TestTakeWritesMetaAndHtFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, filepath.Join(dir, "store.dat"))

	require.NoError(t, s.Upsert([]byte("a"), engine.Context{Value: []byte("1")}))
	require.NoError(t, s.Upsert([]byte("b"), engine.Context{Value: []byte("2")}))

	mgr := checkpoint.NewManager(s, filepath.Join(dir, "checkpoints"))

	id, err := mgr.Take()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ids, err := checkpoint.List(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	latest, err := checkpoint.Latest(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	assert.Equal(t, id, latest)
}

func TestSecondTakeProducesANewerCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, filepath.Join(dir, "store.dat"))

	require.NoError(t, s.Upsert([]byte("a"), engine.Context{Value: []byte("1")}))

	mgr := checkpoint.NewManager(s, filepath.Join(dir, "checkpoints"))

	firstID, err := mgr.Take()
	require.NoError(t, err)

	require.NoError(t, s.Upsert([]byte("c"), engine.Context{Value: []byte("3")}))

	secondID, err := mgr.Take()
	require.NoError(t, err)

	assert.NotEqual(t, firstID, secondID)

	ids, err := checkpoint.List(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{firstID, secondID}, ids)
}

func TestCleanupKeepsOnlyTheNamedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestStore(t, filepath.Join(dir, "store.dat"))
	ckptDir := filepath.Join(dir, "checkpoints")

	require.NoError(t, s.Upsert([]byte("a"), engine.Context{Value: []byte("1")}))
	mgr := checkpoint.NewManager(s, ckptDir)

	firstID, err := mgr.Take()
	require.NoError(t, err)

	require.NoError(t, s.Upsert([]byte("b"), engine.Context{Value: []byte("2")}))
	secondID, err := mgr.Take()
	require.NoError(t, err)

	require.NoError(t, checkpoint.Cleanup(ckptDir, secondID))

	ids, err := checkpoint.List(ckptDir)
	require.NoError(t, err)
	assert.Equal(t, []string{secondID}, ids)
	_ = firstID
}

func TestRecoverRestoresIndexFromLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "store.dat")
	ckptDir := filepath.Join(dir, "checkpoints")

	s, dev := newTestStore(t, devPath)

	require.NoError(t, s.Upsert([]byte("k1"), engine.Context{Value: []byte("v1")}))
	require.NoError(t, s.Upsert([]byte("k2"), engine.Context{Value: []byte("v2")}))

	// Push the tail onto a fresh page before checkpointing: k1 and k2's page
	// is then a completed page "fully contained" below the checkpoint
	// address, flushed whole.
	crossPageBoundary(t, s)

	mgr := checkpoint.NewManager(s, ckptDir)
	_, err := mgr.Take()
	require.NoError(t, err)

	require.NoError(t, dev.Flush())

	em := epoch.New()
	result, err := checkpoint.Recover(dev, 4*address.PageSize, testTableSize, em, ckptDir)
	require.NoError(t, err)

	recovered := engine.New(result.Log, result.Index)

	got, err := recovered.Read([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	got, err = recovered.Read([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestRecoverReplaysRecordsWrittenAfterTheCheckpoint(t *testing.T) {
	dir := t.TempDir()
	devPath := filepath.Join(dir, "store.dat")
	ckptDir := filepath.Join(dir, "checkpoints")

	s, dev := newTestStore(t, devPath)

	require.NoError(t, s.Upsert([]byte("k1"), engine.Context{Value: []byte("v1")}))

	// Push the tail onto a fresh page before checkpointing: everything from
	// here lands on a page the checkpoint has not flushed whole.
	crossPageBoundary(t, s)

	mgr := checkpoint.NewManager(s, ckptDir)
	_, err := mgr.Take()
	require.NoError(t, err)

	// Written after the checkpoint address was recorded, but flushed to
	// disk before the "crash" — replayForward must pick this up.
	require.NoError(t, s.Upsert([]byte("k2"), engine.Context{Value: []byte("v2")}))

	// Push the tail onto a further page so the page holding k2 is a completed
	// page fully below the flush boundary and gets copied to the device whole.
	crossPageBoundary(t, s)

	s.Log().ShiftReadOnly()
	require.NoError(t, s.Log().FlushUntil(s.Log().Tail()))
	require.NoError(t, dev.Flush())

	em := epoch.New()
	result, err := checkpoint.Recover(dev, 4*address.PageSize, testTableSize, em, ckptDir)
	require.NoError(t, err)

	recovered := engine.New(result.Log, result.Index)

	got, err := recovered.Read([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestRecoverWithNoCheckpointReturnsErrNoCheckpoint(t *testing.T) {
	dir := t.TempDir()

	em := epoch.New()
	dev, err := device.OpenFileDevice(fs.NewReal(), filepath.Join(dir, "store.dat"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	_, err = checkpoint.Recover(dev, 4*address.PageSize, testTableSize, em, filepath.Join(dir, "checkpoints"))
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

