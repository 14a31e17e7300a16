package hlog_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/epoch"
	"github.com/wayslog/rskv-go/internal/hlog"
	"github.com/wayslog/rskv-go/pkg/fs"
)

func newTestLog(t *testing.T, memPages uint32) *hlog.Log {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hlog.dat")
	dev, err := device.OpenFileDevice(fs.NewReal(), path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	l, err := hlog.New(uint64(memPages)*address.PageSize, dev, epoch.New())
	require.NoError(t, err)

	return l
}

func TestAllocateThenWriteThenRead(t *testing.T) {
	l := newTestLog(t, 4)

	payload := []byte("a record's worth of bytes")
	addr, err := l.InsertRecord(payload)
	require.NoError(t, err)

	got, err := l.Read(addr, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAllocateAcrossPageBoundaryStartsFreshPage(t *testing.T) {
	l := newTestLog(t, 4)

	first, err := l.Allocate(address.PageSize - 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.Offset())

	second, err := l.Allocate(20)
	require.NoError(t, err)
	assert.Equal(t, first.Page()+1, second.Page(), "allocation past page capacity must land on the next page")
	assert.Equal(t, uint32(0), second.Offset())
}

func TestAllocateRejectsOversizeRequest(t *testing.T) {
	l := newTestLog(t, 4)

	_, err := l.Allocate(address.PageSize + 1)
	assert.ErrorIs(t, err, hlog.ErrAllocationFailed)
}

func TestShiftReadOnlyMarksPriorTailImmutable(t *testing.T) {
	l := newTestLog(t, 4)

	before := l.Tail()
	_, err := l.InsertRecord([]byte("x"))
	require.NoError(t, err)

	old := l.ShiftReadOnly()
	assert.Equal(t, before, old)
	assert.Equal(t, l.Tail(), l.ReadOnly())
}

func TestShiftHeadEvictsPagesAndFlushesFirst(t *testing.T) {
	l := newTestLog(t, 4)

	_, err := l.Allocate(address.PageSize - 1)
	require.NoError(t, err)
	second, err := l.Allocate(16)
	require.NoError(t, err)

	l.ShiftReadOnly()

	require.NoError(t, l.ShiftHead(second))
	assert.Equal(t, second, l.Head())
	assert.True(t, l.FlushedUntil().LessOrEqual(l.Head()) || l.FlushedUntil() == l.Head())
}

func TestShiftHeadRejectsPastReadOnly(t *testing.T) {
	l := newTestLog(t, 4)

	beyond := address.New(l.ReadOnly().Page()+5, 0)
	err := l.ShiftHead(beyond)
	assert.Error(t, err)
}

func TestAdvanceBeginReportsReclaimedBytes(t *testing.T) {
	l := newTestLog(t, 4)

	_, err := l.Allocate(address.PageSize - 1)
	require.NoError(t, err)
	second, err := l.Allocate(16)
	require.NoError(t, err)

	l.ShiftReadOnly()
	require.NoError(t, l.ShiftHead(second))

	reclaimed, err := l.AdvanceBegin(second)
	require.NoError(t, err)
	assert.Greater(t, reclaimed, uint64(0))
	assert.Equal(t, second, l.Begin())
}

func TestAdvanceBeginRejectsPastHead(t *testing.T) {
	l := newTestLog(t, 4)

	beyond := address.New(l.Head().Page()+5, 0)
	_, err := l.AdvanceBegin(beyond)
	assert.Error(t, err)
}

func TestReadBelowBeginFails(t *testing.T) {
	l := newTestLog(t, 4)

	below := address.New(0, 0)
	_, err := l.Read(below, 8)
	assert.ErrorIs(t, err, hlog.ErrBelowBegin)
}

func TestReadFallsBackToDiskAfterEviction(t *testing.T) {
	l := newTestLog(t, 4)

	payload := []byte("durable payload")
	addr, err := l.InsertRecord(payload)
	require.NoError(t, err)

	// Fill out the rest of addr's page, then force a move to the next page,
	// so shifting head past addr's page actually evicts it from RAM.
	_, err = l.Allocate(address.PageSize - uint32(len(payload)) - 1)
	require.NoError(t, err)
	nextPage, err := l.Allocate(16)
	require.NoError(t, err)
	require.Equal(t, addr.Page()+1, nextPage.Page())

	l.ShiftReadOnly()
	require.NoError(t, l.ShiftHead(nextPage))

	got, err := l.Read(addr, uint32(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
