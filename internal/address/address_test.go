package address_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayslog/rskv-go/internal/address"
)

func TestNewAndComponents(t *testing.T) {
	a := address.New(3, 100)
	assert.Equal(t, uint32(3), a.Page())
	assert.Equal(t, uint32(100), a.Offset())
}

func TestInvalidDistinctFromNone(t *testing.T) {
	assert.NotEqual(t, address.None, address.Invalid)
	assert.Equal(t, uint64(0), uint64(address.None))
	assert.Equal(t, uint64(1), uint64(address.Invalid))
}

func TestOrderingIsUnsigned(t *testing.T) {
	lo := address.New(0, 10)
	hi := address.New(0, 20)
	assert.True(t, lo.Less(hi))
	assert.True(t, lo.LessOrEqual(hi))
	assert.True(t, lo.LessOrEqual(lo))

	acrossPages := address.New(1, 0)
	assert.True(t, hi.Less(acrossPages))
}

func TestAddWithinPage(t *testing.T) {
	a := address.New(5, 0)
	b := a.Add(128)
	assert.Equal(t, uint32(5), b.Page())
	assert.Equal(t, uint32(128), b.Offset())
}

func TestAddPanicsOnReservedBitOverflow(t *testing.T) {
	huge := address.Address(address.MaxAddr)
	assert.Panics(t, func() { huge.Add(1) })
}

func TestSub(t *testing.T) {
	a := address.New(2, 500)
	b := address.New(1, 0)
	require.Equal(t, a.Control()-b.Control(), a.Sub(b))
}

func TestSubUnderflowPanics(t *testing.T) {
	a := address.New(1, 0)
	b := address.New(2, 0)
	assert.Panics(t, func() { a.Sub(b) })
}

func TestCrossesPage(t *testing.T) {
	assert.False(t, address.CrossesPage(address.PageSize-10, 10))
	assert.True(t, address.CrossesPage(address.PageSize-10, 11))
}

func TestMaxPageAndOffsetFitInBudget(t *testing.T) {
	a := address.New(address.MaxPage, address.MaxOffset)
	assert.Equal(t, address.MaxPage, a.Page())
	assert.Equal(t, address.MaxOffset, a.Offset())
	assert.LessOrEqual(t, a.Control(), address.MaxAddr)
}

func TestStringer(t *testing.T) {
	assert.Equal(t, "invalid", address.Invalid.String())
	assert.Equal(t, "none", address.None.String())
	assert.Contains(t, address.New(1, 2).String(), "page=1")
}
