package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/record"
)

func TestHeaderPacksAndUnpacksFields(t *testing.T) {
	prev := address.New(7, 1234)
	h := record.NewHeader(prev, 99, false, true, false)

	assert.Equal(t, prev, h.PreviousAddress())
	assert.Equal(t, uint16(99), h.CheckpointVersion())
	assert.False(t, h.Invalid())
	assert.True(t, h.Tombstone())
	assert.False(t, h.Final())
}

func TestWithInvalidTogglesOnlyThatBit(t *testing.T) {
	prev := address.New(1, 1)
	h := record.NewHeader(prev, 3, false, true, false)

	marked := h.WithInvalid(true)
	assert.True(t, marked.Invalid())
	assert.True(t, marked.Tombstone(), "marking invalid must not clear tombstone")
	assert.Equal(t, prev, marked.PreviousAddress())
	assert.Equal(t, uint16(3), marked.CheckpointVersion())

	cleared := marked.WithInvalid(false)
	assert.False(t, cleared.Invalid())
}

func TestRequiredSizeIs8ByteAligned(t *testing.T) {
	for _, tc := range []struct{ keyLen, valueLen int }{
		{0, 0}, {1, 1}, {3, 5}, {16, 0}, {0, 100}, {200, 1},
	} {
		size := record.RequiredSize(tc.keyLen, tc.valueLen)
		assert.Equal(t, uint32(0), size%8, "keyLen=%d valueLen=%d", tc.keyLen, tc.valueLen)
		assert.GreaterOrEqual(t, size, uint32(tc.keyLen+tc.valueLen))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	prev := address.New(2, 55)
	h := record.NewHeader(prev, 7, false, false, false)
	key := []byte("the-key")
	value := []byte("a somewhat longer value payload")

	buf := record.Encode(h, key, value)
	assert.Equal(t, int(record.RequiredSize(len(key), len(value))), len(buf))

	gotHeader, gotKey, gotValue, err := record.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, value, gotValue)
}

func TestEncodeDecodeEmptyKeyAndValue(t *testing.T) {
	h := record.NewHeader(address.Invalid, 0, false, true, false)
	buf := record.Encode(h, nil, nil)

	gotHeader, gotKey, gotValue, err := record.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, h, gotHeader)
	assert.Empty(t, gotKey)
	assert.Empty(t, gotValue)
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, _, _, err := record.Decode(make([]byte, 4))
	assert.ErrorIs(t, err, record.ErrShortBuffer)

	h := record.NewHeader(address.Invalid, 0, false, false, false)
	buf := record.Encode(h, []byte("key"), []byte("value"))
	_, _, _, err = record.Decode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, record.ErrShortBuffer)
}

func TestDecodeHeaderAndEncodeHeaderInPlace(t *testing.T) {
	prev := address.New(0, 10)
	h := record.NewHeader(prev, 1, false, false, false)
	buf := record.Encode(h, []byte("k"), []byte("v"))

	got, err := record.DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	marked := h.WithInvalid(true)
	record.EncodeHeader(buf, marked)

	got, err = record.DecodeHeader(buf)
	require.NoError(t, err)
	assert.True(t, got.Invalid())

	_, key, value, err := record.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("k"), key)
	assert.Equal(t, []byte("v"), value)
}

func TestRequiredSizeMatchesEncodedLength(t *testing.T) {
	h := record.NewHeader(address.New(100, 200), 42, true, true, true)
	key := make([]byte, 37)
	value := make([]byte, 129)

	buf := record.Encode(h, key, value)
	assert.Equal(t, record.RequiredSize(len(key), len(value)), uint32(len(buf)))
}
