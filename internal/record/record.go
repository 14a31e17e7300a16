// Package record implements the on-log record format: an 8-byte packed
// header (previous-address pointer, checkpoint version, invalid/tombstone/
// final bits) followed by the key and value lengths and then the key and
// value bytes, padded to an 8-byte boundary.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/wayslog/rskv-go/internal/address"
)

// Header bit layout (low to high): 48-bit previous address, 13-bit
// checkpoint version, 1-bit invalid, 1-bit tombstone, 1-bit final.
const (
	prevAddressBits      = 48
	checkpointVersionBits = 13

	prevAddressMask      = uint64(1)<<prevAddressBits - 1
	checkpointVersionMask = uint64(1)<<checkpointVersionBits - 1

	checkpointVersionShift = prevAddressBits
	invalidShift           = checkpointVersionShift + checkpointVersionBits
	tombstoneShift         = invalidShift + 1
	finalShift             = tombstoneShift + 1
)

// Header is the 8-byte packed record header.
type Header uint64

// NewHeader packs the given fields into a Header.
func NewHeader(previous address.Address, checkpointVersion uint16, invalid, tombstone, final bool) Header {
	control := previous.Control()
	control |= (uint64(checkpointVersion) & checkpointVersionMask) << checkpointVersionShift

	if invalid {
		control |= 1 << invalidShift
	}

	if tombstone {
		control |= 1 << tombstoneShift
	}

	if final {
		control |= 1 << finalShift
	}

	return Header(control)
}

// PreviousAddress returns the header's chain-back pointer.
func (h Header) PreviousAddress() address.Address {
	return address.FromControl(uint64(h) & prevAddressMask)
}

// CheckpointVersion returns the checkpoint version this record was written
// under.
func (h Header) CheckpointVersion() uint16 {
	return uint16((uint64(h) >> checkpointVersionShift) & checkpointVersionMask)
}

// Invalid reports whether the record was abandoned (failed CAS) and must be
// skipped by readers.
func (h Header) Invalid() bool { return (uint64(h)>>invalidShift)&1 != 0 }

// WithInvalid returns a copy of h with the invalid bit set/cleared. The
// invalid bit (marking a losing CAS attempt's record dead) and the
// tombstone bit (an in-place Delete in the mutable region) are the only
// header fields mutated in place post-write.
func (h Header) WithInvalid(invalid bool) Header {
	if invalid {
		return Header(uint64(h) | 1<<invalidShift)
	}

	return Header(uint64(h) &^ (1 << invalidShift))
}

// Tombstone reports whether this record signifies deletion of its key.
func (h Header) Tombstone() bool { return (uint64(h)>>tombstoneShift)&1 != 0 }

// Final reports whether the final bit is set. The engine sets it on every
// record it writes, and recovery's forward replay treats a header without
// it as unwritten space.
func (h Header) Final() bool { return (uint64(h)>>finalShift)&1 != 0 }

// headerSize and lengthFieldSize are the two fixed 8-byte prefixes: the
// packed header, then the (keyLen, valueLen) uint32 pair.
const (
	headerSize      = 8
	lengthFieldSize = 8
	prefixSize      = headerSize + lengthFieldSize
)

// RequiredSize returns the total on-disk size, in bytes, of a record with
// the given key and value lengths: header + length-prefix + key + value,
// padded up to the next 8-byte boundary. Writer and reader both call this
// helper so the two never disagree about a record's footprint.
func RequiredSize(keyLen, valueLen int) uint32 {
	raw := uint64(prefixSize) + uint64(keyLen) + uint64(valueLen)
	return uint32(align8(raw))
}

func align8(x uint64) uint64 { return (x + 7) &^ 7 }

// Encode serializes header, key and value into a freshly allocated buffer
// of RequiredSize(len(key), len(value)) bytes.
func Encode(h Header, key, value []byte) []byte {
	size := RequiredSize(len(key), len(value))
	buf := make([]byte, size)
	EncodeInto(buf, h, key, value)

	return buf
}

// EncodeInto serializes into a caller-provided buffer, which must be at
// least RequiredSize(len(key), len(value)) bytes. Any trailing alignment
// padding is left zeroed.
func EncodeInto(buf []byte, h Header, key, value []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(value)))
	copy(buf[prefixSize:], key)
	copy(buf[prefixSize+len(key):], value)
}

// ErrShortBuffer is returned by Decode when buf is too small to hold a full
// record header and length prefix.
var ErrShortBuffer = fmt.Errorf("record: buffer shorter than header")

// Decode parses a header, key and value out of buf. The returned key and
// value slices alias buf; callers that need to retain them past buf's
// lifetime (e.g. past an mmap unmap) must copy.
func Decode(buf []byte) (h Header, key, value []byte, err error) {
	if len(buf) < prefixSize {
		return 0, nil, nil, ErrShortBuffer
	}

	h = Header(binary.LittleEndian.Uint64(buf[0:8]))
	keyLen := binary.LittleEndian.Uint32(buf[8:12])
	valueLen := binary.LittleEndian.Uint32(buf[12:16])

	need := uint64(prefixSize) + uint64(keyLen) + uint64(valueLen)
	if uint64(len(buf)) < need {
		return 0, nil, nil, ErrShortBuffer
	}

	key = buf[prefixSize : prefixSize+keyLen]
	value = buf[prefixSize+keyLen : prefixSize+keyLen+valueLen]

	return h, key, value, nil
}

// PeekLengths reads just the key and value lengths out of a record's first
// prefixSize bytes, letting a caller that only has a record's address (and
// not its total size) work out how many more bytes to fetch before calling
// Decode.
func PeekLengths(prefix []byte) (keyLen, valueLen uint32, err error) {
	if len(prefix) < prefixSize {
		return 0, 0, ErrShortBuffer
	}

	return binary.LittleEndian.Uint32(prefix[8:12]), binary.LittleEndian.Uint32(prefix[12:16]), nil
}

// PrefixSize is the number of leading bytes Decode needs before it can
// determine a record's total length (the header plus the length fields).
const PrefixSize = prefixSize

// DecodeHeader reads only the 8-byte header, for callers (e.g. recovery's
// forward replay) that don't need the key/value payload.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return 0, ErrShortBuffer
	}

	return Header(binary.LittleEndian.Uint64(buf[0:8])), nil
}

// EncodeHeader overwrites just the header word in place, used to flip the
// invalid bit on an already-written record without touching key/value
// bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h))
}
