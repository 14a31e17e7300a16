package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/wayslog/rskv-go/internal/address"
)

// SnapshotRecord is one (key, address) pair captured from the index at
// checkpoint time. The index itself (see internal/index) stores only tags,
// not key bytes, so the checkpoint engine resolves each live entry's key
// bytes through the log before recording it here.
type SnapshotRecord struct {
	Key     []byte
	Address address.Address
}

// EncodeSnapshot serializes a snapshot as a count-prefixed sequence of
// (keyLen uint32, key bytes, address uint64) tuples — ht.dat's format.
func EncodeSnapshot(entries []SnapshotRecord) []byte {
	size := 8
	for _, e := range entries {
		size += 4 + len(e.Key) + 8
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(entries)))

	off := 8
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e.Key)))
		off += 4
		copy(buf[off:], e.Key)
		off += len(e.Key)
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Address.Control())
		off += 8
	}

	return buf
}

// ErrSnapshotCorrupt is returned by DecodeSnapshot when the buffer's
// internal length prefixes don't add up.
var ErrSnapshotCorrupt = fmt.Errorf("checkpoint: snapshot corrupt")

// DecodeSnapshot parses a buffer previously produced by EncodeSnapshot.
func DecodeSnapshot(buf []byte) ([]SnapshotRecord, error) {
	if len(buf) < 8 {
		return nil, ErrSnapshotCorrupt
	}

	count := binary.LittleEndian.Uint64(buf[0:8])
	off := 8

	entries := make([]SnapshotRecord, 0, count)

	for i := uint64(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, ErrSnapshotCorrupt
		}

		keyLen := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4

		if off+int(keyLen)+8 > len(buf) {
			return nil, ErrSnapshotCorrupt
		}

		key := append([]byte(nil), buf[off:off+int(keyLen)]...)
		off += int(keyLen)

		addr := address.FromControl(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8

		entries = append(entries, SnapshotRecord{Key: key, Address: addr})
	}

	return entries, nil
}
