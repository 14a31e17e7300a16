// Package checkpoint implements the non-blocking checkpoint protocol and
// forward-replay recovery: snapshot the index, flush the log up to the
// snapshot's address, and persist both to a checkpoint directory. Meta
// files use a packed binary header with a CRC32-Castagnoli footer and are
// rewritten atomically via github.com/natefinch/atomic, so a checkpoint is
// either fully durable or not observed at all.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/wayslog/rskv-go/internal/address"
)

// FormatVersion is the on-disk meta format version written by this
// package; recovery refuses to load a meta file with a newer version.
const FormatVersion = 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Meta is the fixed-size binary record written to checkpoints/<id>/meta.
type Meta struct {
	FormatVersion uint32
	Timestamp     int64
	Begin         address.Address
	Head          address.Address
	ReadOnly      address.Address
	Tail          address.Address
	FlushedUntil  address.Address
	EntryCount    uint64
	KeyBytesTotal uint64
	SnapshotHash  uint64
}

// metaEncodedSize is every fixed field's byte width summed: 4+8+8*5+8+8+8,
// plus a trailing 4-byte CRC32-Castagnoli over everything before it.
const metaEncodedSize = 4 + 8 + 8*5 + 8 + 8 + 8

// Encode serializes m into its on-disk form, little-endian, with a
// trailing CRC32-Castagnoli checksum over the preceding bytes.
func (m Meta) Encode() []byte {
	buf := make([]byte, metaEncodedSize+4)

	binary.LittleEndian.PutUint32(buf[0:4], m.FormatVersion)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(m.Timestamp))
	binary.LittleEndian.PutUint64(buf[12:20], m.Begin.Control())
	binary.LittleEndian.PutUint64(buf[20:28], m.Head.Control())
	binary.LittleEndian.PutUint64(buf[28:36], m.ReadOnly.Control())
	binary.LittleEndian.PutUint64(buf[36:44], m.Tail.Control())
	binary.LittleEndian.PutUint64(buf[44:52], m.FlushedUntil.Control())
	binary.LittleEndian.PutUint64(buf[52:60], m.EntryCount)
	binary.LittleEndian.PutUint64(buf[60:68], m.KeyBytesTotal)
	binary.LittleEndian.PutUint64(buf[68:76], m.SnapshotHash)

	crc := crc32.Checksum(buf[:metaEncodedSize], crcTable)
	binary.LittleEndian.PutUint32(buf[metaEncodedSize:], crc)

	return buf
}

// ErrMetaCorrupt is returned by DecodeMeta when the trailing CRC doesn't
// match, or the buffer is short.
var ErrMetaCorrupt = fmt.Errorf("checkpoint: meta corrupt")

// ErrUnsupportedVersion is returned when a meta file's format version is
// newer than this build knows how to read.
var ErrUnsupportedVersion = fmt.Errorf("checkpoint: unsupported meta format version")

// DecodeMeta parses and validates a Meta previously written by Encode.
func DecodeMeta(buf []byte) (Meta, error) {
	if len(buf) != metaEncodedSize+4 {
		return Meta{}, ErrMetaCorrupt
	}

	want := binary.LittleEndian.Uint32(buf[metaEncodedSize:])
	got := crc32.Checksum(buf[:metaEncodedSize], crcTable)

	if want != got {
		return Meta{}, ErrMetaCorrupt
	}

	m := Meta{
		FormatVersion: binary.LittleEndian.Uint32(buf[0:4]),
		Timestamp:     int64(binary.LittleEndian.Uint64(buf[4:12])),
		Begin:         address.FromControl(binary.LittleEndian.Uint64(buf[12:20])),
		Head:          address.FromControl(binary.LittleEndian.Uint64(buf[20:28])),
		ReadOnly:      address.FromControl(binary.LittleEndian.Uint64(buf[28:36])),
		Tail:          address.FromControl(binary.LittleEndian.Uint64(buf[36:44])),
		FlushedUntil:  address.FromControl(binary.LittleEndian.Uint64(buf[44:52])),
		EntryCount:    binary.LittleEndian.Uint64(buf[52:60]),
		KeyBytesTotal: binary.LittleEndian.Uint64(buf[60:68]),
		SnapshotHash:  binary.LittleEndian.Uint64(buf[68:76]),
	}

	if m.FormatVersion > FormatVersion {
		return Meta{}, ErrUnsupportedVersion
	}

	return m, nil
}

// HashEntries computes a deterministic integrity hash over a sorted
// snapshot: CRC32-Castagnoli folded into 64 bits by hashing the sorted
// (key, address) byte encoding.
func HashEntries(entries []SnapshotRecord) uint64 {
	sorted := append([]SnapshotRecord(nil), entries...)

	// Sort by key bytes for determinism across runs that might snapshot the
	// index's buckets in different orders.
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})

	var buf bytes.Buffer

	for _, e := range sorted {
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(e.Key)))
		buf.Write(lenPrefix[:])
		buf.Write(e.Key)

		var addrBuf [8]byte
		binary.LittleEndian.PutUint64(addrBuf[:], e.Address.Control())
		buf.Write(addrBuf[:])
	}

	raw := buf.Bytes()

	lo := crc32.Checksum(raw, crcTable)

	half := len(raw)/2 + 1
	if half > len(raw) {
		half = len(raw)
	}

	hi := crc32.Checksum(raw[:half], crcTable)

	return uint64(hi)<<32 | uint64(lo)
}
