// Package index implements the two forms of concurrent key→address index
// in this module: a simple concurrent map (SimpleMap, which no other
// package uses), and a bucketed hot-log index using 64-byte cache-aligned
// buckets with a tentative-entry CAS protocol, packing bitfields into a
// uint64 with shift/mask constants.
package index

import "hash/maphash"

var hashSeed = maphash.MakeSeed()

// KeyHash is the 64-bit strong hash of a key. Bits [0,tableIndexBits) select
// a bucket; bits [48,62) serve as the in-bucket discriminating tag, matching
// the original HotLogKeyHash/ColdLogKeyHash split.
type KeyHash uint64

// HashKey computes the strong hash of key used to index and tag entries.
func HashKey(key []byte) KeyHash {
	return KeyHash(maphash.Bytes(hashSeed, key))
}

const tagBits = 14
const tagShift = 48
const tagMask = uint64(1)<<tagBits - 1

// TableIndex truncates the hash to an index into a table of the given
// power-of-two size.
func (h KeyHash) TableIndex(tableSize uint64) uint64 {
	return uint64(h) & (tableSize - 1)
}

// Tag returns the in-bucket discriminator used to disambiguate entries that
// land in the same bucket.
func (h KeyHash) Tag() uint16 {
	return uint16((uint64(h) >> tagShift) & tagMask)
}
