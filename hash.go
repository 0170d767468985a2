package pmap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Hasher maps a key to a 64-bit hash. The table only ever uses the
// low bits (index = hash & (len-1)), so a hasher must spread entropy
// into them.
type Hasher func(key uint64) uint64

// defaultHasher hashes the key's 8 little-endian bytes with xxhash.
func defaultHasher(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return xxhash.Sum64(b[:])
}

// identityHasher maps every key to itself. Useless for real data but
// handy to force collision floods deterministically.
func identityHasher(key uint64) uint64 {
	return key
}

// reprobeBase bounds probing on small tables; larger tables tolerate
// a quarter of their length in reprobes before giving up.
const reprobeBase = 10

//go:nosplit
func reprobeLimit(length uint64) uint64 {
	return reprobeBase + length>>2
}
