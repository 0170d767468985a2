//go:build pmap_opt_nondurable

package pmap

// Opt-out build for volatile media: the flush is elided, the
// dirty-bit CAS protocol stays identical to the durable default.
const durableFlush = false

func flushWord(addr *uint64) {}

func flushRegion(data []byte) error { return nil }
