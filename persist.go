package pmap

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// The persist protocol: every CAS installs its new value with the
// Dirty bit set; the first observer of a dirty word flushes the cache
// line holding it and CAS-clears the bit. A word is durable once its
// Dirty bit is clear, so no reader may act on a dirty word without
// persisting it first.

// persist flushes the cache line containing addr, fences, and clears
// the Dirty bit. value is the word as observed, tag bits included.
// Returns the clean word.
func persist(addr *uint64, value uint64) uint64 {
	flushWord(addr)
	clean := clearMark(value, dirtyFlag)
	if value&dirtyFlag != 0 {
		// Losing this CAS means another observer already cleared it.
		atomic.CompareAndSwapUint64(addr, value, clean)
	}
	return clean
}

// pcasRead loads a word, persisting it first if it is dirty.
// The returned word never carries the Dirty bit.
func pcasRead(addr *uint64) uint64 {
	v := loadWord(addr)
	if v&dirtyFlag != 0 {
		return persist(addr, v)
	}
	return v
}

// pcas reads addr through the persist barrier, then attempts to
// replace *old with new|Dirty. On failure *old is updated with the
// currently observed word, read through the persist barrier so it is
// clean, mirroring the CAS idiom the retry loops are written against.
func pcas(addr *uint64, old *uint64, new uint64) bool {
	pcasRead(addr)
	if atomic.CompareAndSwapUint64(addr, *old, setMark(new, dirtyFlag)) {
		return true
	}
	*old = pcasRead(addr)
	return false
}

// Mapped-region registry. persist must be able to find the backing
// byte range of any slot word so the durable flush can msync it.
// Registration happens only at region open/close, so a RWMutex on
// this path costs nothing on the hot path's read side.
var (
	regionMu sync.RWMutex
	mapped   []mappedRange
)

type mappedRange struct {
	start uintptr
	data  []byte
}

func registerRange(data []byte) {
	if len(data) == 0 {
		return
	}
	start := uintptr(unsafe.Pointer(&data[0]))
	regionMu.Lock()
	mapped = append(mapped, mappedRange{start: start, data: data})
	sort.Slice(mapped, func(i, j int) bool { return mapped[i].start < mapped[j].start })
	regionMu.Unlock()
}

func deregisterRange(data []byte) {
	if len(data) == 0 {
		return
	}
	start := uintptr(unsafe.Pointer(&data[0]))
	regionMu.Lock()
	for i := range mapped {
		if mapped[i].start == start {
			mapped = append(mapped[:i], mapped[i+1:]...)
			break
		}
	}
	regionMu.Unlock()
}

// lookupRange returns the mapped byte range containing p and p's
// offset within it, or nil when p is not region-backed (descriptor
// words live on the heap and have nothing to msync).
func lookupRange(p uintptr) ([]byte, uintptr) {
	regionMu.RLock()
	defer regionMu.RUnlock()
	i := sort.Search(len(mapped), func(i int) bool { return mapped[i].start > p })
	if i == 0 {
		return nil, 0
	}
	r := mapped[i-1]
	off := p - r.start
	if off >= uintptr(len(r.data)) {
		return nil, 0
	}
	return r.data, off
}
