//go:build race

package pmap

import (
	"sync/atomic"
	"unsafe"
)

// Under race detector, disable TSO optimizations and use conservative
// atomic loads/stores
const isTSO = false

// Conservative: atomic pointer load to satisfy race detector
//
//go:nosplit
func loadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	return atomic.LoadPointer(addr)
}

// Conservative: atomic pointer store to satisfy race detector
//
//go:nosplit
func storePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	atomic.StorePointer(addr, val)
}

// Conservative: atomic slot-word load to satisfy race detector
//
//go:nosplit
func loadWord(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// Under race, fast store delegates to atomic store for consistency
//
//go:nosplit
func storeWordFast(addr *uint64, val uint64) {
	atomic.StoreUint64(addr, val)
}
