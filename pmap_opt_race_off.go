//go:build !race

package pmap

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Detect TSO architectures; on TSO, plain reads are safe for
// pointers and native word-sized integers
const isTSO = runtime.GOARCH == "amd64" ||
	runtime.GOARCH == "386" ||
	runtime.GOARCH == "s390x"

// TSO: plain pointer load; non-TSO: use atomic.LoadPointer
//
//go:nosplit
func loadPtr(addr *unsafe.Pointer) unsafe.Pointer {
	//goland:noinspection ALL
	if isTSO {
		return *addr
	} else {
		return atomic.LoadPointer(addr)
	}
}

// TSO: plain pointer store; non-TSO: use atomic.StorePointer
//
//go:nosplit
func storePtr(addr *unsafe.Pointer, val unsafe.Pointer) {
	//goland:noinspection ALL
	if isTSO {
		*addr = val
	} else {
		atomic.StorePointer(addr, val)
	}
}

// Aligned 64-bit slot-word load; plain on 64-bit TSO, otherwise atomic.
// Every slot word is also a CAS target, so plain loads are only legal
// where the architecture already totally orders them.
//
//go:nosplit
func loadWord(addr *uint64) uint64 {
	//goland:noinspection ALL
	if isTSO && unsafe.Sizeof(uintptr(0)) >= 8 {
		return *addr
	} else {
		return atomic.LoadUint64(addr)
	}
}

// Write to unpublished memory; atomic store not needed in
// thread-private phase
//
//go:nosplit
func storeWordFast(addr *uint64, val uint64) {
	*addr = val
}
