//go:build !pmap_opt_nondurable

package pmap

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Durable flushing is the default build. The pmap_opt_nondurable tag
// elides the flush for benchmarking on volatile media; the dirty-bit
// CAS protocol is identical in both builds.
const durableFlush = true

var flushPageSize = uintptr(os.Getpagesize())

// flushWord msyncs the page range covering the cache line that holds
// addr. Words outside any registered region (descriptor pools on the
// Go heap) have no backing file and nothing to sync.
func flushWord(addr *uint64) {
	data, off := lookupRange(uintptr(unsafe.Pointer(addr)))
	if data == nil {
		return
	}
	lo := off &^ (flushPageSize - 1)
	hi := (off + CacheLineSize + flushPageSize - 1) &^ (flushPageSize - 1)
	if hi > uintptr(len(data)) {
		hi = uintptr(len(data))
	}
	_ = unix.Msync(data[lo:hi], unix.MS_SYNC)
}

// flushRegion syncs an entire mapped region. Used at region creation
// and close, where failures must surface.
func flushRegion(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
