package pmap

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// slotBytes is the on-file footprint of one slot: the 8-byte key word
// followed by the 8-byte value word, little-endian. The file carries
// no header; its length alone determines capacity.
const slotBytes = 16

// region is one generation's slot array, backed by a mapped file.
type region struct {
	path  string
	f     *os.File
	data  []byte
	words []uint64 // aliases data, 2 words per slot
	slots uint64
}

// createRegion makes a new generation file of the given capacity and
// initializes every slot to the never-claimed state, dirty so the
// first reader of any slot persists it. The whole region is flushed
// before the region is returned; a table must not be published over
// an unflushed region.
func createRegion(path string, slots uint64) (*region, error) {
	if slots == 0 || slots&(slots-1) != 0 {
		return nil, errors.Wrapf(ErrBadRegionSize, "capacity %d is not a power of two", slots)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "create %s: %v", path, err)
	}
	size := int64(slots) * slotBytes
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrIO, "truncate %s to %d: %v", path, size, err)
	}
	r, err := mapRegion(path, f, slots)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	for i := uint64(0); i < slots; i++ {
		storeWordFast(&r.words[2*i], setMark(kInitial, dirtyFlag))
		storeWordFast(&r.words[2*i+1], setMark(vInitial, dirtyFlag))
	}
	if err := flushRegion(r.data); err != nil {
		r.drop()
		return nil, errors.Wrapf(ErrIO, "flush new region %s: %v", path, err)
	}
	return r, nil
}

// openRegion maps an existing generation file, inferring capacity
// from its length, and repairs any partial insert: a claimed key
// whose value word never left the initial state is closed with a
// tombstone, because the insert's value CAS cannot have been observed
// before the crash.
func openRegion(path string) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	size := st.Size()
	if size <= 0 || size%slotBytes != 0 {
		_ = f.Close()
		return nil, errors.Wrapf(ErrBadRegionSize, "%s: %d bytes", path, size)
	}
	slots := uint64(size) / slotBytes
	if slots&(slots-1) != 0 {
		_ = f.Close()
		return nil, errors.Wrapf(ErrBadRegionSize, "%s: %d slots is not a power of two", path, slots)
	}
	r, err := mapRegion(path, f, slots)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.repair()
	return r, nil
}

func mapRegion(path string, f *os.File, slots uint64) (*region, error) {
	size := int(slots) * slotBytes
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "mmap %s: %v", path, err)
	}
	r := &region{
		path:  path,
		f:     f,
		data:  data,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&data[0])), slots*2),
		slots: slots,
	}
	registerRange(r.data)
	return r, nil
}

// repair runs single-threaded at reopen, before the region is
// reachable by any table.
func (r *region) repair() {
	for i := uint64(0); i < r.slots; i++ {
		k := clearMark(r.words[2*i], dirtyFlag)
		v := clearMark(r.words[2*i+1], dirtyFlag)
		if k != kInitial && v == vInitial {
			storeWordFast(&r.words[2*i+1], setMark(vTombstone, dirtyFlag))
			flushWord(&r.words[2*i+1])
		}
	}
}

func (r *region) keyAddr(i uint64) *uint64 {
	return &r.words[2*i]
}

func (r *region) valAddr(i uint64) *uint64 {
	return &r.words[2*i+1]
}

// close flushes and unmaps. The region must be unreachable first.
func (r *region) close() error {
	if err := flushRegion(r.data); err != nil {
		return errors.Wrapf(ErrIO, "flush %s: %v", r.path, err)
	}
	return r.unmap()
}

// drop unmaps without a final flush. Crash-injection tests use it to
// model power loss; regular callers want close.
func (r *region) drop() {
	_ = r.unmap()
}

func (r *region) unmap() error {
	deregisterRange(r.data)
	data := r.data
	r.data = nil
	r.words = nil
	err := unix.Munmap(data)
	cerr := r.f.Close()
	if err != nil {
		return errors.Wrapf(ErrIO, "munmap %s: %v", r.path, err)
	}
	if cerr != nil {
		return errors.Wrapf(ErrIO, "close %s: %v", r.path, cerr)
	}
	return nil
}
