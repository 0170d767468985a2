package pmap

import (
	"sort"
	"sync/atomic"
	"unsafe"
)

// Persistent multi-word CAS. Up to kcasMaxEntries words transition
// together, driven by per-thread reusable descriptors. Install is a
// two-level protocol: an RDCSS conditions each word-level CAS on the
// owning KCAS descriptor still being undecided, then a single status
// CAS decides the whole operation. Any thread observing a descriptor
// reference helps it to completion, so a stalled owner never blocks
// readers or writers.

// KCAS status values, stored in bits 1..2 of the descriptor's
// mutable word.
const (
	statusUndecided uint64 = 0
	statusSucceeded uint64 = 1
	statusFailed    uint64 = 2
)

const (
	kcasStatusShift = 1
	kcasSeqShift    = 3
	rdcssSeqShift   = 1
)

//go:nosplit
func kcasSeqOf(m uint64) uint64 {
	return m >> kcasSeqShift & refSeqMask
}

//go:nosplit
func kcasStatusOf(m uint64) uint64 {
	return m >> kcasStatusShift & 3
}

//go:nosplit
func packKCASMutable(seq, status uint64, dirty bool) uint64 {
	m := (seq&refSeqMask)<<kcasSeqShift | status<<kcasStatusShift
	if dirty {
		m |= dirtyFlag
	}
	return m
}

//go:nosplit
func rdcssSeqOf(m uint64) uint64 {
	return m >> rdcssSeqShift & refSeqMask
}

// Word is one target of a multi-word CAS. Old and New must leave the
// three low bits clear; the engine owns those bits.
type Word struct {
	Addr *uint64
	Old  uint64
	New  uint64
}

// wordEntry is the descriptor-resident form of a Word. The owner
// fills entries between the two sequence bumps of construction;
// helpers read them only after validating the sequence, and validate
// again afterwards.
type wordEntry struct {
	addr *uint64
	old  uint64
	new  uint64
}

//go:nosplit
func (w *wordEntry) loadAddr() *uint64 {
	return (*uint64)(loadPtr((*unsafe.Pointer)(unsafe.Pointer(&w.addr))))
}

//go:nosplit
func (w *wordEntry) storeAddr(p *uint64) {
	storePtr((*unsafe.Pointer)(unsafe.Pointer(&w.addr)), unsafe.Pointer(p))
}

// kcasDesc is a per-thread reusable K-word CAS descriptor.
// mutable packs {dirty:1, status:2, seq} in one atomic word; the seq
// is bumped once before and once after (re)construction, so helpers
// holding a reference with the previous seq are invalidated atomically.
type kcasDesc struct {
	mutable atomicUint64
	count   uint64
	words   [kcasMaxEntries]wordEntry
}

// rdcssDesc is a per-thread reusable RDCSS descriptor: one
// addr/old target plus the owning KCAS reference, which carries the
// parent's (tid, seq) and is also the value to plant on success.
type rdcssDesc struct {
	mutable atomicUint64
	addr    *uint64
	old     uint64
	kref    uint64
}

//go:nosplit
func (rd *rdcssDesc) loadAddr() *uint64 {
	return (*uint64)(loadPtr((*unsafe.Pointer)(unsafe.Pointer(&rd.addr))))
}

//go:nosplit
func (rd *rdcssDesc) storeAddr(p *uint64) {
	storePtr((*unsafe.Pointer)(unsafe.Pointer(&rd.addr)), unsafe.Pointer(p))
}

type paddedKCAS struct {
	kcasDesc
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(kcasDesc{})%CacheLineSize) % CacheLineSize]byte
}

type paddedRDCSS struct {
	rdcssDesc
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(rdcssDesc{})%CacheLineSize) % CacheLineSize]byte
}

// Engine holds the descriptor pools. One Engine may back any number
// of target arrays; callers identify themselves by a thread id in
// [0, maxThreads) and must not share an id between concurrently
// running operations.
type Engine struct {
	kcas  [maxThreads]paddedKCAS
	rdcss [maxThreads]paddedRDCSS
}

func NewEngine() *Engine {
	return &Engine{}
}

// Apply atomically replaces every words[i].Old with words[i].New,
// or none of them. It returns false when any target word did not
// hold its Old value. Words are processed in ascending address
// order regardless of argument order; duplicate addresses and more
// than kcasMaxEntries words are caller errors.
func (e *Engine) Apply(tid int, words []Word) bool {
	if len(words) == 0 || len(words) > kcasMaxEntries {
		panic("pmap: Apply takes between 1 and 8 words")
	}
	sorted := make([]Word, len(words))
	copy(sorted, words)
	sort.Slice(sorted, func(i, j int) bool {
		return uintptr(unsafe.Pointer(sorted[i].Addr)) < uintptr(unsafe.Pointer(sorted[j].Addr))
	})
	for i, w := range sorted {
		if w.Old&flagMask != 0 || w.New&flagMask != 0 {
			panic("pmap: word values must leave the three low bits clear")
		}
		if i > 0 && sorted[i-1].Addr == w.Addr {
			panic("pmap: duplicate word address")
		}
	}
	d := &e.kcas[tid].kcasDesc
	seq := e.kcasCreate(d, sorted)
	return e.kcasComplete(tid, makeKCASRef(tid, seq), d)
}

// Read returns the payload currently stored at addr, helping any
// in-flight operation whose reference it observes. No descriptor
// reference ever escapes to the caller, and the returned word has
// its Dirty bit cleared.
func (e *Engine) Read(tid int, addr *uint64) uint64 {
	for {
		v := pcasRead(addr)
		if isRDCSSRef(v) {
			e.helpRDCSS(descRef(v))
			continue
		}
		if isKCASRef(v) {
			e.helpKCAS(tid, descRef(v))
			continue
		}
		return v
	}
}

// kcasCreate reinitializes the thread's descriptor for a new
// operation and returns the sequence its references must carry.
func (e *Engine) kcasCreate(d *kcasDesc, words []Word) uint64 {
	seq := kcasSeqOf(d.mutable.Load())
	seq++
	d.mutable.Store(packKCASMutable(seq, statusUndecided, false))
	storeWordFast(&d.count, uint64(len(words)))
	for i := range words {
		d.words[i].storeAddr(words[i].Addr)
		storeWordFast(&d.words[i].old, words[i].Old)
		storeWordFast(&d.words[i].new, words[i].New)
	}
	flushStruct(unsafe.Pointer(d), unsafe.Sizeof(*d))
	seq++
	d.mutable.Store(packKCASMutable(seq, statusUndecided, false))
	flushWord(d.mutable.Raw())
	return seq
}

// kcasSnapshot copies the entries of a possibly foreign descriptor.
// The sequence check before and after the copy guarantees the copy is
// of the operation the reference names, not a later reuse.
func (e *Engine) kcasSnapshot(d *kcasDesc, seq uint64) (uint64, [kcasMaxEntries]Word, bool) {
	var entries [kcasMaxEntries]Word
	if kcasSeqOf(d.mutable.Load()) != seq {
		return 0, entries, false
	}
	count := loadWord(&d.count)
	if count == 0 || count > kcasMaxEntries {
		return 0, entries, false
	}
	for i := uint64(0); i < count; i++ {
		entries[i] = Word{
			Addr: d.words[i].loadAddr(),
			Old:  loadWord(&d.words[i].old),
			New:  loadWord(&d.words[i].new),
		}
	}
	if kcasSeqOf(d.mutable.Load()) != seq {
		return 0, entries, false
	}
	return count, entries, true
}

type installResult int

const (
	installInstalled installResult = iota
	installMismatch
	installRetry
)

// kcasComplete drives a descriptor from wherever it stands to
// completion: install references, decide the status, then swing every
// reference to its final value. Both the owner and helpers run it;
// a stale sequence means the operation already completed and the
// caller should simply re-read its word.
func (e *Engine) kcasComplete(tid int, ref descRef, d *kcasDesc) bool {
	seq := ref.seq()
	count, entries, ok := e.kcasSnapshot(d, seq)
	if !ok {
		return false
	}
	m := pcasRead(d.mutable.Raw())
	if kcasSeqOf(m) != seq {
		return false
	}
	if kcasStatusOf(m) == statusUndecided {
		newStatus := statusSucceeded
	install:
		for i := uint64(0); i < count; i++ {
			spins := 0
			for {
				res := e.rdcssInstall(tid, ref, entries[i].Addr, entries[i].Old)
				if res == installInstalled {
					break
				}
				if res == installMismatch {
					newStatus = statusFailed
					break install
				}
				delay(&spins)
			}
		}
		if newStatus == statusSucceeded {
			// Persist every planted reference before deciding, so a
			// crash after the status flip never exposes an unflushed
			// install.
			for i := uint64(0); i < count; i++ {
				pcasRead(entries[i].Addr)
			}
		}
		atomic.CompareAndSwapUint64(d.mutable.Raw(),
			packKCASMutable(seq, statusUndecided, false),
			packKCASMutable(seq, newStatus, true))
	}
	m = pcasRead(d.mutable.Raw())
	if kcasSeqOf(m) != seq {
		return false
	}
	status := kcasStatusOf(m)

	// Swing installed references to their final values: New on
	// success, back to Old on failure. The reference may sit in
	// memory in dirty or clean form depending on whether a reader
	// persisted it first.
	refD := setMark(uint64(ref), dirtyFlag)
	refC := ref.word()
	for i := uint64(0); i < count; i++ {
		target := entries[i].Old
		if status == statusSucceeded {
			target = setMark(entries[i].New, dirtyFlag)
		}
		if !atomic.CompareAndSwapUint64(entries[i].Addr, refD, target) {
			atomic.CompareAndSwapUint64(entries[i].Addr, refC, target)
		}
		pcasRead(entries[i].Addr)
	}
	return status == statusSucceeded
}

// rdcssInstall plants ref at addr iff addr still holds old and the
// parent operation is still undecided. Foreign references found in
// the way are helped and the install retried.
func (e *Engine) rdcssInstall(tid int, kref descRef, addr *uint64, old uint64) installResult {
	rd := &e.rdcss[tid].rdcssDesc
	rseq := e.rdcssCreate(rd, addr, old, kref)
	rref := makeRDCSSRef(tid, rseq)
	if atomic.CompareAndSwapUint64(addr, old, uint64(rref)) {
		e.rdcssComplete(rd, rref)
		return installInstalled
	}
	v := pcasRead(addr)
	switch {
	case isRDCSSRef(v):
		e.helpRDCSS(descRef(v))
		return installRetry
	case isKCASRef(v):
		if v == kref.word() {
			// A helper already put this operation's reference here.
			return installInstalled
		}
		e.helpKCAS(tid, descRef(v))
		return installRetry
	case v == old:
		return installRetry
	default:
		return installMismatch
	}
}

func (e *Engine) rdcssCreate(rd *rdcssDesc, addr *uint64, old uint64, kref descRef) uint64 {
	seq := rdcssSeqOf(rd.mutable.Load())
	seq++
	rd.mutable.Store((seq & refSeqMask) << rdcssSeqShift)
	rd.storeAddr(addr)
	storeWordFast(&rd.old, old)
	storeWordFast(&rd.kref, uint64(kref))
	flushStruct(unsafe.Pointer(rd), unsafe.Sizeof(*rd))
	seq++
	rd.mutable.Store((seq & refSeqMask) << rdcssSeqShift)
	flushWord(rd.mutable.Raw())
	return seq
}

// rdcssComplete resolves a planted RDCSS reference: to the parent
// KCAS reference while the parent is undecided with a matching
// sequence, back to the displaced value otherwise. Safe to run from
// any thread; a reused descriptor fails the sequence check and the
// CAS below can no longer match.
func (e *Engine) rdcssComplete(rd *rdcssDesc, rref descRef) {
	rseq := rref.seq()
	if rdcssSeqOf(rd.mutable.Load()) != rseq {
		return
	}
	addr := rd.loadAddr()
	old := loadWord(&rd.old)
	kref := descRef(loadWord(&rd.kref))
	if rdcssSeqOf(rd.mutable.Load()) != rseq {
		return
	}
	kd := &e.kcas[kref.tid()].kcasDesc
	km := pcasRead(kd.mutable.Raw())
	target := old
	if kcasSeqOf(km) == kref.seq() && kcasStatusOf(km) == statusUndecided {
		target = uint64(kref)
	}
	if rdcssSeqOf(rd.mutable.Load()) != rseq {
		return
	}
	refD := setMark(uint64(rref), dirtyFlag)
	refC := rref.word()
	if !atomic.CompareAndSwapUint64(addr, refD, target) {
		atomic.CompareAndSwapUint64(addr, refC, target)
	}
}

func (e *Engine) helpRDCSS(ref descRef) {
	e.rdcssComplete(&e.rdcss[ref.tid()].rdcssDesc, ref)
}

func (e *Engine) helpKCAS(tid int, ref descRef) {
	e.kcasComplete(tid, ref, &e.kcas[ref.tid()].kcasDesc)
}

// flushStruct persists every cache line of a descriptor. Descriptors
// on the Go heap have no mapped backing, in which case this is the
// same no-op as the non-durable flush.
func flushStruct(p unsafe.Pointer, size uintptr) {
	for off := uintptr(0); off < size; off += CacheLineSize {
		flushWord((*uint64)(unsafe.Pointer(uintptr(p) + off)))
	}
}
