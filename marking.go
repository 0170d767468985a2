package pmap

// The three low bits of every word stored in a slot array are reserved
// for tagging. A word carrying kcasFlag or rdcssFlag (but not both) is
// a packed descriptor reference rather than a payload. Both bits
// together form the migration mark, which can never be confused with a
// descriptor reference because descriptors are helped to completion
// before migration marks a slot.
const (
	dirtyFlag     uint64 = 1 << 0
	kcasFlag      uint64 = 1 << 1
	rdcssFlag     uint64 = 1 << 2
	migrationFlag        = kcasFlag | rdcssFlag

	flagMask    = dirtyFlag | kcasFlag | rdcssFlag
	addressMask = ^flagMask
)

//go:nosplit
func setMark(v, mark uint64) uint64 {
	return v | mark
}

//go:nosplit
func clearMark(v, mark uint64) uint64 {
	return v &^ mark
}

//go:nosplit
func isMarked(v, mark uint64) bool {
	return v&mark == mark
}

// isDescRef reports whether v is a packed descriptor reference.
// Words with both descriptor bits set are migration-marked payloads,
// not references.
//
//go:nosplit
func isDescRef(v uint64) bool {
	return v&migrationFlag != 0 && v&migrationFlag != migrationFlag
}

//go:nosplit
func isRDCSSRef(v uint64) bool {
	return v&rdcssFlag != 0 && v&kcasFlag == 0
}

//go:nosplit
func isKCASRef(v uint64) bool {
	return v&kcasFlag != 0 && v&rdcssFlag == 0
}

// payload strips all tag bits from v.
//
//go:nosplit
func payload(v uint64) uint64 {
	return v & addressMask
}
