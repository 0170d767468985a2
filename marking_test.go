package pmap

import "testing"

func TestMarkHelpers(t *testing.T) {
	v := uint64(0x1234_5678_9abc_def0)
	if setMark(v, dirtyFlag) != v|1 {
		t.Fatalf("setMark dirty")
	}
	if clearMark(v|1, dirtyFlag) != v {
		t.Fatalf("clearMark dirty")
	}
	if !isMarked(v|migrationFlag, migrationFlag) {
		t.Fatalf("migration mark not detected")
	}
	if isMarked(v|kcasFlag, migrationFlag) {
		t.Fatalf("single bit must not satisfy the migration mark")
	}
	if payload(v|flagMask) != v {
		t.Fatalf("payload must strip all tag bits")
	}
}

func TestDescRefClassification(t *testing.T) {
	if !isKCASRef(uint64(makeKCASRef(3, 99))) {
		t.Fatalf("kcas ref not classified")
	}
	if !isRDCSSRef(uint64(makeRDCSSRef(3, 99))) {
		t.Fatalf("rdcss ref not classified")
	}
	if isKCASRef(uint64(makeRDCSSRef(3, 99))) || isRDCSSRef(uint64(makeKCASRef(3, 99))) {
		t.Fatalf("ref kinds must be disjoint")
	}
	// The migration mark sets both descriptor bits, so it is never a
	// reference of either kind.
	if isKCASRef(tombPrime) || isRDCSSRef(tombPrime) || isDescRef(tombPrime) {
		t.Fatalf("tombPrime misclassified as a descriptor reference")
	}
	if !isDescRef(uint64(makeKCASRef(0, 1))) || !isDescRef(uint64(makeRDCSSRef(0, 1))) {
		t.Fatalf("references must classify as descriptor references")
	}
}

func TestDescRefPacking(t *testing.T) {
	for _, tid := range []int{0, 1, 31, maxThreads - 1} {
		for _, seq := range []uint64{0, 1, 12345, refSeqMask} {
			for _, ref := range []descRef{makeKCASRef(tid, seq), makeRDCSSRef(tid, seq)} {
				if ref.tid() != tid {
					t.Fatalf("tid %d round-tripped as %d", tid, ref.tid())
				}
				if ref.seq() != seq&refSeqMask {
					t.Fatalf("seq %d round-tripped as %d", seq, ref.seq())
				}
				if uint64(ref)&dirtyFlag == 0 {
					t.Fatalf("references must be born dirty")
				}
				if ref.word()&dirtyFlag != 0 {
					t.Fatalf("word form must be clean")
				}
			}
		}
	}
}

func TestReservedPredicates(t *testing.T) {
	for _, s := range []uint64{kInitial, kTombstone, tombPrime, matchAny, noMatchOld} {
		if !IsKeyReserved(s) || !IsValueReserved(s) {
			t.Fatalf("sentinel %#x must be reserved", s)
		}
	}
	for _, v := range []uint64{0, 8, 1 << 20, (reservedBand - 8)} {
		if IsKeyReserved(v) || IsValueReserved(v) {
			t.Fatalf("%#x must be legal", v)
		}
	}
	// Anything with a tag bit set is off-limits regardless of range.
	for _, v := range []uint64{1, 2, 4, 8 | 1} {
		if !IsValueReserved(v) {
			t.Fatalf("%#x carries tag bits and must be reserved", v)
		}
	}
}

func TestPersistRoundTrip(t *testing.T) {
	w := uint64(0x100) | dirtyFlag
	if got := pcasRead(&w); got != 0x100 {
		t.Fatalf("pcasRead returned %#x", got)
	}
	if w != 0x100 {
		t.Fatalf("pcasRead must clear the dirty bit in memory, got %#x", w)
	}

	old := uint64(0x100)
	if !pcas(&w, &old, 0x200) {
		t.Fatalf("pcas must succeed on a matching word")
	}
	if w != 0x200|dirtyFlag {
		t.Fatalf("pcas must install dirty, got %#x", w)
	}
	old = 0x100
	if pcas(&w, &old, 0x300) {
		t.Fatalf("pcas must fail on a stale expectation")
	}
	if old != 0x200 {
		t.Fatalf("failed pcas must report the observed clean word, got %#x", old)
	}
}
