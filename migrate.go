package pmap

import (
	"sync/atomic"
	"unsafe"
)

// minCopyChunk is the number of slots one helper claims per visit.
// Small tables are copied in a single claim.
const minCopyChunk = 1024

// tableFull reports whether a probe sequence that has already crossed
// the small-table bound should give up on this generation. The slots
// counter includes closed slots, so a table full of tombstones still
// reads as full and forces a cleansing resize.
func (c *chm) tableFull(reprobes, length uint64) bool {
	return reprobes >= reprobeBase &&
		c.slots.Load() >= reprobeLimit(length)
}

// resize returns the successor table, installing a freshly allocated
// generation when none exists yet. Many threads may race here; one
// CAS picks the winner and every loser discards its speculative file.
func (c *chm) resize(m *Map, t *table) (*table, error) {
	if nt := c.loadNewTable(); nt != nil {
		return nt, nil
	}

	oldLen := t.len
	size := c.size.Load()
	newSize := oldLen
	if size >= oldLen>>2 {
		newSize = oldLen << 1
		if size >= oldLen>>1 {
			newSize = oldLen << 2
		}
	}
	// Growth is mandatory. A same-size successor could ping-pong with a
	// tombstone-laden predecessor forever.
	if newSize <= oldLen {
		newSize = oldLen << 1
	}

	// Allocating a generation file is expensive; recheck before paying.
	if nt := c.loadNewTable(); nt != nil {
		return nt, nil
	}
	nt, err := m.newTableGen(newSize, size)
	if err != nil {
		return nil, err
	}
	if c.casNewTable(nt) {
		return nt, nil
	}
	discardTable(nt)
	return c.loadNewTable(), nil
}

func (c *chm) casNewTable(nt *table) bool {
	return atomic.CompareAndSwapPointer(&c.newTable, nil, unsafe.Pointer(nt))
}

// copySlotAndCheck copies the one slot an operation is blocked on,
// promotes if that finished the table, and returns the successor the
// caller must retry in. Replay copies (the migration's own writes into
// the successor) never help further, so a copier cannot recursively
// amplify its own work.
func (c *chm) copySlotAndCheck(m *Map, t *table, idx uint64, replay bool) (*table, error) {
	nt := c.loadNewTable()
	copied, err := c.copySlot(m, idx, t, nt)
	if err != nil {
		return nil, err
	}
	if copied {
		c.copyCheckAndPromote(m, t, 1)
	}
	if replay {
		return nt, nil
	}
	return m.helpCopy(nt), nil
}

// copySlot moves one slot from old to nt. It reports true only for
// the thread whose work retired the slot, so copyDone counts each
// slot exactly once.
//
// The slot walks a one-way street: an unclaimed key is closed with a
// tombstone, then the value is frozen under the migration mark, then
// a live value is replayed into the successor, and finally the old
// slot is retired to tombPrime. Every step is a CAS, so any number of
// threads can push the same slot forward without coordination.
func (c *chm) copySlot(m *Map, idx uint64, old, nt *table) (bool, error) {
	key := old.key(idx)
	for key == kInitial {
		exp := kInitial
		if pcas(old.region.keyAddr(idx), &exp, kTombstone) {
			key = kTombstone
			break
		}
		key = old.key(idx)
	}

	oldVal := old.value(idx)
	for !isMarked(oldVal, migrationFlag) {
		box := tombPrime
		if oldVal != vInitial && oldVal != vTombstone {
			box = setMark(oldVal, migrationFlag)
		}
		exp := oldVal
		if pcas(old.region.valAddr(idx), &exp, box) {
			if box == tombPrime {
				// Dead slot; nothing to move.
				return true, nil
			}
			oldVal = box
			break
		}
		oldVal = old.value(idx)
	}
	if oldVal == tombPrime {
		return false, nil
	}

	// Replay loses to any racing writer that already reached the
	// successor: the vInitial expectation only fires on a virgin slot.
	unmarked := clearMark(oldVal, migrationFlag)
	ret, err := m.putIfMatch(nt, key, unmarked, vInitial, casValue)
	if err != nil {
		return false, err
	}
	copied := ret == vInitial

	for oldVal != tombPrime {
		exp := oldVal
		if pcas(old.region.valAddr(idx), &exp, tombPrime) {
			break
		}
		oldVal = old.value(idx)
	}
	return copied, nil
}

// copyCheckAndPromote folds finished work into copyDone and swings the
// map's top pointer once every slot of old has been retired. The old
// generation is parked until Close; late readers may still be probing
// its mapping.
func (c *chm) copyCheckAndPromote(m *Map, old *table, workDone uint64) {
	oldLen := old.len
	copyDone := c.copyDone.Load()
	if workDone > 0 {
		copyDone = c.copyDone.Add(workDone)
	}
	if copyDone == oldLen {
		nt := c.loadNewTable()
		if atomic.CompareAndSwapPointer(&m.top, unsafe.Pointer(old), unsafe.Pointer(nt)) {
			m.retire(old)
		}
	}
}

// helpCopy donates a chunk of copy work to the top table's migration,
// if one is running, then returns helper unchanged so callers can
// chain it into a retry.
func (m *Map) helpCopy(helper *table) *table {
	top := m.topTable()
	if top != nil && top.chm.loadNewTable() != nil {
		// A failure here is not this thread's to report; whichever
		// operation actually needs the stuck slot will see it.
		_ = top.chm.helpCopyImpl(m, top)
	}
	return helper
}

// helpCopyImpl claims chunks of the old table and copies them. Once
// every chunk has been claimed, late helpers switch to a sweep of the
// whole table without claiming, so a stalled claimant cannot strand
// the migration.
func (c *chm) helpCopyImpl(m *Map, old *table) error {
	oldLen := old.len
	chunk := oldLen
	if chunk > minCopyChunk {
		chunk = minCopyChunk
	}
	nt := c.loadNewTable()

	sweeping := false
	var copyIdx uint64
	for c.copyDone.Load() < oldLen {
		if !sweeping {
			copyIdx = c.copyIdx.Load()
			for copyIdx < oldLen<<1 &&
				!c.copyIdx.CompareAndSwap(copyIdx, copyIdx+chunk) {
				copyIdx = c.copyIdx.Load()
			}
			if copyIdx >= oldLen<<1 {
				sweeping = true
			}
		}

		var workDone uint64
		for i := uint64(0); i < chunk; i++ {
			copied, err := c.copySlot(m, (copyIdx+i)&(oldLen-1), old, nt)
			if err != nil {
				return err
			}
			if copied {
				workDone++
			}
		}
		if workDone > 0 {
			c.copyCheckAndPromote(m, old, workDone)
		}
		copyIdx += chunk

		if !sweeping {
			return nil
		}
	}
	c.copyCheckAndPromote(m, old, 0)
	return nil
}

// reopen-time recovery

// fullyMigrated reports whether every slot of t has been retired under
// the migration mark. Runs single-threaded at reopen.
func fullyMigrated(t *table) bool {
	for i := uint64(0); i < t.len; i++ {
		if t.value(i) != tombPrime {
			return false
		}
	}
	return true
}

// finishMigration drains an interrupted copy from prev into top. It
// runs single-threaded at reopen, so it walks every slot directly
// instead of claiming chunks; copySlot skips the ones a pre-crash
// helper already retired.
func (m *Map) finishMigration(prev, top *table) error {
	for i := uint64(0); i < prev.len; i++ {
		if _, err := prev.chm.copySlot(m, i, prev, top); err != nil {
			return err
		}
	}
	return nil
}

// rebuildCounters resweeps a reopened table for its live-pair and
// claimed-slot counts, which are not persisted.
func rebuildCounters(t *table) {
	var size, slots uint64
	for i := uint64(0); i < t.len; i++ {
		if t.key(i) == kInitial {
			continue
		}
		slots++
		v := t.value(i)
		if v != vInitial && v != vTombstone && !isMarked(v, migrationFlag) {
			size++
		}
	}
	t.chm.size.Store(size)
	t.chm.slots.Store(slots)
}
