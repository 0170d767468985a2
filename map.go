package pmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Reserved sentinel words. They live at the very top of the word
// space with the three tag bits clear (except tombPrime, which is the
// tombstone wearing the migration mark), so no caller value from the
// legal range can alias them. These exact constants are persisted;
// changing them breaks every existing region file.
const (
	kInitial   uint64 = 0xFFFFFFFFFFFFFFF8
	vInitial   uint64 = 0xFFFFFFFFFFFFFFF8
	kTombstone uint64 = 0xFFFFFFFFFFFFFFF0
	vTombstone uint64 = 0xFFFFFFFFFFFFFFF0
	tombPrime  uint64 = vTombstone | migrationFlag
	matchAny   uint64 = 0xFFFFFFFFFFFFFFE8
	noMatchOld uint64 = 0xFFFFFFFFFFFFFFE0
)

// reservedBand is the lowest reserved word; everything at or above it
// is off-limits to callers.
const reservedBand = noMatchOld

// minCapacity floors table sizing.
const minCapacity = 8

// IsKeyReserved reports whether key falls in the sentinel band or
// carries tag bits, either of which the map rejects at entry.
func IsKeyReserved(key uint64) bool {
	return key >= reservedBand || key&flagMask != 0
}

// IsValueReserved is the value-side counterpart of IsKeyReserved.
func IsValueReserved(value uint64) bool {
	return value >= reservedBand || value&flagMask != 0
}

func checkKey(key uint64) error {
	if IsKeyReserved(key) {
		return errors.Wrapf(ErrReservedKey, "%#x", key)
	}
	return nil
}

func checkValue(value uint64) error {
	if IsValueReserved(value) {
		return errors.Wrapf(ErrReservedValue, "%#x", value)
	}
	return nil
}

// chm is the control block of one table generation. size counts live
// pairs. slots starts at the table length in a fresh generation and
// grows by one per key claim; a reopened generation rebuilds it as the
// count of claimed key slots. Both are eventually consistent under
// contention. The copy fields drive cooperative
// migration into newTable.
type chm struct {
	size atomicUint64
	//lint:ignore U1000 prevents false sharing
	pad0 [CacheLineSize - 8]byte
	slots atomicUint64
	//lint:ignore U1000 prevents false sharing
	pad1     [CacheLineSize - 8]byte
	newTable unsafe.Pointer // *table
	//lint:ignore U1000 prevents false sharing
	pad2    [CacheLineSize - 8]byte
	copyIdx atomicUint64
	//lint:ignore U1000 prevents false sharing
	pad3     [CacheLineSize - 8]byte
	copyDone atomicUint64
}

func (c *chm) loadNewTable() *table {
	return (*table)(loadPtr(&c.newTable))
}

// table is one generation: a mapped slot region plus its control
// block. len never shrinks across a successor link.
type table struct {
	region *region
	len    uint64
	chm    chm
}

func (t *table) key(idx uint64) uint64 {
	return pcasRead(t.region.keyAddr(idx))
}

func (t *table) value(idx uint64) uint64 {
	return pcasRead(t.region.valAddr(idx))
}

// casFn performs the value-phase CAS of putIfMatch. old is the clean
// observed value; proposed is the caller's operand. Returns old on
// success and the freshly observed clean value on failure, so the
// caller detects success by comparing against what it passed.
type casFn func(addr *uint64, old, proposed uint64) uint64

func casValue(addr *uint64, old, proposed uint64) uint64 {
	exp := old
	if pcas(addr, &exp, proposed) {
		return old
	}
	return pcasRead(addr)
}

// UpdateFunc derives the word to store from the currently observed
// word and the caller's operand. cur may be a sentinel when the slot
// holds no live value; use IsValueReserved to detect that. The result
// must be a legal storable value.
type UpdateFunc func(cur, operand uint64) uint64

// AddUpdate adds the operand's integer payload to the current one,
// treating an empty slot as zero. Payloads sit above the three tag
// bits, so the arithmetic happens in the shifted domain.
func AddUpdate(cur, operand uint64) uint64 {
	if cur == vInitial || cur == vTombstone {
		cur = 0
	}
	return (cur>>3 + operand>>3) << 3
}

func updateCAS(fn UpdateFunc, operand uint64) casFn {
	return func(addr *uint64, old, _ uint64) uint64 {
		exp := old
		if pcas(addr, &exp, fn(old, operand)) {
			return old
		}
		return pcasRead(addr)
	}
}

// Options configures Open. Capacity is rounded up to a power of two
// and floored at 8; Hasher defaults to xxhash over the key bytes.
type Options struct {
	Dir      string
	Capacity uint64
	Hasher   Hasher
}

// Map is a concurrent, persistent hash map over 64-bit keys and
// values. All operations are safe for concurrent use; the mapped
// generation files in Dir survive process crashes.
type Map struct {
	top    unsafe.Pointer // *table
	hasher Hasher
	dir    string
	gen    atomicUint64

	retireMu sync.Mutex
	retired  []*table
}

// Open maps the newest generation in opts.Dir, creating the first
// generation when the directory holds none. A migration that was cut
// short by a crash is finished before Open returns.
func Open(opts Options) (*Map, error) {
	if opts.Hasher == nil {
		opts.Hasher = defaultHasher
	}
	capacity := opts.Capacity
	if capacity < minCapacity {
		capacity = minCapacity
	}
	capacity = ceilPow2(capacity)
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(ErrIO, "mkdir %s: %v", opts.Dir, err)
	}
	m := &Map{hasher: opts.Hasher, dir: opts.Dir}

	gens, err := listGenerations(opts.Dir)
	if err != nil {
		return nil, err
	}
	if len(gens) == 0 {
		t, err := m.newTableGen(capacity, 0)
		if err != nil {
			return nil, err
		}
		storePtr(&m.top, unsafe.Pointer(t))
		return m, nil
	}

	m.gen.Store(gens[len(gens)-1].num)
	newest, err := openRegion(gens[len(gens)-1].path)
	if err != nil {
		return nil, err
	}
	top := &table{region: newest, len: newest.slots}

	if len(gens) > 1 {
		prevRegion, err := openRegion(gens[len(gens)-2].path)
		if err != nil {
			newest.drop()
			return nil, err
		}
		prev := &table{region: prevRegion, len: prevRegion.slots}
		if !fullyMigrated(prev) {
			storePtr(&prev.chm.newTable, unsafe.Pointer(top))
			if err := m.finishMigration(prev, top); err != nil {
				prevRegion.drop()
				newest.drop()
				return nil, err
			}
		}
		if err := prevRegion.close(); err != nil {
			newest.drop()
			return nil, err
		}
	}

	rebuildCounters(top)
	storePtr(&m.top, unsafe.Pointer(top))
	return m, nil
}

// Close flushes and unmaps every generation this map still holds.
// The map must be quiescent; concurrent operations during Close are
// a caller error.
func (m *Map) Close() error {
	var firstErr error
	m.retireMu.Lock()
	retired := m.retired
	m.retired = nil
	m.retireMu.Unlock()
	for _, t := range retired {
		if err := t.region.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t := m.topTable()
	if t != nil {
		storePtr(&m.top, nil)
	}
	// The top table and any successor of a migration still in flight.
	for ; t != nil; t = t.chm.loadNewTable() {
		if err := t.region.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Map) topTable() *table {
	return (*table)(loadPtr(&m.top))
}

// Size returns the live-pair count of the current generation. The
// number is only exact when no other thread is mutating the map.
func (m *Map) Size() uint64 {
	return m.topTable().chm.size.Load()
}

// Capacity returns the slot count of the current generation.
func (m *Map) Capacity() uint64 {
	return m.topTable().len
}

// Get returns the value stored under key. The boolean is false when
// the key holds no live value.
func (m *Map) Get(key uint64) (uint64, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}
	v, err := m.getImpl(m.topTable(), key, m.hasher(key))
	if err != nil {
		return 0, false, err
	}
	if v == vInitial {
		return 0, false, nil
	}
	return v, true, nil
}

// Contains reports whether key holds a live value.
func (m *Map) Contains(key uint64) (bool, error) {
	_, ok, err := m.Get(key)
	return ok, err
}

// Put unconditionally associates value with key and returns the
// prior value, if any.
func (m *Map) Put(key, value uint64) (uint64, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}
	if err := checkValue(value); err != nil {
		return 0, false, err
	}
	return m.putRet(key, value, noMatchOld, casValue)
}

// PutIfAbsent associates value with key only while key has no live
// value. It returns the value actually in the map afterwards and
// whether this call inserted it.
func (m *Map) PutIfAbsent(key, value uint64) (uint64, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}
	if err := checkValue(value); err != nil {
		return 0, false, err
	}
	prev, had, err := m.putRet(key, value, vTombstone, casValue)
	if err != nil {
		return 0, false, err
	}
	if had {
		return prev, false, nil
	}
	return value, true, nil
}

// Remove deletes key's live value and returns it.
func (m *Map) Remove(key uint64) (uint64, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}
	return m.putRet(key, vTombstone, noMatchOld, casValue)
}

// RemoveValue deletes key only while it holds exactly value.
func (m *Map) RemoveValue(key, value uint64) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkValue(value); err != nil {
		return false, err
	}
	ret, err := m.putIfMatchTop(key, vTombstone, value, casValue)
	if err != nil {
		return false, err
	}
	return ret == value, nil
}

// Replace swaps old for new only while key holds exactly old.
func (m *Map) Replace(key, old, new uint64) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkValue(old); err != nil {
		return false, err
	}
	if err := checkValue(new); err != nil {
		return false, err
	}
	ret, err := m.putIfMatchTop(key, new, old, casValue)
	if err != nil {
		return false, err
	}
	return ret == old, nil
}

// Update installs fn(current, operand) under key, retrying the CAS
// until it sticks. It returns the prior value, if any.
func (m *Map) Update(key, operand uint64, fn UpdateFunc) (uint64, bool, error) {
	if err := checkKey(key); err != nil {
		return 0, false, err
	}
	if err := checkValue(operand); err != nil {
		return 0, false, err
	}
	// matchAny stands in for the new value through the slot walk; it
	// is never storable, so the same-value shortcut cannot swallow an
	// update whose operand happens to equal the stored word.
	return m.putRet(key, matchAny, noMatchOld, updateCAS(fn, operand))
}

// putRet folds the tombstone-for-initial convention of putIfMatch
// back into Go's (value, ok) shape.
func (m *Map) putRet(key, newVal, expVal uint64, cas casFn) (uint64, bool, error) {
	ret, err := m.putIfMatchTop(key, newVal, expVal, cas)
	if err != nil {
		return 0, false, err
	}
	if ret == vInitial || ret == vTombstone {
		return 0, false, nil
	}
	return ret, true, nil
}

func (m *Map) putIfMatchTop(key, newVal, expVal uint64, cas casFn) (uint64, error) {
	ret, err := m.putIfMatch(m.topTable(), key, newVal, expVal, cas)
	if err != nil {
		return 0, err
	}
	if ret == vTombstone {
		return vInitial, nil
	}
	return ret, nil
}

func (m *Map) getImpl(t *table, key, fullHash uint64) (uint64, error) {
	length := t.len
	idx := fullHash & (length - 1)
	var reprobes uint64
	for {
		k := t.key(idx)
		v := t.value(idx)

		if k == kInitial {
			return vInitial, nil
		}
		nt := t.chm.loadNewTable()
		if k == key {
			if !isMarked(v, migrationFlag) {
				if v == vTombstone {
					return vInitial, nil
				}
				return v, nil
			}
			// The slot is frozen mid-copy. Finish it and look again
			// in the successor.
			t2, err := t.chm.copySlotAndCheck(m, t, idx, false)
			if err != nil {
				return 0, err
			}
			return m.getImpl(t2, key, fullHash)
		}
		reprobes++
		if reprobes >= reprobeLimit(length) || k == kTombstone {
			if nt == nil {
				return vInitial, nil
			}
			return m.getImpl(m.helpCopy(nt), key, fullHash)
		}
		idx = (idx + 1) & (length - 1)
	}
}

// putIfMatch is the generic write. expVal selects the conditional
// policy: noMatchOld always proceeds, matchAny requires a live value,
// vTombstone requires an empty slot (put-if-absent), and a concrete
// value must match exactly. The internal expVal==vInitial form is the
// migration replay: it skips size accounting and copy helping so a
// copier never recursively amplifies its own work.
func (m *Map) putIfMatch(t *table, key, newVal, expVal uint64, cas casFn) (uint64, error) {
	length := t.len
	idx := m.hasher(key) & (length - 1)
	var reprobes uint64
	var k, v uint64
	var nt *table

	// Phase A: claim or find the key slot.
	for {
		k = t.key(idx)
		v = t.value(idx)

		if k == kInitial {
			// Removing a key that was never present needs no slot.
			if newVal == vTombstone {
				return newVal, nil
			}
			exp := kInitial
			if pcas(t.region.keyAddr(idx), &exp, key) {
				t.chm.slots.Add(1)
				break
			}
			// Lost the claim race; reread this slot.
			continue
		}
		if k == key {
			break
		}
		reprobes++
		if reprobes >= reprobeLimit(length) || k == kTombstone {
			nt2, err := t.chm.resize(m, t)
			if err != nil {
				return 0, err
			}
			if expVal != vInitial {
				nt2 = m.helpCopy(nt2)
			}
			return m.putIfMatch(nt2, key, newVal, expVal, cas)
		}
		idx = (idx + 1) & (length - 1)
	}

	// Phase B: replace the value.
	if newVal == v {
		return v, nil
	}

	nt = t.chm.loadNewTable()
	if nt == nil &&
		((v == vInitial && t.chm.tableFull(reprobes, length)) ||
			isMarked(v, migrationFlag)) {
		var err error
		nt, err = t.chm.resize(m, t)
		if err != nil {
			return 0, err
		}
	}
	if nt != nil {
		t2, err := t.chm.copySlotAndCheck(m, t, idx, expVal == vInitial)
		if err != nil {
			return 0, err
		}
		return m.putIfMatch(t2, key, newVal, expVal, cas)
	}

	for {
		if expVal != noMatchOld &&
			v != expVal &&
			(expVal != matchAny || v == vTombstone || v == vInitial) &&
			(v != vInitial || expVal != vTombstone) {
			return v, nil
		}

		actual := cas(t.region.valAddr(idx), v, newVal)
		if actual == v {
			if expVal != vInitial {
				if (v == vInitial || v == vTombstone) && newVal != vTombstone {
					t.chm.size.Add(1)
				} else if !(v == vInitial || v == vTombstone) && newVal == vTombstone {
					t.chm.size.Add(^uint64(0))
				}
			}
			if v == vInitial && expVal != vInitial {
				return vTombstone, nil
			}
			return v, nil
		}
		v = actual

		if isMarked(t.value(idx), migrationFlag) {
			t2, err := t.chm.copySlotAndCheck(m, t, idx, expVal == vInitial)
			if err != nil {
				return 0, err
			}
			return m.putIfMatch(t2, key, newVal, expVal, cas)
		}
	}
}

func (m *Map) retire(t *table) {
	m.retireMu.Lock()
	m.retired = append(m.retired, t)
	m.retireMu.Unlock()
}

// generation file bookkeeping

const genSuffix = ".pmap"

type genFile struct {
	num  uint64
	path string
}

func listGenerations(dir string) ([]genFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "readdir %s: %v", dir, err)
	}
	var gens []genFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, genSuffix) {
			continue
		}
		num, err := strconv.ParseUint(strings.TrimSuffix(name, genSuffix), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, genFile{num: num, path: filepath.Join(dir, name)})
	}
	// Lexicographic order of the zero-padded names is numeric order;
	// sorting by number keeps that honest even for hand-made files.
	sort.Slice(gens, func(i, j int) bool { return gens[i].num < gens[j].num })
	return gens, nil
}

func (m *Map) genPath(num uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%020d%s", num, genSuffix))
}

// newTableGen allocates the next generation: a fresh region file of
// the given capacity, published under its final name only after the
// initialized image is flushed.
func (m *Map) newTableGen(capacity, existingSize uint64) (*table, error) {
	num := m.gen.Add(1)
	path := m.genPath(num)
	tmp := path + ".tmp"
	r, err := createRegion(tmp, capacity)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		r.drop()
		_ = os.Remove(tmp)
		return nil, errors.Wrapf(ErrIO, "rename %s: %v", tmp, err)
	}
	r.path = path
	t := &table{region: r, len: capacity}
	t.chm.size.Store(existingSize)
	t.chm.slots.Store(capacity)
	return t, nil
}

// discardTable throws away a loser's speculative generation.
func discardTable(t *table) {
	path := t.region.path
	t.region.drop()
	_ = os.Remove(path)
}

func ceilPow2(v uint64) uint64 {
	n := uint64(1)
	for n < v {
		n <<= 1
	}
	return n
}
