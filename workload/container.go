// Package workload drives benchmark and crash-consistency workloads
// against the map through a small container capability set, with a
// mutex-guarded plain map serving as the sequential oracle.
package workload

import (
	"sync"

	"github.com/ucf-cs/pmap"
)

// payloadBits is the shift between a caller-visible element and the
// word the map stores. The low bits of a stored word are tag bits, so
// elements ride above them.
const payloadBits = 3

// Container is the capability set a driver operates against.
// Elements live in the unshifted payload domain.
type Container interface {
	// Insert associates el with itself and reports whether el was
	// absent before.
	Insert(el uint64) (bool, error)
	// Erase removes el and reports whether it was present.
	Erase(el uint64) (bool, error)
	// Contains reports whether el is present.
	Contains(el uint64) (bool, error)
	// Get returns the payload stored under el, zero when absent.
	Get(el uint64) (uint64, error)
	// Count returns the number of live elements.
	Count() (uint64, error)
	// Increment adds delta to the payload under el, treating an
	// absent element as zero.
	Increment(el, delta uint64) error
}

// Reserved reports whether el cannot be stored: its shifted form
// either overflows or lands in the map's reserved band. Drivers use
// it to re-roll random elements.
func Reserved(el uint64) bool {
	s := el << payloadBits
	return s>>payloadBits != el ||
		pmap.IsKeyReserved(s) || pmap.IsValueReserved(s)
}

// MapContainer adapts a pmap.Map to the Container interface,
// shifting elements into the payload domain on the way in and back
// out on the way out.
type MapContainer struct {
	m *pmap.Map
}

func NewMapContainer(m *pmap.Map) *MapContainer {
	return &MapContainer{m: m}
}

func (c *MapContainer) Map() *pmap.Map { return c.m }

func (c *MapContainer) Insert(el uint64) (bool, error) {
	s := el << payloadBits
	_, had, err := c.m.Put(s, s)
	return !had, err
}

func (c *MapContainer) Erase(el uint64) (bool, error) {
	_, had, err := c.m.Remove(el << payloadBits)
	return had, err
}

func (c *MapContainer) Contains(el uint64) (bool, error) {
	return c.m.Contains(el << payloadBits)
}

func (c *MapContainer) Get(el uint64) (uint64, error) {
	v, ok, err := c.m.Get(el << payloadBits)
	if err != nil || !ok {
		return 0, err
	}
	return v >> payloadBits, nil
}

func (c *MapContainer) Count() (uint64, error) {
	return c.m.Size(), nil
}

func (c *MapContainer) Increment(el, delta uint64) error {
	_, _, err := c.m.Update(el<<payloadBits, delta<<payloadBits, pmap.AddUpdate)
	return err
}

// Oracle is the sequential reference container: a plain map behind a
// mutex. It gives the same answers as MapContainer under a serial
// history, so tests compare the two.
type Oracle struct {
	mu sync.Mutex
	m  map[uint64]uint64
}

func NewOracle() *Oracle {
	return &Oracle{m: make(map[uint64]uint64)}
}

func (o *Oracle) Insert(el uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, had := o.m[el]
	o.m[el] = el
	return !had, nil
}

func (o *Oracle) Erase(el uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, had := o.m[el]
	delete(o.m, el)
	return had, nil
}

func (o *Oracle) Contains(el uint64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, had := o.m[el]
	return had, nil
}

func (o *Oracle) Get(el uint64) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[el], nil
}

func (o *Oracle) Count() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint64(len(o.m)), nil
}

func (o *Oracle) Increment(el, delta uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[el] += delta
	return nil
}
