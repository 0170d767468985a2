package workload

import (
	"context"

	"github.com/pkg/errors"
)

// Alternating pre-fills a slice of each worker's element range, then
// alternates inserts of fresh elements with erases of earlier ones.
// Element generation is deterministic, so the surviving set after a
// run, or after a crash and reopen, is checkable per worker.
type Alternating struct{}

func (Alternating) Name() string { return "alternating" }

func (Alternating) Prefix(ctx context.Context, w *Worker) error {
	maxops := opsPerThread(w.Threads, w.TotalOps, 0)
	numops := opsPerThread(w.Threads, w.TotalOps, w.ID)
	nummain := opsMainLoop(numops)

	for wrid := uint64(0); numops > nummain; numops-- {
		el := genElem(wrid, w.ID, maxops)
		if _, err := w.Container.Insert(el); err != nil {
			return err
		}
		w.Succ++
		wrid++
	}
	return nil
}

func (Alternating) Main(ctx context.Context, w *Worker) error {
	maxops := opsPerThread(w.Threads, w.TotalOps, 0)
	numops := opsPerThread(w.Threads, w.TotalOps, w.ID)
	nummain := opsMainLoop(numops)
	wrid := numops - nummain
	rdid := wrid / 2

	for ; nummain > 0; nummain-- {
		if nummain%2 == 1 {
			el := genElem(wrid, w.ID, maxops)
			if _, err := w.Container.Insert(el); err != nil {
				return err
			}
			wrid++
			w.Succ++
		} else {
			el := genElem(rdid, w.ID, maxops)
			ok, err := w.Container.Erase(el)
			if err != nil {
				return err
			}
			rdid++
			if ok {
				w.Succ++
			} else {
				w.Fail++
			}
		}
	}
	return nil
}

func (Alternating) Suffix(ctx context.Context, w *Worker) error {
	return nil
}

// CheckRecovered validates a container against the alternating
// pattern after a reopen. Each worker's element range must hold a
// prefix of surviving pre-fill elements, then a contiguous band of
// not-yet-erased elements, then nothing. A crash mid-run leaves the
// boundary between erased and surviving elements loose by one; the
// check tolerates exactly that.
func CheckRecovered(c Container, threads int, totalOps uint64) error {
	var found uint64
	for id := 0; id < threads; id++ {
		n, err := checkWorkerElements(c, id, threads, totalOps)
		if err != nil {
			return errors.Wrapf(err, "worker %d", id)
		}
		found += n
	}
	size, err := c.Count()
	if err != nil {
		return err
	}
	if found != size {
		return errors.Errorf("size mismatch: counted %d, container reports %d", found, size)
	}
	return nil
}

func checkWorkerElements(c Container, id, threads int, totalOps uint64) (uint64, error) {
	maxops := opsPerThread(threads, totalOps, 0)
	numops := opsPerThread(threads, totalOps, id)
	nummain := opsMainLoop(numops)
	initwr := numops - nummain
	rdid := initwr / 2

	var numvalid uint64

	// Everything below the erase cursor's floor must still be there:
	// those elements were inserted in the prefix and never touched.
	for opid := uint64(0); opid < rdid; opid++ {
		ok, err := c.Contains(genElem(opid, id, maxops))
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, errors.Errorf("pre-fill element %d missing", opid)
		}
		numvalid++
	}

	// Skip over the erased band.
	for rdid < maxops {
		ok, err := c.Contains(genElem(rdid, id, maxops))
		if err != nil {
			return 0, err
		}
		if ok {
			break
		}
		rdid++
	}

	// Count the surviving band.
	expsequ := initwr - initwr/2
	var cntsequ uint64
	for rdid < maxops {
		ok, err := c.Contains(genElem(rdid, id, maxops))
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		cntsequ++
		rdid++
	}
	numvalid += cntsequ

	if initwr > 0 && cntsequ+1 < expsequ {
		return 0, errors.Errorf("surviving band too short: %d < %d", cntsequ, expsequ)
	}
	if cntsequ > expsequ+1 {
		return 0, errors.Errorf("surviving band too long: %d > %d", cntsequ, expsequ)
	}

	// Nothing past the band, up to the highest element the main loop
	// can have written.
	limit := initwr
	if half := nummain / 2; half > 0 {
		limit += half - 1
	}
	for opid := rdid; opid < limit; opid++ {
		ok, err := c.Contains(genElem(opid, id, maxops))
		if err != nil {
			return 0, err
		}
		if ok {
			return 0, errors.Errorf("unexpected element %d", opid)
		}
	}
	return numvalid, nil
}
