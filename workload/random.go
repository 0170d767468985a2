package workload

import "context"

// Random pre-fills roughly half its operation share, then fires a
// uniform mix of every container operation at random elements. It
// asserts nothing; its job is to shake out crash and race scenarios.
type Random struct{}

func (Random) Name() string { return "random" }

// randElem rolls until it lands outside the reserved band.
func randElem(w *Worker) uint64 {
	el := w.Rand.Uint64()
	for Reserved(el) {
		el = w.Rand.Uint64()
	}
	return el
}

func (Random) Prefix(ctx context.Context, w *Worker) error {
	numops := opsPerThread(w.Threads, w.TotalOps, w.ID)
	for i := uint64(0); i < numops; i++ {
		if w.Rand.Intn(2) == 0 {
			continue
		}
		if _, err := w.Container.Insert(randElem(w)); err != nil {
			return err
		}
	}
	return nil
}

func (Random) Main(ctx context.Context, w *Worker) error {
	numops := opsPerThread(w.Threads, w.TotalOps, w.ID)
	for i := uint64(0); i < numops; i++ {
		el := randElem(w)
		var ok bool
		var err error
		switch w.Rand.Intn(8) {
		case 0:
			ok, err = w.Container.Insert(el)
		case 1:
			ok, err = w.Container.Erase(el)
		case 2:
			ok, err = w.Container.Contains(el)
		case 3:
			_, err = w.Container.Get(el)
			ok = true
		case 4:
			_, err = w.Container.Count()
			ok = true
		case 5:
			err = w.Container.Increment(el, 1)
			ok = true
		default:
			// The original mix leaves a slice of the distribution
			// idle; keep the ratios.
			continue
		}
		if err != nil {
			return err
		}
		if ok {
			w.Succ++
		} else {
			w.Fail++
		}
	}
	return nil
}

func (Random) Suffix(ctx context.Context, w *Worker) error {
	return nil
}
