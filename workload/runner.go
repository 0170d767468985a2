package workload

import (
	"context"
	"math/rand"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/ucf-cs/pmap/logger"
)

// Worker is the per-thread view of a run. Drivers read the identity
// fields and bump Succ/Fail; nothing here is shared.
type Worker struct {
	Container Container
	ID        int
	Threads   int
	TotalOps  uint64
	Rand      *rand.Rand
	Succ      uint64
	Fail      uint64
}

// Driver is one workload. Prefix runs per worker before the start
// barrier and is untimed; Main runs between barrier and join and is
// what the clock measures; Suffix runs once on the calling goroutine
// after all workers are done.
type Driver interface {
	Name() string
	Prefix(ctx context.Context, w *Worker) error
	Main(ctx context.Context, w *Worker) error
	Suffix(ctx context.Context, w *Worker) error
}

// Options configures a run.
type Options struct {
	Threads int
	Ops     uint64
	Seed    int64

	// CrashAfter, when positive, kills the process that long after
	// the start barrier releases. Crash-consistency runs use it; the
	// reopen is a separate invocation.
	CrashAfter time.Duration
}

// Result is one run's record.
type Result struct {
	RunID   uuid.UUID     `json:"run_id"`
	Driver  string        `json:"driver"`
	Threads int           `json:"threads"`
	Ops     uint64        `json:"ops"`
	Elapsed time.Duration `json:"elapsed"`
	Succ    uint64        `json:"succ"`
	Fail    uint64        `json:"fail"`
	Size    uint64        `json:"size"`
}

// opsPerThread splits the run's total operation count across workers,
// spreading the remainder over the low thread ids so every id gets a
// deterministic share.
func opsPerThread(threads int, total uint64, id int) uint64 {
	n := total / uint64(threads)
	if rem := total % uint64(threads); rem > 0 && uint64(id) < rem {
		n++
	}
	return n
}

// opsMainLoop is the portion of a worker's operations spent in the
// main loop; the rest is prefix pre-fill.
func opsMainLoop(numops uint64) uint64 {
	return numops - numops/10
}

// genElem generates worker id's num-th element. Workers own disjoint
// element ranges, so deterministic drivers never collide.
func genElem(num uint64, id int, maxOps uint64) uint64 {
	return uint64(id)*maxOps + num
}

// ExpectedSize predicts the element count left behind by a
// deterministic alternating run.
func ExpectedSize(threads int, total uint64) uint64 {
	var elems uint64
	for i := 0; i < threads; i++ {
		numops := opsPerThread(threads, total, i)
		nummain := opsMainLoop(numops)

		// With no pre-fill and an even main loop, the insert of each
		// pair lands after its erase, so every pair leaves its element
		// behind: half the operations survive.
		if numops-nummain == 0 && nummain%2 == 0 {
			elems += numops / 2
		} else {
			elems += numops - nummain
		}
		if nummain%2 == 1 {
			elems++
		}
	}
	return elems
}

// Run executes the driver across opts.Threads workers and returns the
// aggregated record. Worker errors are collected, not short-circuited;
// every worker runs to completion or its own failure.
func Run(ctx context.Context, c Container, d Driver, opts Options) (Result, error) {
	log := logger.From(ctx).With().
		Str("driver", d.Name()).
		Int("threads", opts.Threads).
		Logger()

	workers := make([]*Worker, opts.Threads)
	for i := range workers {
		workers[i] = &Worker{
			Container: c,
			ID:        i,
			Threads:   opts.Threads,
			TotalOps:  opts.Ops,
			Rand:      rand.New(rand.NewSource(opts.Seed + int64(i))),
		}
	}

	var (
		waiting atomic.Int64
		wg      sync.WaitGroup
		errMu   sync.Mutex
		errs    *multierror.Error
		start   time.Time
	)
	waiting.Store(int64(opts.Threads))

	syncStart := func() {
		waiting.Add(-1)
		for waiting.Load() > 0 {
			runtime.Gosched()
		}
	}

	if opts.CrashAfter > 0 {
		go func() {
			for waiting.Load() > 0 {
				runtime.Gosched()
			}
			time.Sleep(opts.CrashAfter)
			log.Warn().Dur("after", opts.CrashAfter).Msg("simulating catastrophic failure")
			_ = unix.Kill(os.Getpid(), unix.SIGKILL)
		}()
	}

	wg.Add(opts.Threads - 1)
	for _, w := range workers[1:] {
		go func(w *Worker) {
			defer wg.Done()
			if err := runWorker(ctx, d, w, syncStart); err != nil {
				errMu.Lock()
				errs = multierror.Append(errs, err)
				errMu.Unlock()
			}
		}(w)
	}

	// The calling goroutine is worker zero and owns the clock: the
	// barrier releases the moment the last worker arrives.
	w0 := workers[0]
	err0 := d.Prefix(ctx, w0)
	syncStart()
	start = time.Now()
	if err0 == nil {
		err0 = d.Main(ctx, w0)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err0 != nil {
		errMu.Lock()
		errs = multierror.Append(errs, err0)
		errMu.Unlock()
	}

	if err := d.Suffix(ctx, w0); err != nil {
		errs = multierror.Append(errs, err)
	}

	res := Result{
		RunID:   uuid.New(),
		Driver:  d.Name(),
		Threads: opts.Threads,
		Ops:     opts.Ops,
		Elapsed: elapsed,
	}
	for _, w := range workers {
		res.Succ += w.Succ
		res.Fail += w.Fail
	}
	res.Size, _ = c.Count()

	log.Info().
		Str("run_id", res.RunID.String()).
		Dur("elapsed", res.Elapsed).
		Uint64("succ", res.Succ).
		Uint64("fail", res.Fail).
		Uint64("size", res.Size).
		Msg("run complete")

	return res, errs.ErrorOrNil()
}

func runWorker(ctx context.Context, d Driver, w *Worker, syncStart func()) error {
	err := d.Prefix(ctx, w)
	syncStart()
	if err != nil {
		return err
	}
	return d.Main(ctx, w)
}
