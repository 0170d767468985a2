package workload

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ycsbOp is one parsed line of a YCSB trace.
type ycsbOp struct {
	kind byte // 'I', 'R', 'D', 'U'
	el   uint64
}

// YCSB replays a pair of YCSB trace files: the load trace seeds the
// container, the run trace is split round-robin into per-worker
// queues and replayed in parallel. READ maps to Contains, UPDATE to
// Insert, matching the original harness's treatment.
type YCSB struct {
	LoadFile string
	RunFile  string

	once   sync.Once
	queues [][]ycsbOp
	err    error
}

func (*YCSB) Name() string { return "ycsb" }

// Prefix loads the seed trace and shards the run trace exactly once,
// on whichever worker calls it first; the others wait inside Prefix
// until that load is done, and the barrier keeps every worker out of
// Main until all have passed Prefix.
func (y *YCSB) Prefix(ctx context.Context, w *Worker) error {
	y.once.Do(func() { y.err = y.prepare(w) })
	return y.err
}

func (y *YCSB) prepare(w *Worker) error {
	load, err := parseYCSB(y.LoadFile)
	if err != nil {
		return err
	}
	for _, op := range load {
		if op.kind != 'I' {
			continue
		}
		if _, err := w.Container.Insert(op.el); err != nil {
			return err
		}
		w.Succ++
	}

	run, err := parseYCSB(y.RunFile)
	if err != nil {
		return err
	}
	y.queues = make([][]ycsbOp, w.Threads)
	for i, op := range run {
		t := i % w.Threads
		y.queues[t] = append(y.queues[t], op)
	}
	return nil
}

func (y *YCSB) Main(ctx context.Context, w *Worker) error {
	for _, op := range y.queues[w.ID] {
		var ok bool
		var err error
		switch op.kind {
		case 'I', 'U':
			ok, err = w.Container.Insert(op.el)
		case 'R':
			ok, err = w.Container.Contains(op.el)
		case 'D':
			ok, err = w.Container.Erase(op.el)
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

func (*YCSB) Suffix(ctx context.Context, w *Worker) error {
	return nil
}

func parseYCSB(path string) ([]ycsbOp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace")
	}
	defer f.Close()

	var ops []ycsbOp
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var kind byte
		var rest string
		switch {
		case strings.HasPrefix(line, "INSERT"):
			kind, rest = 'I', line[len("INSERT"):]
		case strings.HasPrefix(line, "READ"):
			kind, rest = 'R', line[len("READ"):]
		case strings.HasPrefix(line, "DELETE"):
			kind, rest = 'D', line[len("DELETE"):]
		case strings.HasPrefix(line, "UPDATE"):
			kind, rest = 'U', line[len("UPDATE"):]
		default:
			continue
		}
		el, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: bad trace element", path)
		}
		ops = append(ops, ycsbOp{kind: kind, el: el})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read trace")
	}
	return ops, nil
}
