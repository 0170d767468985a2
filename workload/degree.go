package workload

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ucf-cs/pmap/logger"
)

// Degree counts inbound edges from edge-list files, one file per
// worker. Each line holds a source and destination vertex; the
// destination's counter is incremented. Workers beyond the file count
// sit out.
type Degree struct {
	// Files are the per-worker edge lists, typically the four shards
	// of an RMAT generation.
	Files []string

	// Report, when set, dumps every vertex degree after the run.
	Report bool
}

func (Degree) Name() string { return "degree" }

func (Degree) Prefix(ctx context.Context, w *Worker) error {
	return nil
}

func (d Degree) Main(ctx context.Context, w *Worker) error {
	if w.ID >= len(d.Files) {
		return nil
	}
	return parseEdgeList(w, d.Files[w.ID])
}

func parseEdgeList(w *Worker, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open edge list")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return errors.Errorf("%s: expected 2 vertices per line, got %d", path, len(fields))
		}
		dst, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s: bad vertex", path)
		}
		if err := w.Container.Increment(dst, 1); err != nil {
			return err
		}
		w.Succ++
	}
	return sc.Err()
}

func (d Degree) Suffix(ctx context.Context, w *Worker) error {
	if !d.Report {
		return nil
	}
	return reportCounts(ctx, w.Container)
}

// reportCounts logs the count of every populated vertex in the dense
// low id range. Vertex ids start at zero, so the first Count ids
// cover the population when the id space has no holes.
func reportCounts(ctx context.Context, c Container) error {
	log := logger.From(ctx)
	total, err := c.Count()
	if err != nil {
		return err
	}
	for i := uint64(0); i < total; i++ {
		ok, err := c.Contains(i)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		v, err := c.Get(i)
		if err != nil {
			return err
		}
		log.Info().Uint64("node", i).Uint64("count", v).Msg("degree")
	}
	return nil
}
