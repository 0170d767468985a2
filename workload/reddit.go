package workload

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Reddit ingests a file of pre-hashed author ids, one per line, and
// counts occurrences. A single worker does the parsing; the file is
// one stream.
type Reddit struct {
	File string

	Report bool
}

func (Reddit) Name() string { return "reddit" }

func (Reddit) Prefix(ctx context.Context, w *Worker) error {
	return nil
}

func (r Reddit) Main(ctx context.Context, w *Worker) error {
	if w.ID != 0 {
		return nil
	}
	f, err := os.Open(r.File)
	if err != nil {
		return errors.Wrapf(err, "open author file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%s: bad author id", r.File)
		}
		if err := w.Container.Increment(id, 1); err != nil {
			return err
		}
		w.Succ++
	}
	return sc.Err()
}

func (r Reddit) Suffix(ctx context.Context, w *Worker) error {
	if !r.Report {
		return nil
	}
	return reportCounts(ctx, w.Container)
}
