package workload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDegreeCountsInboundEdges(t *testing.T) {
	shard0 := writeTempFile(t, "edges0.txt", "1 2\n3 2\n4 5\n")
	shard1 := writeTempFile(t, "edges1.txt", "6 2\n7 5\n8 9\n")

	c := NewOracle()
	d := Degree{Files: []string{shard0, shard1}}
	res, err := Run(context.Background(), c, d, Options{Threads: 2, Ops: 0, Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Succ)

	for el, want := range map[uint64]uint64{2: 3, 5: 2, 9: 1} {
		v, err := c.Get(el)
		require.NoError(t, err)
		assert.Equal(t, want, v, "vertex %d", el)
	}
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestDegreeIdleWorkers(t *testing.T) {
	shard := writeTempFile(t, "edges.txt", "1 2\n")
	c := NewOracle()
	_, err := Run(context.Background(), c, Degree{Files: []string{shard}},
		Options{Threads: 4, Ops: 0, Seed: 1})
	require.NoError(t, err)
	n, _ := c.Count()
	assert.Equal(t, uint64(1), n)
}

func TestDegreeRejectsMalformedLine(t *testing.T) {
	bad := writeTempFile(t, "edges.txt", "1 2 3\n")
	_, err := Run(context.Background(), NewOracle(), Degree{Files: []string{bad}},
		Options{Threads: 1, Ops: 0, Seed: 1})
	assert.Error(t, err)
}

func TestRedditCountsOccurrences(t *testing.T) {
	authors := writeTempFile(t, "authors.txt", "10\n11\n10\n\n10\n11\n")
	c := NewOracle()
	_, err := Run(context.Background(), c, Reddit{File: authors},
		Options{Threads: 2, Ops: 0, Seed: 1})
	require.NoError(t, err)

	v, _ := c.Get(10)
	assert.Equal(t, uint64(3), v)
	v, _ = c.Get(11)
	assert.Equal(t, uint64(2), v)
}

func TestYCSBReplay(t *testing.T) {
	var load, run string
	for i := 0; i < 20; i++ {
		load += fmt.Sprintf("INSERT %d\n", i)
	}
	loadFile := writeTempFile(t, "load.txt", load)

	// Lines without a known verb are skipped, not rejected.
	run = "READ 3\n" +
		"UPDATE 21\n" +
		"DELETE 4\n" +
		"READ 4\n" +
		"garbage line\n"
	runFile := writeTempFile(t, "run.txt", run)

	c := NewOracle()
	y := &YCSB{LoadFile: loadFile, RunFile: runFile}
	_, err := Run(context.Background(), c, y, Options{Threads: 2, Ops: 0, Seed: 1})
	require.NoError(t, err)

	ok, _ := c.Contains(21)
	assert.True(t, ok, "UPDATE must upsert")
	ok, _ = c.Contains(4)
	assert.False(t, ok, "DELETE must erase")
	n, _ := c.Count()
	assert.Equal(t, uint64(20), n)
}
