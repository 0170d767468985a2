package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucf-cs/pmap"
)

func TestOpsPerThread(t *testing.T) {
	for _, tc := range []struct {
		threads int
		total   uint64
	}{
		{1, 100}, {4, 100}, {4, 103}, {8, 7}, {3, 1000001},
	} {
		var sum uint64
		for id := 0; id < tc.threads; id++ {
			n := opsPerThread(tc.threads, tc.total, id)
			sum += n
			// The remainder lands on the low ids, so shares never
			// differ by more than one and never increase with id.
			assert.LessOrEqual(t, opsPerThread(tc.threads, tc.total, tc.threads-1), n,
				"threads=%d total=%d id=%d", tc.threads, tc.total, id)
		}
		assert.Equal(t, tc.total, sum, "threads=%d total=%d", tc.threads, tc.total)
	}
}

func TestOpsMainLoop(t *testing.T) {
	assert.Equal(t, uint64(0), opsMainLoop(0))
	assert.Equal(t, uint64(9), opsMainLoop(10))
	assert.Equal(t, uint64(90), opsMainLoop(100))
	assert.Equal(t, uint64(7), opsMainLoop(7))
}

func TestGenElemDisjointRanges(t *testing.T) {
	const maxops = 1000
	seen := make(map[uint64]bool)
	for id := 0; id < 4; id++ {
		for num := uint64(0); num < maxops; num++ {
			el := genElem(num, id, maxops)
			require.False(t, seen[el], "element %d generated twice", el)
			seen[el] = true
		}
	}
}

func TestExpectedSizeMatchesOracle(t *testing.T) {
	for _, tc := range []struct {
		threads int
		total   uint64
	}{
		{1, 100}, {2, 100}, {4, 1000}, {8, 100000}, {3, 997}, {4, 40},
	} {
		o := NewOracle()
		res, err := Run(context.Background(), o, Alternating{}, Options{
			Threads: tc.threads,
			Ops:     tc.total,
			Seed:    1,
		})
		require.NoError(t, err)
		assert.Equal(t, ExpectedSize(tc.threads, tc.total), res.Size,
			"threads=%d total=%d", tc.threads, tc.total)
	}
}

func TestRunAlternatingOnMap(t *testing.T) {
	m, err := pmap.Open(pmap.Options{Dir: t.TempDir(), Capacity: 1 << 10})
	require.NoError(t, err)
	defer m.Close()

	const (
		threads = 4
		total   = 10000
	)
	c := NewMapContainer(m)
	res, err := Run(context.Background(), c, Alternating{}, Options{
		Threads: threads,
		Ops:     total,
		Seed:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, ExpectedSize(threads, total), res.Size)
	assert.Equal(t, "alternating", res.Driver)
	assert.NotZero(t, res.RunID)

	// A completed run must also pass the recovery check; the crash
	// tolerance admits the exact final state.
	require.NoError(t, CheckRecovered(c, threads, total))
}

func TestRunAlternatingSurvivesReopen(t *testing.T) {
	const (
		threads = 4
		total   = 4000
	)
	dir := t.TempDir()

	m, err := pmap.Open(pmap.Options{Dir: dir, Capacity: 1 << 8})
	require.NoError(t, err)
	_, err = Run(context.Background(), NewMapContainer(m), Alternating{}, Options{
		Threads: threads,
		Ops:     total,
		Seed:    1,
	})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m, err = pmap.Open(pmap.Options{Dir: dir})
	require.NoError(t, err)
	defer m.Close()

	c := NewMapContainer(m)
	assert.Equal(t, ExpectedSize(threads, total), m.Size())
	require.NoError(t, CheckRecovered(c, threads, total))
}

func TestRunRandomAgainstMap(t *testing.T) {
	m, err := pmap.Open(pmap.Options{Dir: t.TempDir(), Capacity: 1 << 10})
	require.NoError(t, err)
	defer m.Close()

	res, err := Run(context.Background(), NewMapContainer(m), Random{}, Options{
		Threads: 4,
		Ops:     20000,
		Seed:    7,
	})
	require.NoError(t, err)
	assert.Equal(t, m.Size(), res.Size)
	assert.NotZero(t, res.Succ)
}

func TestCheckRecoveredRejectsTampering(t *testing.T) {
	const (
		threads = 2
		total   = 1000
	)
	o := NewOracle()
	_, err := Run(context.Background(), o, Alternating{}, Options{
		Threads: threads,
		Ops:     total,
		Seed:    1,
	})
	require.NoError(t, err)
	require.NoError(t, CheckRecovered(o, threads, total))

	// A resurrected element inside the erased band breaks the
	// contiguous surviving band and must fail the scan.
	maxops := opsPerThread(threads, total, 0)
	numops := opsPerThread(threads, total, 0)
	initwr := numops - opsMainLoop(numops)
	stray := genElem(initwr*2, 0, maxops)
	_, err = o.Insert(stray)
	require.NoError(t, err)
	assert.Error(t, CheckRecovered(o, threads, total))
}
