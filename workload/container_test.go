package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucf-cs/pmap"
)

func openTestContainer(t *testing.T) *MapContainer {
	t.Helper()
	m, err := pmap.Open(pmap.Options{Dir: t.TempDir(), Capacity: 64})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return NewMapContainer(m)
}

func TestReserved(t *testing.T) {
	assert.False(t, Reserved(0))
	assert.False(t, Reserved(1))
	assert.False(t, Reserved(1<<40))

	// Elements that do not survive the payload shift are off-limits,
	// as is anything whose shifted form lands in the reserved band.
	assert.True(t, Reserved(1<<61))
	assert.True(t, Reserved(^uint64(0)))
	// 0x1FFFFFFFFFFFFFFE shifts to the tombstone sentinel.
	assert.True(t, Reserved(uint64(0x1FFFFFFFFFFFFFFE)))
}

func TestContainersAgree(t *testing.T) {
	for _, c := range []Container{openTestContainer(t), NewOracle()} {
		inserted, err := c.Insert(5)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = c.Insert(5)
		require.NoError(t, err)
		assert.False(t, inserted, "double insert must report presence")

		ok, err := c.Contains(5)
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := c.Get(5)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), v)

		n, err := c.Count()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)

		erased, err := c.Erase(5)
		require.NoError(t, err)
		assert.True(t, erased)

		erased, err = c.Erase(5)
		require.NoError(t, err)
		assert.False(t, erased, "double erase must report absence")

		ok, err = c.Contains(5)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err = c.Get(5)
		require.NoError(t, err)
		assert.Zero(t, v, "absent elements read as zero")
	}
}

func TestIncrementAccumulates(t *testing.T) {
	for _, c := range []Container{openTestContainer(t), NewOracle()} {
		require.NoError(t, c.Increment(9, 1))
		require.NoError(t, c.Increment(9, 1))
		require.NoError(t, c.Increment(9, 40))

		v, err := c.Get(9)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), v)
	}
}
