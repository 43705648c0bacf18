package valuestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"avmcore/value"
)

func TestCacheInsertAndGet(t *testing.T) {
	c := NewCache()
	i := value.IntFromUint64(3)
	c.Insert(i.Hash(), i)

	got, ok := c.Get(i.Hash())
	require.True(t, ok)
	require.Equal(t, i.Hash(), got.Hash())
}

func TestCacheNextGenerationEvictsOldest(t *testing.T) {
	c := NewCache()
	i := value.IntFromUint64(5)
	c.Insert(i.Hash(), i)

	for g := 0; g < generations-1; g++ {
		c.NextGeneration()
		_, ok := c.Get(i.Hash())
		require.True(t, ok, "entry must survive while its bucket is still in the ring")
	}

	c.NextGeneration()
	_, ok := c.Get(i.Hash())
	require.False(t, ok, "entry must be evicted once its bucket has been recycled")
}

func TestCacheMiss(t *testing.T) {
	c := NewCache()
	_, ok := c.Get(value.Hash{0xff})
	require.False(t, ok)
}
