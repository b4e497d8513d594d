package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoundedGetDoesNotRefreshRecency(t *testing.T) {
	c := NewBounded[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	c.Set("c", 3)

	require.False(t, c.Has("a"), "a was written first and must be evicted")
	require.True(t, c.Has("b"))
	require.True(t, c.Has("c"))
	require.Equal(t, 2, c.Len())
}

func TestBoundedSetExistingMovesToMostRecent(t *testing.T) {
	c := NewBounded[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	require.False(t, c.Has("b"))
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, v)
	require.True(t, c.Has("c"))
}

func TestBoundedUpdateDoesNotEvict(t *testing.T) {
	c := NewBounded[string, int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("b", 3)

	require.Equal(t, 2, c.Len())
	require.True(t, c.Has("a"))
}

func TestBoundedDeleteAndClear(t *testing.T) {
	c := NewBounded[int, string](3)
	c.Set(1, "one")
	c.Set(2, "two")
	c.Set(3, "three")

	c.Delete(2)
	c.Delete(42)
	require.Equal(t, 2, c.Len())
	_, ok := c.Get(2)
	require.False(t, ok)

	// Freed slot is reused without evicting the remaining keys.
	c.Set(4, "four")
	require.True(t, c.Has(1))
	require.True(t, c.Has(3))
	require.True(t, c.Has(4))

	c.Clear()
	require.Zero(t, c.Len())
	require.False(t, c.Has(1))

	c.Set(5, "five")
	require.Equal(t, 1, c.Len())
}

func TestBoundedDefaultCapacity(t *testing.T) {
	c := NewBounded[string, bool](0)
	require.Equal(t, DefaultCapacity, c.Capacity())
}
