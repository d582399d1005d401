package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFor(t *testing.T) {
	assert.Equal(t, KeyFor("ds", "hello"), KeyFor("ds", "hello"))
	assert.NotEqual(t, KeyFor("ds", "hello"), KeyFor("other", "hello"))
	// the separator keeps namespace and text apart
	assert.NotEqual(t, KeyFor("a", "bc"), KeyFor("ab", "c"))
}

func TestMapCache(t *testing.T) {
	c := NewMapCache(0)
	k := KeyFor("", "hello")

	_, ok := c.Get(k)
	require.False(t, ok)

	in := []float32{1, 2}
	c.Put(k, in)
	in[0] = 99

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, got)

	got[1] = 42
	again, _ := c.Get(k)
	assert.Equal(t, []float32{1, 2}, again)
	assert.Equal(t, 1, c.Size())
}

func TestMapCache_Eviction(t *testing.T) {
	c := NewMapCache(2)
	a, b, d := KeyFor("", "a"), KeyFor("", "b"), KeyFor("", "d")

	c.Put(a, []float32{1})
	c.Put(b, []float32{2})
	c.Put(a, []float32{3}) // overwrite does not evict
	require.Equal(t, 2, c.Size())

	c.Put(d, []float32{4})
	assert.Equal(t, 2, c.Size())
	_, ok := c.Get(a)
	assert.False(t, ok, "oldest entry evicted")
	v, ok := c.Get(b)
	require.True(t, ok)
	assert.Equal(t, []float32{2}, v)
}

func TestMapCache_Concurrent(t *testing.T) {
	c := NewMapCache(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := KeyFor("", string(rune('a'+i)))
				c.Put(k, []float32{float32(j)})
				_, _ = c.Get(k)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, c.Size())
}
