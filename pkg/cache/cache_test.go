package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Run("non_positive_size_uses_default", func(t *testing.T) {
		assert.Equal(t, DefaultSize, New[string, int](0, 0).maxSize)
		assert.Equal(t, DefaultSize, New[string, int](-5, 0).maxSize)
	})
}

func TestCache_GetPut(t *testing.T) {
	c := New[string, int](10, 0)

	t.Run("miss_on_empty", func(t *testing.T) {
		_, ok := c.Get("a", 1)
		assert.False(t, ok)
	})

	t.Run("hit_at_same_version", func(t *testing.T) {
		c.Put("a", 1, 42)
		v, ok := c.Get("a", 1)
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("version_change_is_a_miss_and_drops_entry", func(t *testing.T) {
		c.Put("b", 1, 7)
		_, ok := c.Get("b", 2)
		assert.False(t, ok)
		_, ok = c.Get("b", 1)
		assert.False(t, ok, "stale entry was removed")
	})

	t.Run("update_replaces_value_and_version", func(t *testing.T) {
		c.Put("a", 3, 43)
		v, ok := c.Get("a", 3)
		assert.True(t, ok)
		assert.Equal(t, 43, v)
	})
}

func TestCache_TTL(t *testing.T) {
	c := New[string, int](10, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("a", 1, 1)
	now = now.Add(30 * time.Second)
	_, ok := c.Get("a", 1)
	assert.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = c.Get("a", 1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_LRUEviction(t *testing.T) {
	t.Run("evicts_oldest_when_full", func(t *testing.T) {
		c := New[int, int](3, 0)
		for i := 0; i < 4; i++ {
			c.Put(i, 0, i)
		}
		assert.Equal(t, 3, c.Len())
		_, ok := c.Get(0, 0)
		assert.False(t, ok)
	})

	t.Run("access_promotes_entry", func(t *testing.T) {
		c := New[int, int](3, 0)
		for i := 0; i < 3; i++ {
			c.Put(i, 0, i)
		}
		_, _ = c.Get(0, 0)
		c.Put(3, 0, 3)

		_, ok := c.Get(0, 0)
		assert.True(t, ok)
		_, ok = c.Get(1, 0)
		assert.False(t, ok)
	})
}

func TestCache_RemoveClear(t *testing.T) {
	c := New[string, int](10, 0)
	c.Put("a", 0, 1)
	c.Put("b", 0, 2)

	c.Remove("a")
	assert.Equal(t, 1, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCache_Stats(t *testing.T) {
	c := New[string, int](10, 0)
	assert.Zero(t, c.Stats().HitRate)

	c.Put("a", 0, 1)
	c.Get("a", 0)
	c.Get("a", 0)
	c.Get("a", 1)
	c.Get("z", 0)

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(2), s.Misses)
	assert.Equal(t, 50.0, s.HitRate)
	assert.Equal(t, 0, s.Size)
	assert.Equal(t, 10, s.MaxSize)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[string, int](64, 0)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("k%d", i%100)
				c.Put(k, uint64(w%2), i)
				c.Get(k, uint64(w%2))
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 64)
}
