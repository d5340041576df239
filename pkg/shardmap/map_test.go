package shardmap

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestMap_SetGetDelete(t *testing.T) {
	m := New[int](3)
	assert.Len(t, m.Shards(), 4)

	assert.True(t, m.Set("a", 1))
	assert.False(t, m.Set("a", 2))
	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(1), m.Len())

	v, ok = m.Delete("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = m.Delete("a")
	assert.False(t, ok)
	_, ok = m.Get("a")
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}

func TestMap_DefaultShards(t *testing.T) {
	assert.Len(t, New[int](0).Shards(), DefaultShards)
	assert.Len(t, New[int](1).Shards(), 1)
	assert.Len(t, New[int](65).Shards(), 128)
}

func TestMap_GetOrComputeRunsOncePerKey(t *testing.T) {
	m := New[int](1)
	var calls atomic.Int32
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			v, _, err := m.GetOrCompute("k", func() (int, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil {
				return err
			}
			if v != 42 {
				return errors.New("wrong value " + strconv.Itoa(v))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())

	st := m.Stats()
	assert.Equal(t, uint64(1), st.AtomicUpgrades)
	assert.Zero(t, st.NonAtomicUpgrades)
}

func TestMap_GetOrComputeError(t *testing.T) {
	m := New[int](1)
	boom := errors.New("boom")
	_, loaded, err := m.GetOrCompute("k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, loaded)
	_, ok := m.Get("k")
	assert.False(t, ok)

	v, loaded, err := m.GetOrCompute("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 7, v)

	v, loaded, err = m.GetOrCompute("k", func() (int, error) { return 8, nil })
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, 7, v)
}

func TestMap_ConcurrentUpdateCounts(t *testing.T) {
	const workers, iterations = 8, 500
	m := New[int](2)
	incr := func(old int, _ bool) (int, bool) { return old + 1, true }

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				m.Update("counter", incr)
				m.Update("k"+strconv.Itoa(i%10), incr)
			}
		}()
	}
	wg.Wait()

	v, ok := m.Get("counter")
	require.True(t, ok)
	assert.Equal(t, workers*iterations, v)

	total := 0
	m.Range(func(key string, value int) bool {
		if key != "counter" {
			total += value
		}
		return true
	})
	assert.Equal(t, workers*iterations, total)
	assert.Equal(t, int64(11), m.Len())
}

func TestMap_UpdateSkip(t *testing.T) {
	m := New[string](1)
	_, updated := m.Update("k", func(old string, found bool) (string, bool) {
		return "", found
	})
	assert.False(t, updated)
	assert.Zero(t, m.Len())
	assert.Equal(t, uint64(0), m.Stats().AtomicUpgrades)
}

func TestMap_RangeStops(t *testing.T) {
	m := New[int](4)
	for i := 0; i < 100; i++ {
		m.Set(strconv.Itoa(i), i)
	}
	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return seen < 10
	})
	assert.Equal(t, 10, seen)
}

func BenchmarkMap_GetOrCompute(b *testing.B) {
	m := New[int](DefaultShards)
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = strconv.Itoa(i)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _, _ = m.GetOrCompute(keys[i&1023], func() (int, error) { return i, nil })
			i++
		}
	})
}
