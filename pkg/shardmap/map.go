// Package shardmap is a string-keyed concurrent map split into shards, each
// guarded by an rtwmutex.RTWMutex. Read-then-write paths (GetOrCompute,
// Update, Delete) upgrade their read lock instead of re-locking.
package shardmap

import (
	"math/bits"

	"github.com/thetarby/rtwmutex"
	"github.com/zeebo/xxh3"
)

const (
	DefaultShards   = 64
	defaultShardLen = 16
)

// Map is a sharded map of V keyed by string.
type Map[V any] struct {
	shards []*Shard[V]
	mask   uint64
}

// New creates a map with the number of shards rounded up to a power of two.
// shards <= 0 selects DefaultShards. opts are applied to every shard lock.
func New[V any](shards int, opts ...rtwmutex.Option) *Map[V] {
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1 << bits.Len(uint(shards-1))
	m := &Map[V]{
		shards: make([]*Shard[V], n),
		mask:   uint64(n - 1),
	}
	for id := range m.shards {
		m.shards[id] = NewShard[V](uint64(id), defaultShardLen, opts...)
	}
	return m
}

// Shard returns the shard responsible for key.
func (m *Map[V]) Shard(key string) *Shard[V] {
	return m.shards[xxh3.HashString(key)&m.mask]
}

// Shards returns every shard, in index order.
func (m *Map[V]) Shards() []*Shard[V] {
	return m.shards
}

func (m *Map[V]) Get(key string) (V, bool) {
	return m.Shard(key).Get(key)
}

func (m *Map[V]) Set(key string, value V) bool {
	return m.Shard(key).Set(key, value)
}

func (m *Map[V]) Delete(key string) (V, bool) {
	return m.Shard(key).Delete(key)
}

func (m *Map[V]) GetOrCompute(key string, compute func() (V, error)) (V, bool, error) {
	return m.Shard(key).GetOrCompute(key, compute)
}

func (m *Map[V]) Update(key string, fn func(old V, found bool) (V, bool)) (V, bool) {
	return m.Shard(key).Update(key, fn)
}

// Len sums the shard lengths; it is not a snapshot under concurrent writes.
func (m *Map[V]) Len() int64 {
	var n int64
	for _, shard := range m.shards {
		n += shard.Len()
	}
	return n
}

// Range calls fn for each entry, one shard at a time, until fn returns false.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	for _, shard := range m.shards {
		if !shard.Walk(fn) {
			return
		}
	}
}

// Stats adds up the lock statistics of all shards.
func (m *Map[V]) Stats() rtwmutex.Stats {
	var total rtwmutex.Stats
	for _, shard := range m.shards {
		s := shard.Stats()
		total.BlockedReads += s.BlockedReads
		total.BlockedWrites += s.BlockedWrites
		total.AtomicUpgrades += s.AtomicUpgrades
		total.NonAtomicUpgrades += s.NonAtomicUpgrades
		total.Reservations += s.Reservations
		total.TryFailures += s.TryFailures
	}
	return total
}
