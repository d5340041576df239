package shardmap

import (
	"sync/atomic"

	"github.com/thetarby/rtwmutex"
)

// Shard is a single partition of the sharded map.
// Each shard is an independent map guarded by its own RTWMutex.
type Shard[V any] struct {
	*rtwmutex.RTWMutex              // Shard-level lock
	items              map[string]V // Actual storage: key -> value
	id                 uint64       // Shard index
	len                int64        // Length as int64 for atomic reads
}

// NewShard creates a new shard with its own lock and value map.
func NewShard[V any](id uint64, defaultLen int, opts ...rtwmutex.Option) *Shard[V] {
	return &Shard[V]{
		id:       id,
		RTWMutex: rtwmutex.New(opts...),
		items:    make(map[string]V, defaultLen),
	}
}

// ID returns the numeric index of this shard.
func (shard *Shard[V]) ID() uint64 {
	return shard.id
}

func (shard *Shard[V]) Len() int64 {
	return atomic.LoadInt64(&shard.len)
}

func (shard *Shard[V]) Get(key string) (value V, ok bool) {
	shard.RLock()
	value, ok = shard.items[key]
	shard.Unlock()
	return value, ok
}

// Set inserts or replaces the value under key and reports whether the key
// was new.
func (shard *Shard[V]) Set(key string, value V) (inserted bool) {
	shard.Lock()
	inserted = shard.setLocked(key, value)
	shard.Unlock()
	return inserted
}

func (shard *Shard[V]) setLocked(key string, value V) bool {
	_, found := shard.items[key]
	shard.items[key] = value
	if !found {
		atomic.AddInt64(&shard.len, 1)
	}
	return !found
}

// Delete removes key and returns the value it held.
func (shard *Shard[V]) Delete(key string) (value V, ok bool) {
	r := shard.RTWLock()
	if value, ok = shard.items[key]; !ok {
		r.Unlock()
		return value, false
	}
	// The reservation makes the upgrade atomic, so the entry is still there.
	if _, err := r.Upgrade(); err != nil {
		panic(err)
	}
	delete(shard.items, key)
	atomic.AddInt64(&shard.len, -1)
	shard.Unlock()
	return value, true
}

// GetOrCompute returns the value under key, calling compute to create it if
// it is missing. Lookups of existing keys only take the read lock; a miss
// upgrades the reserved read lock, so compute runs at most once per key.
func (shard *Shard[V]) GetOrCompute(key string, compute func() (V, error)) (value V, loaded bool, err error) {
	r := shard.RTWLock()
	if value, ok := shard.items[key]; ok {
		r.Unlock()
		return value, true, nil
	}
	res, err := r.Upgrade()
	if err != nil {
		panic(err)
	}
	defer shard.Unlock()
	if res == rtwmutex.NonAtomic {
		if value, ok := shard.items[key]; ok {
			return value, true, nil
		}
	}
	if value, err = compute(); err != nil {
		return value, false, err
	}
	shard.setLocked(key, value)
	return value, false, nil
}

// Update reads the current value under a shared lock, lets fn derive the new
// one and stores it after upgrading. If another writer may have run in
// between, fn is applied again to the fresh value. fn returning false leaves
// the shard untouched.
func (shard *Shard[V]) Update(key string, fn func(old V, found bool) (V, bool)) (value V, updated bool) {
	shard.RLock()
	old, found := shard.items[key]
	value, updated = fn(old, found)
	if !updated {
		shard.Unlock()
		return value, false
	}
	res, err := shard.Upgrade()
	if err != nil {
		panic(err)
	}
	if res == rtwmutex.NonAtomic {
		old, found = shard.items[key]
		if value, updated = fn(old, found); !updated {
			shard.Unlock()
			return value, false
		}
	}
	shard.setLocked(key, value)
	shard.Unlock()
	return value, true
}

// Walk calls fn for every entry under the shard's read lock until fn
// returns false.
func (shard *Shard[V]) Walk(fn func(key string, value V) bool) bool {
	shard.RLock()
	defer shard.Unlock()
	for k, v := range shard.items {
		if !fn(k, v) {
			return false
		}
	}
	return true
}
