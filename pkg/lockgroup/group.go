// Package lockgroup hands out an rtwmutex.RTWMutex per key.
//
// Features:
//   - RLock/Lock/Unlock on arbitrary keys.
//   - RTWLock and Upgrade for read-to-write sections.
//   - Infinite keys & auto-cleanup: an entry lives while somebody holds or
//     waits for its lock.
//
// Usage:
//
//	var group lockgroup.Group[string]
//
//	r := group.RTWLock("config")
//	if stale(config) {
//		group.Upgrade("config", &r)
//		refresh(config)
//		group.Unlock("config")
//	} else {
//		group.UnlockReservation("config", r)
//	}
package lockgroup

import (
	"sync/atomic"

	"github.com/llxisdsh/pb"
	"github.com/thetarby/rtwmutex"
)

// Group is a set of per-key RTWMutexes. The zero value is ready to use.
type Group[K comparable] struct {
	m    pb.MapOf[K, *entry]
	live atomic.Int64
}

type entry struct {
	mu  rtwmutex.RTWMutex
	ref int32 // only touched inside ProcessEntry
}

// acquire returns the entry for k with one more reference on it.
func (g *Group[K]) acquire(k K) *entry {
	e, _ := g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *entry]) (*pb.EntryOf[K, *entry], *entry, bool) {
			if l != nil {
				l.Value.ref++
				return l, l.Value, true
			}
			e := &entry{ref: 1}
			g.live.Add(1)
			return &pb.EntryOf[K, *entry]{Value: e}, e, false
		},
	)
	return e
}

// lookup returns the entry for k without touching its reference count.
func (g *Group[K]) lookup(k K) (*entry, bool) {
	return g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *entry]) (*pb.EntryOf[K, *entry], *entry, bool) {
			if l == nil {
				return nil, nil, false
			}
			return l, l.Value, true
		},
	)
}

// release drops a reference and deletes the entry with the last one.
func (g *Group[K]) release(k K) {
	_, _ = g.m.ProcessEntry(
		k,
		func(l *pb.EntryOf[K, *entry]) (*pb.EntryOf[K, *entry], *entry, bool) {
			if l == nil {
				return nil, nil, false
			}
			l.Value.ref--
			if l.Value.ref <= 0 {
				g.live.Add(-1)
				return nil, nil, true
			}
			return l, nil, true
		},
	)
}

func (g *Group[K]) RLock(k K) {
	g.acquire(k).mu.RLock()
}

func (g *Group[K]) TryRLock(k K) bool {
	if g.acquire(k).mu.TryRLock() {
		return true
	}
	g.release(k)
	return false
}

func (g *Group[K]) Lock(k K) {
	g.acquire(k).mu.Lock()
}

func (g *Group[K]) TryLock(k K) bool {
	if g.acquire(k).mu.TryLock() {
		return true
	}
	g.release(k)
	return false
}

// RTWLock takes the reserved read lock of k.
func (g *Group[K]) RTWLock(k K) rtwmutex.Reservation {
	return g.acquire(k).mu.RTWLock()
}

// Upgrade turns the read lock on k into its write lock. With a non-nil
// reservation from RTWLock(k) the upgrade is Atomic.
func (g *Group[K]) Upgrade(k K, r *rtwmutex.Reservation) (rtwmutex.UpgradeResult, error) {
	if r != nil {
		return r.Upgrade()
	}
	e, ok := g.lookup(k)
	if !ok {
		return rtwmutex.Atomic, rtwmutex.ErrNoReadLock
	}
	return e.mu.Upgrade()
}

// Unlock releases whichever lock the caller holds on k.
func (g *Group[K]) Unlock(k K) {
	e, ok := g.lookup(k)
	if !ok {
		return
	}
	e.mu.Unlock()
	g.release(k)
}

// UnlockReservation releases a reservation from RTWLock(k) that was not
// upgraded.
func (g *Group[K]) UnlockReservation(k K, r rtwmutex.Reservation) {
	r.Unlock()
	g.release(k)
}

// Len returns the number of keys that currently have an entry.
func (g *Group[K]) Len() int {
	return int(g.live.Load())
}
