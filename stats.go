package rtwmutex

import "sync/atomic"

// Stats counts the slow-path events of an RTWMutex since it was created.
// Fast-path acquisitions are not counted.
type Stats struct {
	BlockedReads      uint64 // RLock calls that had to park
	BlockedWrites     uint64 // Lock calls that had to park
	AtomicUpgrades    uint64
	NonAtomicUpgrades uint64
	Reservations      uint64 // successful RTWLock calls
	TryFailures       uint64 // TryRLock, TryLock and TryUpgrade calls that gave up
}

type counters struct {
	blockedReads      atomic.Uint64
	blockedWrites     atomic.Uint64
	atomicUpgrades    atomic.Uint64
	nonAtomicUpgrades atomic.Uint64
	reservations      atomic.Uint64
	tryFailures       atomic.Uint64
}

// Stats returns a copy of the counters. The fields are read one at a time,
// so they need not be mutually consistent under concurrent use.
func (rw *RTWMutex) Stats() Stats {
	c := &rw.stats
	return Stats{
		BlockedReads:      c.blockedReads.Load(),
		BlockedWrites:     c.blockedWrites.Load(),
		AtomicUpgrades:    c.atomicUpgrades.Load(),
		NonAtomicUpgrades: c.nonAtomicUpgrades.Load(),
		Reservations:      c.reservations.Load(),
		TryFailures:       c.tryFailures.Load(),
	}
}
