// Package rtwmutex provides RTWMutex, a writer-preferring reader/writer lock
// whose read locks can be converted into the write lock.
//
// The fast path is a single CompareAndSwap on a packed 64-bit word. Only
// when the word says the caller has to wait does it fall back to a mutex and
// one of three condition variables (readers, writers, upgrader).
package rtwmutex

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultReserveWriterLimit is the number of registered writers above which
// RTWLock stops joining the writer queue and parks until it shrinks.
const DefaultReserveWriterLimit = 16

// RTWMutex is a reader/writer mutual exclusion lock with read-to-write
// upgrade. The zero value is an unlocked mutex.
//
// As soon as a writer registers, new readers block until that writer has had
// the lock, even though readers already inside are allowed to drain. Read
// locks are anonymous: RLock may be called again by a goroutine already
// holding a read lock, but that call blocks behind any queued writer.
//
// An RTWMutex must not be copied after first use.
type RTWMutex struct {
	state atomic.Uint64
	_     cpu.CacheLinePad

	coordinator

	// 0 selects DefaultReserveWriterLimit, negative disables the limit.
	reserveLimit int
	stats        counters
}

// Option configures an RTWMutex built by New.
type Option func(*RTWMutex)

// WithReserveWriterLimit sets how many registered writers RTWLock tolerates
// before it parks instead of queueing; it is woken as writers release the
// lock. n <= 0 disables the limit.
func WithReserveWriterLimit(n int) Option {
	return func(rw *RTWMutex) {
		if n <= 0 {
			rw.reserveLimit = -1
			return
		}
		rw.reserveLimit = n
	}
}

// New returns an unlocked RTWMutex.
func New(opts ...Option) *RTWMutex {
	rw := &RTWMutex{}
	rw.state.Store(uint64(initialState))
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

func (rw *RTWMutex) load() lockState {
	return loadState(rw.state.Load())
}

// Snapshot decodes the current lock word. It is meant for diagnostics; the
// value may be stale by the time it is returned.
func (rw *RTWMutex) Snapshot() Snapshot {
	return rw.load().snapshot()
}

func (rw *RTWMutex) writerLimit() uint64 {
	switch {
	case rw.reserveLimit == 0:
		return DefaultReserveWriterLimit
	case rw.reserveLimit < 0:
		return 0
	default:
		return uint64(rw.reserveLimit)
	}
}

// RLock locks rw for reading. It blocks while a writer holds the lock or is
// queued for it.
func (rw *RTWMutex) RLock() {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		block := !s.readOK()
		var next lockState
		if block {
			next = s.addBlocked(1)
		} else {
			next = s.addReaders(1)
		}
		if !rw.state.CompareAndSwap(raw, uint64(next)) {
			continue
		}
		if block {
			// Whoever releases us has already counted us as an active reader.
			rw.stats.blockedReads.Add(1)
			rw.waitReaders(s.generation(), rw.load)
		}
		return
	}
}

// TryRLock tries to lock rw for reading and reports whether it succeeded.
// On failure the lock is left untouched.
func (rw *RTWMutex) TryRLock() bool {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		if !s.readOK() {
			rw.stats.tryFailures.Add(1)
			return false
		}
		if rw.state.CompareAndSwap(raw, uint64(s.addReaders(1))) {
			return true
		}
	}
}

// Lock locks rw for writing. It registers the caller as a writer right away,
// which closes the lock to new readers, and then waits until the readers
// inside have left and every writer ahead of it is done.
func (rw *RTWMutex) Lock() {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		block := s.writers() > 0 || s.readers() > 0
		if !rw.state.CompareAndSwap(raw, uint64(s.addWriters(1))) {
			continue
		}
		if block {
			rw.stats.blockedWrites.Add(1)
			rw.await(writeSignaled)
		}
		return
	}
}

// TryLock tries to lock rw for writing and reports whether it succeeded.
// On failure the lock is left untouched.
func (rw *RTWMutex) TryLock() bool {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		if s.writers() > 0 || s.readers() > 0 || s.blocked() > 0 {
			rw.stats.tryFailures.Add(1)
			return false
		}
		if rw.state.CompareAndSwap(raw, uint64(s.addWriters(1))) {
			return true
		}
	}
}

// Unlock releases whichever lock the caller holds. While readers are inside
// no writer can be, so a non-zero reader count means the caller is a reader;
// otherwise it is the write owner.
//
// A read lock taken with RTWLock should be released with Reservation.Unlock.
// Releasing it here gives the reservation up as well: a later
// Reservation.Upgrade behaves like RTWMutex.Upgrade.
//
// It is a run-time error if rw is not locked on entry to Unlock.
func (rw *RTWMutex) Unlock() {
	rw.unlock(false)
}

// RUnlock is Unlock under the name sync.RWMutex users expect.
func (rw *RTWMutex) RUnlock() {
	rw.unlock(false)
}

func (rw *RTWMutex) unlock(dropReservation bool) {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		if s.readers() > 0 {
			next, sig := releaseRead(s, dropReservation)
			owner, stale := rw.staleReservation(s, next, dropReservation)
			if !rw.state.CompareAndSwap(raw, uint64(next)) {
				continue
			}
			if stale {
				rw.clearReservation(owner)
			}
			if sig != notSignaled {
				rw.handOff(sig)
			}
			return
		}
		if s.writers() == 0 {
			panic("rtwmutex: Unlock of unlocked RTWMutex")
		}
		next, wake := releaseWrite(s)
		if !rw.state.CompareAndSwap(raw, uint64(next)) {
			continue
		}
		rw.releaseLimitWaiters()
		switch {
		case next.writers() > 0:
			rw.handOff(writeSignaled)
		case wake:
			rw.releaseReaders()
		}
		return
	}
}

// staleReservation reports the recorded reservation that the transition
// from s to next drops without its token, i.e. when the holder leaves through
// Unlock or Upgrade. The owner is read before the CAS: the bit stays set until
// that CAS lands, so no newer reservation can have been recorded yet.
func (rw *RTWMutex) staleReservation(s, next lockState, byToken bool) (uint64, bool) {
	if byToken || !s.reservationPending() || next.reservationPending() {
		return 0, false
	}
	return rw.reservationOwner()
}

// releaseRead drops one reader. When that empties the reader count it picks
// the goroutine to hand the write lock to: a pending upgrader first, then
// any queued writer.
func releaseRead(s lockState, dropReservation bool) (lockState, signalState) {
	next := s.addReaders(-1)
	if dropReservation {
		next = next.withFlag(reservationPendingFlag, false)
	}
	if next.readers() > 0 {
		return next, notSignaled
	}
	// The reservation holder is a reader; with none left it is gone.
	next = next.withFlag(reservationPendingFlag, false)
	switch {
	case next.upgradePending():
		return next.withFlag(upgradePendingFlag, false), upgradeSignaled
	case next.writers() > 0:
		return next, writeSignaled
	}
	return next, notSignaled
}

// releaseWrite drops the write owner. If no writer is left, blocked readers
// are admitted in the same step.
func releaseWrite(s lockState) (lockState, bool) {
	next := s.addWriters(-1)
	if next.writers() > 0 {
		return next, false
	}
	return next.admitBlocked()
}

// RLocker returns a Locker interface that implements
// the Lock and Unlock methods by calling rw.RLock and rw.Unlock.
func (rw *RTWMutex) RLocker() sync.Locker {
	return (*rlocker)(rw)
}

type rlocker RTWMutex

func (r *rlocker) Lock()   { (*RTWMutex)(r).RLock() }
func (r *rlocker) Unlock() { (*RTWMutex)(r).Unlock() }
