package rtwmutex

import "errors"

// UpgradeResult tells a successful upgrader whether it kept exclusive
// continuity with its read lock.
type UpgradeResult uint8

const (
	// Atomic means no other goroutine could have held the write lock between
	// the caller's read lock and its write lock.
	Atomic UpgradeResult = iota
	// NonAtomic means the read lock was given up before the write lock was
	// obtained. Anything learned while reading must be checked again.
	NonAtomic
)

func (r UpgradeResult) String() string {
	if r == NonAtomic {
		return "non-atomic"
	}
	return "atomic"
}

var (
	// ErrNoReadLock is returned by upgrades when no read lock is held.
	ErrNoReadLock = errors.New("rtwmutex: upgrade without a read lock")
	// ErrWouldBlock is returned by TryUpgrade when the upgrade would wait.
	ErrWouldBlock = errors.New("rtwmutex: upgrade would block")
)

// Upgrade converts a read lock held by the caller into the write lock.
//
// The conversion is Atomic when the caller is the last reader, or when it is
// the first of several concurrent upgraders; that one gives up its read slot,
// marks the upgrade as pending and is handed the lock when the other readers
// have left. A later upgrader, or any upgrader while another goroutine holds
// the reservation, queues as an ordinary writer and gets NonAtomic.
func (rw *RTWMutex) Upgrade() (UpgradeResult, error) {
	return rw.upgrade(false, true)
}

// TryUpgrade is Upgrade without waiting: it only succeeds when the caller is
// the last reader, no upgrade is pending and nobody else holds the
// reservation. Otherwise it returns ErrWouldBlock and leaves the lock as is.
func (rw *RTWMutex) TryUpgrade() (UpgradeResult, error) {
	return rw.upgrade(false, false)
}

func (rw *RTWMutex) upgrade(reserved, wait bool) (UpgradeResult, error) {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		if s.readers() == 0 {
			return Atomic, ErrNoReadLock
		}
		atomic := reserved || (!s.upgradePending() && !s.reservationPending())
		next := s.addReaders(-1).addWriters(1)
		if reserved {
			next = next.withFlag(reservationPendingFlag, false)
		}

		post, park := notSignaled, notSignaled
		switch {
		case atomic && next.readers() == 0:
		case atomic:
			if !wait {
				rw.stats.tryFailures.Add(1)
				return Atomic, ErrWouldBlock
			}
			next = next.withFlag(upgradePendingFlag, true)
			park = upgradeSignaled
		case !wait:
			rw.stats.tryFailures.Add(1)
			return Atomic, ErrWouldBlock
		case next.readers() > 0:
			park = writeSignaled
		case s.upgradePending():
			// We drained the readers the pending upgrader was waiting for.
			next = next.withFlag(upgradePendingFlag, false)
			post, park = upgradeSignaled, writeSignaled
		default:
			// Last reader with nobody to defer to: the lock is ours, but the
			// reservation we lost to means the caller cannot trust its read.
			next = next.withFlag(reservationPendingFlag, false)
		}

		owner, stale := rw.staleReservation(s, next, reserved)
		if !rw.state.CompareAndSwap(raw, uint64(next)) {
			continue
		}
		if stale {
			rw.clearReservation(owner)
		}
		if post != notSignaled {
			rw.handOff(post)
		}
		if park != notSignaled {
			rw.await(park)
		}
		if atomic {
			rw.stats.atomicUpgrades.Add(1)
			return Atomic, nil
		}
		rw.stats.nonAtomicUpgrades.Add(1)
		return NonAtomic, nil
	}
}
