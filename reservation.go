package rtwmutex

// Reservation is a read lock that carries the right to a guaranteed Atomic
// upgrade. At most one reservation exists per RTWMutex at a time.
//
// A Reservation is released either by Upgrade (after which the write lock
// is released with RTWMutex.Unlock) or by its own Unlock.
type Reservation struct {
	rw  *RTWMutex
	seq uint64
}

// RTWLock locks rw for reading and reserves the next write lock for the
// caller. It blocks like RLock, and additionally waits while another
// goroutine holds the reservation.
//
// When the fast path is closed the caller queues as a writer, and once it
// owns the lock it turns the write lock into a reserved read lock in one
// step, so nobody can slip in between.
func (rw *RTWMutex) RTWLock() Reservation {
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		if s.readOK() && !s.reservationPending() {
			next := s.addReaders(1).withFlag(reservationPendingFlag, true)
			if rw.state.CompareAndSwap(raw, uint64(next)) {
				return rw.reserved()
			}
			continue
		}
		if limit := rw.writerLimit(); limit > 0 && s.writers() > limit {
			rw.waitWriters(limit, rw.load)
			continue
		}
		break
	}

	rw.Lock()
	for {
		raw := rw.state.Load()
		s := loadState(raw)
		next, wake := s.addWriters(-1).addReaders(1).
			withFlag(reservationPendingFlag, true).admitBlockedIfOpen()
		if !rw.state.CompareAndSwap(raw, uint64(next)) {
			continue
		}
		rw.releaseLimitWaiters()
		if wake {
			rw.releaseReaders()
		}
		return rw.reserved()
	}
}

func (rw *RTWMutex) reserved() Reservation {
	rw.stats.reservations.Add(1)
	return Reservation{rw: rw, seq: rw.recordReservation()}
}

// admitBlockedIfOpen admits blocked readers once no writer is left.
func (s lockState) admitBlockedIfOpen() (lockState, bool) {
	if s.writers() > 0 {
		return s, false
	}
	return s.admitBlocked()
}

// Upgrade converts the reserved read lock into the write lock. It returns
// Atomic unless the reservation was already used up, in which case it
// behaves like RTWMutex.Upgrade.
func (r Reservation) Upgrade() (UpgradeResult, error) {
	if r.rw == nil {
		return Atomic, ErrNoReadLock
	}
	owned := r.rw.holds(r.seq)
	res, err := r.rw.upgrade(owned, true)
	if err == nil && owned {
		r.rw.clearReservation(r.seq)
	}
	return res, err
}

// TryUpgrade is Upgrade without waiting for the other readers to leave.
func (r Reservation) TryUpgrade() (UpgradeResult, error) {
	if r.rw == nil {
		return Atomic, ErrNoReadLock
	}
	owned := r.rw.holds(r.seq)
	res, err := r.rw.upgrade(owned, false)
	if err == nil && owned {
		r.rw.clearReservation(r.seq)
	}
	return res, err
}

// Unlock releases the reserved read lock without upgrading.
func (r Reservation) Unlock() {
	owned := r.rw.holds(r.seq)
	if owned {
		r.rw.clearReservation(r.seq)
	}
	r.rw.unlock(owned)
}

// Held reports whether r is still the mutex's live reservation.
func (r Reservation) Held() bool {
	return r.rw != nil && r.rw.holds(r.seq)
}

// holds reports whether seq is the recorded reservation and the word still
// carries it.
func (rw *RTWMutex) holds(seq uint64) bool {
	return rw.load().reservationPending() && rw.ownsReservation(seq)
}
