package rtwmutex

import (
	"sync"
	"sync/atomic"
)

// signalState is the single-slot mailbox used to hand the write lock to
// exactly one parked writer or upgrader.
type signalState uint8

const (
	notSignaled signalState = iota
	writeSignaled
	upgradeSignaled
)

func (s signalState) String() string {
	switch s {
	case writeSignaled:
		return "write"
	case upgradeSignaled:
		return "upgrade"
	default:
		return "none"
	}
}

// coordinator parks goroutines the lock word could not satisfy.
// Everything below mu is guarded by it.
type coordinator struct {
	mu          sync.Mutex
	readCond    sync.Cond
	writeCond   sync.Cond
	upgradeCond sync.Cond
	limitCond   sync.Cond
	signal      signalState

	// goroutines parked in waitWriters; read without mu by releasers
	limitWaiters atomic.Int32

	// reservation owner
	owner uint64
	owned bool
	seq   uint64
}

// enter acquires mu and binds the condition variables on first use so that
// the zero RTWMutex works.
func (c *coordinator) enter() {
	c.mu.Lock()
	if c.readCond.L == nil {
		c.readCond.L = &c.mu
		c.writeCond.L = &c.mu
		c.upgradeCond.L = &c.mu
		c.limitCond.L = &c.mu
	}
}

func (c *coordinator) leave() {
	c.mu.Unlock()
}

// waitReaders blocks until the generation read by load differs from gen.
// The releasing side bumps the generation before taking mu to broadcast,
// and the check below runs under mu, so the broadcast cannot fall between
// the check and Wait.
func (c *coordinator) waitReaders(gen uint64, load func() lockState) {
	c.enter()
	for load().generation() == gen {
		c.readCond.Wait()
	}
	c.leave()
}

func (c *coordinator) releaseReaders() {
	c.enter()
	c.readCond.Broadcast()
	c.leave()
}

// waitWriters blocks while more than limit writers are registered. A
// releaser lowers the writer count before it reads limitWaiters, and the
// waiter registers before it checks the count, so one of them sees the other.
func (c *coordinator) waitWriters(limit uint64, load func() lockState) {
	c.enter()
	c.limitWaiters.Add(1)
	for load().writers() > limit {
		c.limitCond.Wait()
	}
	c.limitWaiters.Add(-1)
	c.leave()
}

// releaseLimitWaiters wakes waitWriters callers after a writer has left.
func (c *coordinator) releaseLimitWaiters() {
	if c.limitWaiters.Load() == 0 {
		return
	}
	c.enter()
	c.limitCond.Broadcast()
	c.leave()
}

func (c *coordinator) cond(s signalState) *sync.Cond {
	if s == upgradeSignaled {
		return &c.upgradeCond
	}
	return &c.writeCond
}

// await parks until the mailbox holds want and then empties it.
func (c *coordinator) await(want signalState) {
	c.enter()
	cond := c.cond(want)
	for c.signal != want {
		cond.Wait()
	}
	c.signal = notSignaled
	c.leave()
}

// handOff posts s and wakes one goroutine parked on the matching condition.
// A hand-off is posted only by the goroutine that just gave the write lock
// away, and the next one can only follow after the receiver has run, so the
// slot is always empty here.
func (c *coordinator) handOff(s signalState) {
	c.enter()
	if pending := c.signal; pending != notSignaled {
		c.leave()
		panic("rtwmutex: hand-off over pending " + pending.String() + " signal")
	}
	c.signal = s
	c.cond(s).Signal()
	c.leave()
}

func (c *coordinator) recordReservation() uint64 {
	c.enter()
	c.seq++
	c.owner = c.seq
	c.owned = true
	seq := c.seq
	c.leave()
	return seq
}

// reservationOwner returns the sequence number of the recorded reservation.
func (c *coordinator) reservationOwner() (uint64, bool) {
	c.enter()
	owner, owned := c.owner, c.owned
	c.leave()
	return owner, owned
}

func (c *coordinator) ownsReservation(seq uint64) bool {
	c.enter()
	ok := c.owned && c.owner == seq
	c.leave()
	return ok
}

func (c *coordinator) clearReservation(seq uint64) {
	c.enter()
	if c.owned && c.owner == seq {
		c.owned = false
	}
	c.leave()
}
