package rtwmutex

// IRTWMutex is the method set of RTWMutex: a classic RWMutex extended with a
// read-to-write lock (RTWLock) whose read lock can be upgraded to an
// exclusive write lock without anybody else getting in between, and with
// best-effort upgrades of plain read locks.
type IRTWMutex interface {
	RTWLock() Reservation
	Upgrade() (UpgradeResult, error)
	TryUpgrade() (UpgradeResult, error)

	RLock()
	TryRLock() bool

	Lock()
	TryLock() bool

	Unlock()
}

var _ IRTWMutex = (*RTWMutex)(nil)
