package rtwmutex

// lockState is the packed lock word. Every field lives in its own bit range
// and the word is only ever replaced with CompareAndSwap:
//
//	|63   55|54|53|52|51     40|39        20|19       0|
//	 \ gen / RP UP OK \writers/ \ blocked  / \ readers /
//
// readers  - goroutines holding a read lock
// blocked  - goroutines parked waiting for a read lock
// writers  - goroutines holding or queued for the write lock
// OK       - a new reader may enter without blocking
// UP       - an upgrader waits for the readers to drain
// RP       - a reader holds the upgrade reservation
// gen      - bumped every time blocked readers are released
type lockState uint64

const (
	readerOffset uint64 = 0
	readerBits   uint64 = 20
	readerMask   uint64 = ((1 << readerBits) - 1) << readerOffset

	blockedOffset uint64 = 20
	blockedBits   uint64 = 20
	blockedMask   uint64 = ((1 << blockedBits) - 1) << blockedOffset

	writerOffset uint64 = 40
	writerBits   uint64 = 12
	writerMask   uint64 = ((1 << writerBits) - 1) << writerOffset

	readOKFlag             uint64 = 1 << 52
	upgradePendingFlag     uint64 = 1 << 53
	reservationPendingFlag uint64 = 1 << 54

	generationOffset uint64 = 55
	generationBits   uint64 = 9
	generationMask   uint64 = ((1 << generationBits) - 1) << generationOffset

	maxReaders = (1 << readerBits) - 1
	maxBlocked = (1 << blockedBits) - 1
	maxWriters = (1 << writerBits) - 1
)

// initialState is an unlocked word. The raw zero word of an RTWMutex that was
// never touched is read as initialState; once used, the word always carries
// either the read-OK flag or a writer, so it never returns to zero.
const initialState = lockState(readOKFlag)

func loadState(raw uint64) lockState {
	if raw == 0 {
		return initialState
	}
	return lockState(raw)
}

func (s lockState) readers() uint64 {
	return (uint64(s) & readerMask) >> readerOffset
}

func (s lockState) withReaders(n uint64) lockState {
	if n > maxReaders {
		panic("rtwmutex: too many readers")
	}
	return lockState((uint64(s) &^ readerMask) | (n << readerOffset))
}

func (s lockState) blocked() uint64 {
	return (uint64(s) & blockedMask) >> blockedOffset
}

func (s lockState) withBlocked(n uint64) lockState {
	if n > maxBlocked {
		panic("rtwmutex: too many blocked readers")
	}
	return lockState((uint64(s) &^ blockedMask) | (n << blockedOffset))
}

func (s lockState) writers() uint64 {
	return (uint64(s) & writerMask) >> writerOffset
}

func (s lockState) withWriters(n uint64) lockState {
	if n > maxWriters {
		panic("rtwmutex: too many writers")
	}
	return lockState((uint64(s) &^ writerMask) | (n << writerOffset))
}

func (s lockState) generation() uint64 {
	return (uint64(s) & generationMask) >> generationOffset
}

// nextGeneration wraps around. A released reader stays counted as active
// until it unlocks, so no writer can release the next batch (and bump the
// generation again) before every waiter of the previous batch has observed
// its own bump.
func (s lockState) nextGeneration() lockState {
	g := (s.generation() + 1) & ((1 << generationBits) - 1)
	return lockState((uint64(s) &^ generationMask) | (g << generationOffset))
}

func (s lockState) flag(f uint64) bool {
	return uint64(s)&f != 0
}

func (s lockState) withFlag(f uint64, on bool) lockState {
	if on {
		return lockState(uint64(s) | f)
	}
	return lockState(uint64(s) &^ f)
}

func (s lockState) readOK() bool             { return s.flag(readOKFlag) }
func (s lockState) upgradePending() bool     { return s.flag(upgradePendingFlag) }
func (s lockState) reservationPending() bool { return s.flag(reservationPendingFlag) }

func (s lockState) addReaders(delta int) lockState {
	return s.withReaders(uint64(int64(s.readers()) + int64(delta)))
}

func (s lockState) addBlocked(delta int) lockState {
	return s.withBlocked(uint64(int64(s.blocked()) + int64(delta)))
}

// addWriters keeps read-OK in step with the writer count.
func (s lockState) addWriters(delta int) lockState {
	next := s.withWriters(uint64(int64(s.writers()) + int64(delta)))
	return next.withFlag(readOKFlag, next.writers() == 0)
}

// admitBlocked turns every blocked reader into an active one and bumps the
// generation so the waiters can tell their wakeup from a stale one. It
// reports whether there was anybody to wake.
func (s lockState) admitBlocked() (lockState, bool) {
	b := s.blocked()
	if b == 0 {
		return s, false
	}
	return s.withBlocked(0).withReaders(s.readers() + b).nextGeneration(), true
}

// Snapshot is a decoded copy of the lock word.
type Snapshot struct {
	Readers            uint64
	BlockedReaders     uint64
	Writers            uint64
	ReadOK             bool
	UpgradePending     bool
	ReservationPending bool
	Generation         uint64
}

func (s lockState) snapshot() Snapshot {
	return Snapshot{
		Readers:            s.readers(),
		BlockedReaders:     s.blocked(),
		Writers:            s.writers(),
		ReadOK:             s.readOK(),
		UpgradePending:     s.upgradePending(),
		ReservationPending: s.reservationPending(),
		Generation:         s.generation(),
	}
}

// WriteLocked reports whether the snapshot describes a held write lock.
func (s Snapshot) WriteLocked() bool {
	return s.Writers > 0 && s.Readers == 0
}
