package lockmetrics

var (
	Readers            = "rtwmutex_readers"
	BlockedReaders     = "rtwmutex_blocked_readers"
	Writers            = "rtwmutex_writers"
	UpgradePending     = "rtwmutex_upgrade_pending"
	ReservationPending = "rtwmutex_reservation_pending"
	BlockedReads       = "rtwmutex_blocked_reads_total"
	BlockedWrites      = "rtwmutex_blocked_writes_total"
	AtomicUpgrades     = "rtwmutex_atomic_upgrades_total"
	NonAtomicUpgrades  = "rtwmutex_non_atomic_upgrades_total"
	Reservations       = "rtwmutex_reservations_total"
	TryFailures        = "rtwmutex_try_failures_total" // TryRLock, TryLock and TryUpgrade give-ups
)
