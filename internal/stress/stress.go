// Package stress drives an rtwmutex.IRTWMutex with concurrent readers,
// writers and upgraders and checks, while they run, that the lock never lets
// a writer overlap anybody and that Atomic upgrades really are atomic.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog/log"
	"github.com/thetarby/rtwmutex"
	"github.com/thetarby/rtwmutex/internal/config"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var ErrViolation = errors.New("stress: lock invariant violated")

const writerWeight = 10000

// Report summarises one Run.
type Report struct {
	Reads             uint64
	Writes            uint64
	AtomicUpgrades    uint64
	NonAtomicUpgrades uint64
	Reservations      uint64 // RTWLock sections, upgraded or not
	Violations        uint64
	Elapsed           time.Duration
	TimedOut          bool // stopped by the deadline before all iterations ran
}

var (
	readsTotal      = metrics.GetOrCreateCounter(`rtwstress_ops_total{kind="read"}`)
	writesTotal     = metrics.GetOrCreateCounter(`rtwstress_ops_total{kind="write"}`)
	atomicTotal     = metrics.GetOrCreateCounter(`rtwstress_ops_total{kind="atomic_upgrade"}`)
	nonAtomicTotal  = metrics.GetOrCreateCounter(`rtwstress_ops_total{kind="non_atomic_upgrade"}`)
	reservedTotal   = metrics.GetOrCreateCounter(`rtwstress_ops_total{kind="reservation"}`)
	violationsTotal = metrics.GetOrCreateCounter(`rtwstress_violations_total`)
)

// run is the state shared by the workers of one Run. activity holds the
// number of active readers + writerWeight * the number of active writers.
type run struct {
	mu       rtwmutex.IRTWMutex
	limiter  *rate.Limiter
	activity atomic.Int32
	value    int64 // guarded by mu

	reads, writes, atomics, nonAtomics, reservations, violations atomic.Uint64
}

// Run executes the workload described by cfg against mu and blocks until
// every worker is done, ctx is cancelled or cfg.Timeout expires. Detected
// violations are counted, logged and reported as ErrViolation.
func Run(ctx context.Context, cfg config.Stress, mu rtwmutex.IRTWMutex) (Report, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	r := &run{mu: mu}
	if cfg.WriteRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRate), max(1, cfg.Writers))
	}

	log.Info().Msgf("[stress] starting: readers=%d writers=%d upgraders=%d reservers=%d iterations=%d",
		cfg.Readers, cfg.Writers, cfg.Upgraders, cfg.Reservers, cfg.Iterations)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	spawn := func(n int, worker func(context.Context, int) error) {
		for i := 0; i < n; i++ {
			g.Go(func() error { return worker(gctx, cfg.Iterations) })
		}
	}
	spawn(cfg.Readers, r.reader)
	spawn(cfg.Writers, r.writer)
	spawn(cfg.Upgraders, r.upgrader)
	spawn(cfg.Reservers, r.reserver)
	err := g.Wait()

	report := Report{
		Reads:             r.reads.Load(),
		Writes:            r.writes.Load(),
		AtomicUpgrades:    r.atomics.Load(),
		NonAtomicUpgrades: r.nonAtomics.Load(),
		Reservations:      r.reservations.Load(),
		Violations:        r.violations.Load(),
		Elapsed:           time.Since(start),
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
		log.Info().Msgf("[stress] deadline reached after %s", report.Elapsed)
		report.TimedOut = true
		err = nil
	}
	if err != nil {
		return report, fmt.Errorf("stress run: %w", err)
	}
	if report.Violations > 0 {
		return report, fmt.Errorf("%w: %d violations", ErrViolation, report.Violations)
	}
	log.Info().Msgf("[stress] done in %s", report.Elapsed)
	return report, nil
}

func (r *run) violation(format string, args ...any) {
	r.violations.Add(1)
	violationsTotal.Inc()
	log.Error().Msgf("[stress] "+format, args...)
}

func (r *run) enterRead() {
	if n := r.activity.Add(1); n < 1 || n >= writerWeight {
		r.violation("reader entered with activity %d", n)
	}
}

func (r *run) leaveRead() {
	r.activity.Add(-1)
}

func (r *run) enterWrite() {
	if n := r.activity.Add(writerWeight); n != writerWeight {
		r.violation("writer entered with activity %d", n)
	}
}

func (r *run) leaveWrite() {
	r.activity.Add(-writerWeight)
}

func spin() {
	for i := 0; i < 100; i++ {
	}
}

func (r *run) reader(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.RLock()
		r.enterRead()
		spin()
		r.leaveRead()
		r.mu.Unlock()
		r.reads.Add(1)
		readsTotal.Inc()
	}
	return nil
}

func (r *run) writer(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// the next token falls after the deadline
				return fmt.Errorf("write pacing: %w", context.DeadlineExceeded)
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		r.enterWrite()
		r.value++
		spin()
		r.leaveWrite()
		r.mu.Unlock()
		r.writes.Add(1)
		writesTotal.Inc()
	}
	return nil
}

// write is the exclusive half of a read-to-write section; seen is the value
// read under the read lock.
func (r *run) write(seen int64, res rtwmutex.UpgradeResult) {
	r.enterWrite()
	if res == rtwmutex.Atomic && r.value != seen {
		r.violation("atomic upgrade saw %d, read %d", r.value, seen)
	}
	r.value++
	spin()
	r.leaveWrite()
	switch res {
	case rtwmutex.Atomic:
		r.atomics.Add(1)
		atomicTotal.Inc()
	default:
		r.nonAtomics.Add(1)
		nonAtomicTotal.Inc()
	}
}

func (r *run) upgrader(ctx context.Context, iterations int) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.RLock()
		r.enterRead()
		seen := r.value
		r.leaveRead()
		res, err := r.mu.Upgrade()
		if err != nil {
			return fmt.Errorf("upgrade: %w", err)
		}
		r.write(seen, res)
		r.mu.Unlock()
	}
	return nil
}

func (r *run) reserver(ctx context.Context, iterations int) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rs := r.mu.RTWLock()
		r.reservations.Add(1)
		reservedTotal.Inc()
		r.enterRead()
		seen := r.value
		spin()
		r.leaveRead()
		if rnd.Intn(2) == 0 {
			rs.Unlock()
			continue
		}
		res, err := rs.Upgrade()
		if err != nil {
			return fmt.Errorf("reserved upgrade: %w", err)
		}
		if res != rtwmutex.Atomic {
			r.violation("reserved upgrade returned %s", res)
		}
		r.write(seen, res)
		r.mu.Unlock()
	}
	return nil
}
