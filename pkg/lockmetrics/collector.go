// Package lockmetrics exports the counters and lock-word fields of named
// RTWMutexes in the Prometheus text format.
package lockmetrics

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/thetarby/rtwmutex"
)

var ErrDuplicateName = errors.New("lockmetrics: name already registered")

// Collector owns a private metrics.Set, so several collectors can live in
// one process without clashing in the global registry.
type Collector struct {
	mu    sync.Mutex
	set   *metrics.Set
	names map[string]struct{}
}

func New() *Collector {
	return &Collector{
		set:   metrics.NewSet(),
		names: make(map[string]struct{}),
	}
}

// RegisterMutex exports both the Stats counters and the current lock word
// of rw under the label lock="name".
func (c *Collector) RegisterMutex(name string, rw *rtwmutex.RTWMutex) error {
	if err := c.RegisterStats(name, rw.Stats); err != nil {
		return err
	}
	label := labelFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.NewGauge(Readers+label, func() float64 {
		return float64(rw.Snapshot().Readers)
	})
	c.set.NewGauge(BlockedReaders+label, func() float64 {
		return float64(rw.Snapshot().BlockedReaders)
	})
	c.set.NewGauge(Writers+label, func() float64 {
		return float64(rw.Snapshot().Writers)
	})
	c.set.NewGauge(UpgradePending+label, func() float64 {
		return boolGauge(rw.Snapshot().UpgradePending)
	})
	c.set.NewGauge(ReservationPending+label, func() float64 {
		return boolGauge(rw.Snapshot().ReservationPending)
	})
	return nil
}

// RegisterStats exports the counters returned by stats, e.g. the aggregate
// of a shardmap.Map.
func (c *Collector) RegisterStats(name string, stats func() rtwmutex.Stats) error {
	if name == "" {
		return fmt.Errorf("lockmetrics: empty name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.names[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	c.names[name] = struct{}{}

	label := labelFor(name)
	c.set.NewGauge(BlockedReads+label, func() float64 {
		return float64(stats().BlockedReads)
	})
	c.set.NewGauge(BlockedWrites+label, func() float64 {
		return float64(stats().BlockedWrites)
	})
	c.set.NewGauge(AtomicUpgrades+label, func() float64 {
		return float64(stats().AtomicUpgrades)
	})
	c.set.NewGauge(NonAtomicUpgrades+label, func() float64 {
		return float64(stats().NonAtomicUpgrades)
	})
	c.set.NewGauge(Reservations+label, func() float64 {
		return float64(stats().Reservations)
	})
	c.set.NewGauge(TryFailures+label, func() float64 {
		return float64(stats().TryFailures)
	})
	return nil
}

// WritePrometheus writes every registered metric to w.
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

func labelFor(name string) string {
	return `{lock="` + sanitize(name) + `"}`
}

// sanitize escapes quotes and backslashes in label values.
func sanitize(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
