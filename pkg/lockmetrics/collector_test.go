package lockmetrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thetarby/rtwmutex"
)

func TestCollector_RegisterMutex(t *testing.T) {
	c := New()
	rw := rtwmutex.New()
	require.NoError(t, c.RegisterMutex("primary", rw))

	rw.RLock()
	rw.RLock()
	assert.False(t, rw.TryLock())

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `rtwmutex_readers{lock="primary"} 2`)
	assert.Contains(t, out, `rtwmutex_writers{lock="primary"} 0`)
	assert.Contains(t, out, `rtwmutex_try_failures_total{lock="primary"} 1`)
	assert.Contains(t, out, `rtwmutex_reservation_pending{lock="primary"} 0`)

	rw.Unlock()
	res, err := rw.Upgrade()
	require.NoError(t, err)
	require.Equal(t, rtwmutex.Atomic, res)

	buf.Reset()
	c.WritePrometheus(&buf)
	out = buf.String()
	assert.Contains(t, out, `rtwmutex_readers{lock="primary"} 0`)
	assert.Contains(t, out, `rtwmutex_writers{lock="primary"} 1`)
	assert.Contains(t, out, `rtwmutex_atomic_upgrades_total{lock="primary"} 1`)
	rw.Unlock()
}

func TestCollector_RegisterStats(t *testing.T) {
	c := New()
	calls := 0
	require.NoError(t, c.RegisterStats("agg", func() rtwmutex.Stats {
		calls++
		return rtwmutex.Stats{Reservations: 5}
	}))

	var buf bytes.Buffer
	c.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `rtwmutex_reservations_total{lock="agg"} 5`)
	assert.NotContains(t, buf.String(), "rtwmutex_readers")
	assert.Positive(t, calls)
}

func TestCollector_DuplicateName(t *testing.T) {
	c := New()
	require.NoError(t, c.RegisterMutex("a", rtwmutex.New()))
	err := c.RegisterMutex("a", rtwmutex.New())
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Error(t, c.RegisterStats("", nil))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "plain", sanitize("plain"))
	assert.Equal(t, `we\"ird\\name`, sanitize(`we"ird\name`))
}
