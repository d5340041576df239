package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thetarby/rtwmutex"
	"github.com/thetarby/rtwmutex/pkg/lockmetrics"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func startServer(t *testing.T, writers ...MetricsWriter) (*Server, *fasthttp.Client, context.CancelFunc, <-chan error) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	s := New("in-memory", writers...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
	require.Eventually(t, s.IsAlive, time.Second, time.Millisecond)
	return s, client, cancel, done
}

func TestServer_Health(t *testing.T) {
	s, client, cancel, done := startServer(t)

	status, body, err := client.Get(nil, "http://rtwstress"+healthPath)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "ok", string(body))

	status, _, err = client.Get(nil, "http://rtwstress/nope")
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusNotFound, status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, s.IsAlive())
}

func TestServer_Metrics(t *testing.T) {
	c := lockmetrics.New()
	rw := rtwmutex.New()
	require.NoError(t, c.RegisterMutex("served", rw))
	rw.RLock()
	defer rw.Unlock()

	extra := func(w io.Writer) { _, _ = io.WriteString(w, "custom_metric 1\n") }
	_, client, cancel, done := startServer(t, c.WritePrometheus, extra)
	defer func() {
		cancel()
		<-done
	}()

	status, body, err := client.Get(nil, "http://rtwstress"+metricsPath)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `rtwmutex_readers{lock="served"} 1`)
	assert.Contains(t, string(body), "custom_metric 1")
	assert.Contains(t, string(body), "go_goroutines")
}
