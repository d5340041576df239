// Package server exposes /metrics and /healthz over fasthttp while a stress
// run is in progress.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fasthttp/router"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	metricsPath = "/metrics"
	healthPath  = "/healthz"

	shutdownTimeout = 10 * time.Second
)

// MetricsWriter appends Prometheus text to w, e.g. lockmetrics.Collector.WritePrometheus.
type MetricsWriter func(w io.Writer)

type Server struct {
	addr    string
	server  *fasthttp.Server
	writers []MetricsWriter
	alive   atomic.Bool
}

// New builds a server for addr. /metrics always includes the process-wide
// VictoriaMetrics registry followed by the output of writers.
func New(addr string, writers ...MetricsWriter) *Server {
	s := &Server{addr: addr, writers: writers}

	r := router.New()
	r.GET(metricsPath, s.handleMetrics)
	r.GET(healthPath, s.handleHealth)

	s.server = &fasthttp.Server{
		Handler:               r.Handler,
		Name:                  "rtwstress",
		GetOnly:               true,
		CloseOnShutdown:       true,
		ReduceMemoryUsage:     true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
		IdleTimeout:           time.Minute,
		NoDefaultServerHeader: true,
	}
	return s
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/plain; version=0.0.4")
	metrics.WritePrometheus(ctx, true)
	for _, w := range s.writers {
		w(ctx)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

// IsAlive reports whether the server is accepting connections.
func (s *Server) IsAlive() bool {
	return s.alive.Load()
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.alive.Store(true)
		log.Info().Msgf("[server] started on %v", ln.Addr())
		err := s.server.Serve(ln)
		s.alive.Store(false)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve %v: %w", ln.Addr(), err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Msgf("[server] shutdown failed: %v", err.Error())
		return fmt.Errorf("shutdown: %w", err)
	}
	err := <-errCh
	log.Info().Msgf("[server] stopped on %v", ln.Addr())
	return err
}
