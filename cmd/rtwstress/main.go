package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thetarby/rtwmutex"
	"github.com/thetarby/rtwmutex/internal/config"
	"github.com/thetarby/rtwmutex/internal/server"
	"github.com/thetarby/rtwmutex/internal/stress"
	"github.com/thetarby/rtwmutex/pkg/lockmetrics"
	"go.uber.org/automaxprocs/maxprocs"
)

// setMaxProcs sets GOMAXPROCS from the cgroup CPU quota when there is one.
func setMaxProcs() {
	if _, err := maxprocs.Set(); err != nil {
		log.Err(err).Msg("[main] setting up GOMAXPROCS value failed")
		panic(err)
	}
	log.Info().Msgf("[main] optimized GOMAXPROCS=%d was set up", runtime.GOMAXPROCS(0))
}

func loadCfg(path string) (*config.Config, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.Info().Msgf("[config] config loaded from '%v'", path)
	}
	return cfg, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setMaxProcs()

	cfg, err := loadCfg(*cfgPath)
	if err != nil {
		log.Err(err).Msg("[main] failed to load config")
		return 2
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Msgf("[main] unknown log level %q, keeping %s", cfg.Log.Level, zerolog.GlobalLevel())
	}

	rw := rtwmutex.New(rtwmutex.WithReserveWriterLimit(cfg.Stress.ReserveWriterLimit))
	collector := lockmetrics.New()
	if err = collector.RegisterMutex("stress", rw); err != nil {
		log.Err(err).Msg("[main] failed to register lock metrics")
		return 2
	}

	srvCtx, stopSrv := context.WithCancel(ctx)
	srvDone := make(chan struct{})
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Addr, collector.WritePrometheus)
		go func() {
			defer close(srvDone)
			if err := srv.Run(srvCtx); err != nil {
				log.Err(err).Msg("[main] metrics server failed")
			}
		}()
	} else {
		close(srvDone)
	}

	report, err := stress.Run(ctx, cfg.Stress, rw)
	stopSrv()
	<-srvDone

	st := rw.Stats()
	log.Info().
		Uint64("reads", report.Reads).
		Uint64("writes", report.Writes).
		Uint64("atomic_upgrades", report.AtomicUpgrades).
		Uint64("non_atomic_upgrades", report.NonAtomicUpgrades).
		Uint64("reservations", report.Reservations).
		Uint64("blocked_reads", st.BlockedReads).
		Uint64("blocked_writes", st.BlockedWrites).
		Dur("elapsed", report.Elapsed).
		Bool("timed_out", report.TimedOut).
		Msg("[main] stress report")

	switch {
	case errors.Is(err, stress.ErrViolation):
		log.Error().Uint64("violations", report.Violations).Msg("[main] lock invariants violated")
		return 1
	case err != nil:
		log.Err(err).Msg("[main] stress run aborted")
		return 1
	}
	return 0
}
