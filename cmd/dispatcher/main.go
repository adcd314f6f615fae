// Package main — cmd/dispatcher/main.go
//
// Dispatcher agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/dispatcher/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open BoltDB storage.
//  4. Start Prometheus metrics server.
//  5. Start the delayed command scheduler.
//  6. Build the Command Gate, supervisor and reconciliation solver.
//  7. Start the poll-driven run loop.
//  8. Register SIGHUP handler for config hot-reload (logging only —
//     timeouts and topology still require a restart to pick up).
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to the run loop and scheduler).
//  2. Wait for the run loop to stop, then join the scheduler worker
//     (max 5s total).
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure, or storage open failure: exit 1
// immediately (no partial state).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coderdj/dispatcher/internal/config"
	"github.com/coderdj/dispatcher/internal/dispatcherrun"
	"github.com/coderdj/dispatcher/internal/gate"
	"github.com/coderdj/dispatcher/internal/hypervisor"
	"github.com/coderdj/dispatcher/internal/observability"
	"github.com/coderdj/dispatcher/internal/reconcile"
	"github.com/coderdj/dispatcher/internal/scheduler"
	"github.com/coderdj/dispatcher/internal/store"
	"github.com/coderdj/dispatcher/internal/supervisor"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/dispatcher/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("dispatcher %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ──────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("dispatcher starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.Strings("detectors", cfg.Detectors()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ──────────────────────────────────────────────
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prometheus metrics ───────────────────────────────────────
	metrics := observability.NewMetrics()
	db.SetMetrics(metrics)
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Delayed command scheduler ────────────────────────────────
	sched, err := scheduler.New(db, log)
	if err != nil {
		log.Fatal("scheduler init failed", zap.Error(err))
	}
	sched.SetMetrics(metrics)
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()
	log.Info("scheduler started")

	// ── Step 6: Command Gate, supervisor, reconciliation solver ──────────
	g := gate.New(db, sched, log, gate.Options{
		Timeouts: gate.TimeoutConfig{
			Arm:   cfg.Timeouts.Arm,
			Start: cfg.Timeouts.Start,
			Stop:  cfg.Timeouts.Stop,
		},
		TimeBetweenCommands: cfg.TimeBetweenCommands,
		StartCmdDelay:       cfg.StartCmdDelay,
		StopCmdDelay:        cfg.StopCmdDelay,
		CCStartWait:         cfg.CCStartWait,
	})
	g.SetMetrics(metrics)

	hv := hypervisor.LogOnly{Log: log}

	super := supervisor.New(g, g, hv, log, cfg.Timeouts, cfg.StopRetries, cfg.MaxArmCycles)
	super.SetMetrics(metrics)

	ctl := reconcile.New(g, super, db, log, cfg.Detectors())

	// ── Step 7: Run loop ──────────────────────────────────────────────────
	runner := dispatcherrun.New(db, cfg, ctl, hv, metrics, log)
	runLoopDone := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(runLoopDone)
	}()
	log.Info("run loop started", zap.Duration("poll_frequency", cfg.PollFrequency))

	// ── Step 8: SIGHUP hot-reload ─────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Timeouts, topology and poll frequency are read once at
			// startup by the collaborators above; only log the new values
			// here rather than applying a partial, non-atomic reload.
			log.Info("config reloaded for inspection; restart required to apply",
				zap.Duration("poll_frequency", newCfg.PollFrequency))
		}
	}()

	// ── Step 9: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-runLoopDone:
		log.Info("run loop stopped")
		// Spec.md §5: shutdown joins the scheduler worker, then returns —
		// the scheduler and any in-flight reconciler writes must not race
		// the deferred db.Close() below.
		select {
		case <-shutdownTimer.C:
			log.Warn("shutdown drain timeout — forcing exit before scheduler joined")
		case <-schedDone:
			log.Info("scheduler stopped")
		}
	}

	log.Info("dispatcher shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
