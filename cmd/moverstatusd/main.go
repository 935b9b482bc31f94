// Package main is the moverstatusd entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/moverstatus/config.yaml.
//  2. Initialise structured logger (zap, sanitize+correlation cores).
//  3. Open BoltDB storage, prune stale delivery ledger entries.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Build the provider registry (slack, file) and notification dispatcher.
//  6. Build the notification bridge and subscribe it to the event bus.
//  7. Build the disk-usage sampler, PID watcher, progress estimator.
//  8. Build and run the orchestrator.
//  9. Start the status/control HTTP surface (/healthz, /status, /reload).
// 10. Register SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to orchestrator, watcher, sampler).
//  2. Stop the notification bridge (no further events accepted).
//  3. Close the event bus (queued events still delivered in order).
//  4. Stop the dispatcher, draining its queue (bounded grace period).
//  5. Close BoltDB.
//  6. Flush logger.
//  7. Exit 0.
//
// On config validation failure: exit 1 immediately.
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

	"github.com/engels74/mover-status-sub003/internal/config"
	"github.com/engels74/mover-status-sub003/internal/correlation"
	"github.com/engels74/mover-status-sub003/internal/diskusage"
	"github.com/engels74/mover-status-sub003/internal/eventbus"
	"github.com/engels74/mover-status-sub003/internal/notify"
	"github.com/engels74/mover-status-sub003/internal/notify/providers"
	"github.com/engels74/mover-status-sub003/internal/observability"
	"github.com/engels74/mover-status-sub003/internal/opstatus"
	"github.com/engels74/mover-status-sub003/internal/orchestrator"
	"github.com/engels74/mover-status-sub003/internal/pidwatch"
	"github.com/engels74/mover-status-sub003/internal/progress"
	"github.com/engels74/mover-status-sub003/internal/ratelimit"
	"github.com/engels74/mover-status-sub003/internal/recovery"
	"github.com/engels74/mover-status-sub003/internal/sanitize"
	"github.com/engels74/mover-status-sub003/internal/storage"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/moverstatus/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("moverstatusd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, logLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.Observability.Syslog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("moverstatusd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB ───────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	pruned, err := db.PruneOldDeliveries()
	if err != nil {
		log.Warn("delivery ledger pruning failed", zap.Error(err))
	} else {
		log.Info("delivery ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Step 4: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: Provider registry, rate limiter, dispatcher ───────────────────
	registry := notify.NewRegistry()
	registry.RegisterFactory("slack", providers.NewSlack)
	registry.RegisterFactory("file", providers.NewFile)

	enabledProviders := cfg.Notifications.EnabledProviders
	if cfg.Monitoring.DryRun {
		log.Info("dry_run enabled, forcing file/log provider only")
		enabledProviders = []string{"dryrun"}
		if cfg.Providers == nil {
			cfg.Providers = map[string]map[string]any{}
		}
		cfg.Providers["dryrun"] = map[string]any{
			"kind": "file",
			"path": "/var/log/moverstatus/dryrun.jsonl",
		}
	}
	if err := notify.Validate(enabledProviders, cfg.Providers); err != nil {
		log.Fatal("provider configuration invalid", zap.Error(err))
	}
	for _, name := range enabledProviders {
		kind := name
		if _, ok := cfg.Providers[name]["kind"]; ok {
			kind = fmt.Sprintf("%v", cfg.Providers[name]["kind"])
		}
		if _, err := registry.Build(kind, name, cfg.Providers[name]); err != nil {
			log.Fatal("provider construction failed", zap.String("provider", name), zap.Error(err))
		}
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec, cfg.RateLimit.HourlyQuota)
	breakers := recovery.NewBreakerRegistry(cfg.Recovery.CircuitBreakerThreshold, cfg.Recovery.CircuitBreakerCooldown)

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Workers:       4,
		QueueCapacity: 1000,
		ShutdownGrace: 10 * time.Second,
		DedupTTL:      5 * time.Minute,
	}, log, registry, limiter, breakers, db)
	dispatcher.SetMetrics(metrics)
	dispatcher.Start(ctx)
	log.Info("notification dispatcher started", zap.Strings("providers", enabledProviders))

	// ── Step 6: Event bus and notification bridge ─────────────────────────────
	bus := eventbus.New(log)
	bridge := notify.NewBridge(notify.BridgeConfig{
		Bus:        bus,
		Dispatcher: dispatcher,
		Rules:      defaultBridgeRules(),
		Providers:  enabledProviders,
		Log:        log,
	})
	bridge.Start(orchestrator.Topics)
	log.Info("notification bridge started")

	// ── Step 7: Sampler, PID watcher, progress estimator ──────────────────────
	sampler := diskusage.New(log, cfg.Monitoring.Interval)
	sampler.SetMetrics(metrics)
	watcher := pidwatch.New(cfg.Process.PIDFile, cfg.Process.PollInterval, log)
	watcher.SetMetrics(metrics)
	estimator := progress.New(progress.Config{
		WindowSize:     cfg.Progress.EstimationWindow,
		WindowDuration: cfg.Progress.EstimationWindowDuration,
		Alpha:          cfg.Progress.SmoothingAlpha,
		Method:         progress.Method(cfg.Progress.Method),
	})
	escalator := recovery.NewEscalator(cfg.Recovery.EscalationWindow, cfg.Recovery.EscalationThreshold)

	// ── Step 8: Orchestrator ───────────────────────────────────────────────────
	orch := orchestrator.New(cfg, log, bus, sampler, watcher, estimator, escalator, breakers, db)
	orch.SetMetrics(metrics)

	orchDone := make(chan error, 1)
	go func() {
		orchDone <- orch.Run(ctx)
	}()
	log.Info("orchestrator started", zap.Strings("paths", cfg.Process.Paths), zap.String("pid_file", cfg.Process.PIDFile))

	// applyConfig re-reads, validates, and applies the non-destructive
	// configuration fields: the orchestrator swaps to the new Config
	// atomically and both log sinks retune to the new level. Destructive
	// fields (storage path, bind addresses, provider set) are not
	// re-applied and require a restart.
	applyConfig := func() (*config.Config, error) {
		newCfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		orch.ApplyConfig(newCfg)
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(newCfg.Observability.LogLevel)); err == nil {
			logLevel.SetLevel(lvl)
		}
		return newCfg, nil
	}

	// ── Step 9: Status/control HTTP surface ───────────────────────────────────
	if cfg.Operator.Enabled {
		status := opstatus.New(cfg.Operator.Addr, log, orch, applyConfig)
		go func() {
			if err := status.Serve(ctx); err != nil {
				log.Error("status surface error", zap.Error(err))
			}
		}()
		log.Info("status surface started", zap.String("addr", cfg.Operator.Addr))
	}

	// ── Step 10: SIGHUP hot-reload ─────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config...")
			newCfg, err := applyConfig()
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			log.Info("config hot-reload applied",
				zap.Float64("min_change_threshold", newCfg.Progress.MinChangeThreshold),
				zap.String("log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 11: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-orchDone:
		if err != nil {
			log.Error("orchestrator exited unexpectedly", zap.Error(err))
		}
	}

	cancel()
	bridge.Stop()
	bus.Close()
	dispatcher.Stop()

	log.Info("moverstatusd shutdown complete")
}

// defaultBridgeRules maps the orchestrator's fixed event vocabulary to
// templated notifications. Operators wanting different
// copy or routing override this via future config-driven rule loading;
// the set below is the builtin default.
func defaultBridgeRules() []notify.BridgeRule {
	return []notify.BridgeRule{
		{
			Rule: notify.Rule{
				Pattern: "lifecycle.started",
				Level:   notify.PriorityNormal,
				Title:   "Mover started",
				Content: "Mover process (pid {{pid}}) started. Baseline cache usage: {{bytes}} bytes.",
				Enabled: true,
			},
			Group: "lifecycle",
		},
		{
			Rule: notify.Rule{
				Pattern: "progress.updated",
				Level:   notify.PriorityLow,
				Title:   "Mover progress",
				Content: "{{percent}}% complete, ETC {{etc_seconds}}s (confidence {{confidence}}), rate {{rate_bps}} B/s.",
				Enabled: true,
			},
			Group:         "lifecycle",
			EscalateAfter: 10 * time.Minute,
		},
		{
			Rule: notify.Rule{
				Pattern: "lifecycle.completed",
				Level:   notify.PriorityNormal,
				Title:   "Mover completed",
				Content: "Mover finished at {{percent}}% complete.",
				Enabled: true,
			},
			Group: "lifecycle",
		},
		{
			Rule: notify.Rule{
				Pattern: "error.escalated",
				Level:   notify.PriorityHigh,
				Title:   "Mover monitor error",
				Content: "{{category}} error in {{stage}} escalated (severity {{severity}}).",
				Enabled: true,
			},
			Group: "error",
		},
	}
}

// buildLogger constructs a zap.Logger with the given level and format,
// wrapping its core with the sanitize and correlation decorators so every
// record emitted through it is redacted and correlation-stamped regardless
// of call site. The returned AtomicLevel governs both sinks and is retuned
// on config hot-reload. When syslogEnabled is true, entries are
// additionally teed to the local syslog daemon on the daemon facility; a
// syslog dial failure is logged and otherwise ignored rather than failing
// startup.
func buildLogger(level, format string, syslogEnabled bool) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = atomicLevel

	log, err := cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return sanitize.NewCore(correlation.NewCore(core))
	}))
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	if !syslogEnabled {
		return log, atomicLevel, nil
	}

	sc, err := newSyslogCore(atomicLevel, zapcore.NewJSONEncoder(cfg.EncoderConfig), "moverstatusd")
	if err != nil {
		log.Warn("syslog enabled but dial failed, continuing on console/json only", zap.Error(err))
		return log, atomicLevel, nil
	}
	return log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, sanitize.NewCore(correlation.NewCore(sc)))
	})), atomicLevel, nil
}
