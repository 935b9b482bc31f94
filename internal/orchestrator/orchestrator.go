// Package orchestrator drives the detect -> sample -> estimate -> bridge
// loop under the lifecycle state graph, error policy, and shutdown
// sequencing.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/config"
	"github.com/engels74/mover-status-sub003/internal/correlation"
	"github.com/engels74/mover-status-sub003/internal/diskusage"
	"github.com/engels74/mover-status-sub003/internal/eventbus"
	"github.com/engels74/mover-status-sub003/internal/notify"
	"github.com/engels74/mover-status-sub003/internal/observability"
	"github.com/engels74/mover-status-sub003/internal/pidwatch"
	"github.com/engels74/mover-status-sub003/internal/progress"
	"github.com/engels74/mover-status-sub003/internal/recovery"
	"github.com/engels74/mover-status-sub003/internal/statemachine"
	"github.com/engels74/mover-status-sub003/internal/storage"
)

// Topics is the fixed event-bus vocabulary this orchestrator publishes;
// notify.Bridge subscribes to exactly these.
var Topics = []string{
	"lifecycle.detecting",
	"lifecycle.started",
	"progress.updated",
	"lifecycle.completed",
	"error.escalated",
}

// Orchestrator coordinates the PID watcher, disk-usage sampler, progress
// estimator, and notification bridge under a statemachine.Machine.
type Orchestrator struct {
	// cfg is swapped atomically by ApplyConfig on hot-reload; every cycle
	// reads it once through currentConfig.
	cfg  atomic.Pointer[config.Config]
	log  *zap.Logger
	clog *correlation.Logger

	sm        *statemachine.Machine
	bus       *eventbus.Bus
	sampler   *diskusage.Sampler
	watcher   *pidwatch.Watcher
	estimator *progress.Estimator
	escalator *recovery.Escalator
	breakers  *recovery.BreakerRegistry
	rollbacks *recovery.Registry
	db        *storage.DB
	metrics   *observability.Metrics
}

// SetMetrics attaches a Metrics sink for progress-gauge and state-transition
// instrumentation. Optional.
func (o *Orchestrator) SetMetrics(m *observability.Metrics) { o.metrics = m }

// New constructs an Orchestrator. The caller is responsible for starting
// the dispatcher and bridge beforehand; Orchestrator only publishes to bus.
func New(cfg *config.Config, log *zap.Logger, bus *eventbus.Bus, sampler *diskusage.Sampler, watcher *pidwatch.Watcher, estimator *progress.Estimator, escalator *recovery.Escalator, breakers *recovery.BreakerRegistry, db *storage.DB) *Orchestrator {
	o := &Orchestrator{
		log:       log,
		clog:      correlation.NewLogger(log),
		bus:       bus,
		sampler:   sampler,
		watcher:   watcher,
		estimator: estimator,
		escalator: escalator,
		breakers:  breakers,
		rollbacks: recovery.NewRegistry(),
		db:        db,
	}
	o.cfg.Store(cfg)
	o.sm = statemachine.New(statemachine.Config{
		Initial:     statemachine.StateIdle,
		Transitions: o.transitions(),
	})
	if snap, ok, err := db.LoadSnapshot(); err == nil && ok {
		o.sm.Restore(snap)
		// A snapshot taken mid-lifecycle (or at SHUTDOWN) is not resumable:
		// the graph only re-enters DETECTING from IDLE. Keep the persisted
		// context but restart from IDLE.
		if cur := o.sm.Current(); cur != statemachine.StateIdle && cur != statemachine.StateSuspended {
			o.sm.Restore(statemachine.Snapshot{Current: statemachine.StateIdle, Previous: cur, Context: snap.Context})
		}
		log.Info("orchestrator: restored state snapshot", zap.String("persisted_state", string(snap.Current)), zap.String("state", string(o.sm.Current())))
	}
	return o
}

func (o *Orchestrator) transitions() []statemachine.Transition {
	allStates := []statemachine.State{
		statemachine.StateIdle, statemachine.StateDetecting, statemachine.StateMonitoring,
		statemachine.StateCompleting, statemachine.StateError, statemachine.StateRecovering,
		statemachine.StateSuspended,
	}
	ts := []statemachine.Transition{
		{From: statemachine.StateIdle, To: statemachine.StateDetecting, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateDetecting, To: statemachine.StateMonitoring, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateDetecting, To: statemachine.StateError, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateDetecting, To: statemachine.StateIdle, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateMonitoring, To: statemachine.StateCompleting, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateMonitoring, To: statemachine.StateError, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateMonitoring, To: statemachine.StateIdle, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateCompleting, To: statemachine.StateIdle, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateError, To: statemachine.StateRecovering, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateError, To: statemachine.StateShutdown, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateRecovering, To: statemachine.StateIdle, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateRecovering, To: statemachine.StateShutdown, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateIdle, To: statemachine.StateSuspended, Action: statemachine.StampEnteredAt},
		{From: statemachine.StateSuspended, To: statemachine.StateIdle, Action: statemachine.StampEnteredAt},
	}
	for _, s := range allStates {
		ts = append(ts, statemachine.Transition{From: s, To: statemachine.StateShutdown, Action: statemachine.StampEnteredAt})
	}
	return ts
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() statemachine.State { return o.sm.Current() }

// ApplyConfig swaps in a reloaded configuration. The next read of any
// tunable (intervals, thresholds, paths) picks it up; destructive fields
// (storage path, bind addresses, provider set) are not re-applied and
// require a restart.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) { o.cfg.Store(cfg) }

func (o *Orchestrator) currentConfig() *config.Config { return o.cfg.Load() }

// transitionTo drives the state machine to target, recording the
// from->to edge on StateTransitionsTotal when a metrics sink is attached.
func (o *Orchestrator) transitionTo(ctx context.Context, target statemachine.State) error {
	from := o.sm.Current()
	if err := o.sm.TransitionTo(ctx, target); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.StateTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	}
	return nil
}

// Run drives successive lifecycles (IDLE -> DETECTING -> MONITORING ->
// COMPLETING -> IDLE) until ctx is cancelled, at which point it performs
// the shutdown transition and returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.watcher.Watch(ctx)

	for {
		select {
		case <-ctx.Done():
			return o.shutdown(ctx)
		default:
		}

		if err := o.runLifecycle(ctx, events); err != nil {
			if o.sm.Current() == statemachine.StateShutdown {
				return err
			}
			o.log.Warn("orchestrator: lifecycle ended in error, restarting from IDLE", zap.Error(err))
		}
	}
}

func (o *Orchestrator) runLifecycle(ctx context.Context, events <-chan pidwatch.Event) error {
	corrCtx, _ := correlation.WithNewID(ctx)
	log := o.clog.With(corrCtx)

	// Run every compensation registered during this lifecycle (the
	// estimator-history reset, at minimum) on all exit paths, so a failed
	// or cancelled cycle leaves no partial monitoring state behind.
	defer o.rollbacks.RollbackAll()

	if err := o.transitionTo(corrCtx, statemachine.StateDetecting); err != nil {
		return err
	}
	o.persistSnapshot(log)
	o.bus.Publish(corrCtx, eventbus.Event{Topic: "lifecycle.detecting"})

	pid, baseline, err := o.detect(corrCtx, events)
	if err != nil {
		return o.handleError(corrCtx, log, err, "detect")
	}

	if err := o.transitionTo(corrCtx, statemachine.StateMonitoring); err != nil {
		return err
	}
	o.persistSnapshot(log)
	o.bus.Publish(corrCtx, eventbus.Event{Topic: "lifecycle.started", Payload: map[string]string{
		"pid":   strconv.Itoa(pid),
		"bytes": strconv.FormatInt(baseline.BytesUsed, 10),
	}})
	log.Info("orchestrator: mover detected", zap.Int("pid", pid), zap.Int64("baseline_bytes", baseline.BytesUsed))

	lastPercent, err := o.monitor(corrCtx, log, events, baseline)
	if err != nil {
		return o.handleError(corrCtx, log, err, "monitor")
	}

	if err := o.transitionTo(corrCtx, statemachine.StateCompleting); err != nil {
		return err
	}
	o.persistSnapshot(log)
	o.bus.Publish(corrCtx, eventbus.Event{Topic: "lifecycle.completed", Payload: map[string]string{
		"percent": fmt.Sprintf("%.1f", lastPercent),
	}})
	log.Info("orchestrator: mover completed", zap.Float64("percent", lastPercent))

	if err := o.transitionTo(corrCtx, statemachine.StateIdle); err != nil {
		return err
	}
	o.persistSnapshot(log)
	return nil
}

// detect waits for a pidwatch.EventCreated, or the configured detection
// timeout, whichever comes first, and captures the baseline sample.
func (o *Orchestrator) detect(ctx context.Context, events <-chan pidwatch.Event) (pid int, baseline diskusage.Sample, err error) {
	detectionTimeout := o.currentConfig().Monitoring.DetectionTimeout
	deadline := time.NewTimer(detectionTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, diskusage.Sample{}, ctx.Err()
		case <-deadline.C:
			return 0, diskusage.Sample{}, fmt.Errorf("orchestrator: detection timed out after %s: %w", detectionTimeout, context.DeadlineExceeded)
		case ev, ok := <-events:
			if !ok {
				return 0, diskusage.Sample{}, fmt.Errorf("orchestrator: pid watcher channel closed")
			}
			if ev.Type != pidwatch.EventCreated {
				continue
			}
			sample, sampleErr := o.sampleBaseline(ctx)
			if sampleErr != nil {
				return 0, diskusage.Sample{}, sampleErr
			}
			return ev.PID, sample, nil
		}
	}
}

// monitor samples disk usage on the configured interval, feeds the
// estimator, and publishes progress events until the mover's PID file is
// deleted.
func (o *Orchestrator) monitor(ctx context.Context, log *zap.Logger, events <-chan pidwatch.Event, baseline diskusage.Sample) (float64, error) {
	ticker := time.NewTicker(o.currentConfig().Monitoring.Interval)
	defer ticker.Stop()

	baselineBytes := baseline.BytesUsed
	lastPublished := -1.0

	// The estimator accumulates per-lifecycle history; register its reset
	// as a compensation so the next lifecycle never projects from this
	// baseline's samples. runLifecycle runs the registry on every exit.
	o.rollbacks.Register("estimator-history", o.estimator.Reset)

	if err := o.estimator.AddSample(0, baselineBytes, baseline.Timestamp); err != nil {
		log.Warn("orchestrator: baseline sample rejected by estimator", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return o.estimator.Percent(), ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return o.estimator.Percent(), fmt.Errorf("orchestrator: pid watcher channel closed")
			}
			switch ev.Type {
			case pidwatch.EventDeleted:
				return o.estimator.Percent(), nil
			case pidwatch.EventModified:
				if o.currentConfig().Progress.RebaselineOnPIDChange {
					return o.estimator.Percent(), fmt.Errorf("orchestrator: pid changed mid-run, rebaseline requested")
				}
				log.Info("orchestrator: pid changed mid-run, continuing without rebaseline", zap.Int("new_pid", ev.PID))
			}

		case <-ticker.C:
			sample, err := o.sampleCurrent(ctx)
			if err != nil {
				return o.estimator.Percent(), err
			}

			transferred := baselineBytes - sample.BytesUsed
			if transferred < 0 {
				transferred = 0
			}
			if err := o.estimator.AddSample(transferred, baselineBytes, sample.Timestamp); err != nil {
				log.Warn("orchestrator: sample rejected by estimator", zap.Error(err))
				continue
			}

			cfg := o.currentConfig()
			m := o.estimator.Snapshot(progress.Method(cfg.Progress.Method))
			if lastPublished >= 0 && m.Percent-lastPublished < cfg.Progress.MinChangeThreshold && m.Percent < 100 {
				continue
			}
			lastPublished = m.Percent

			if o.metrics != nil {
				o.metrics.ProgressPercent.Set(m.Percent)
				o.metrics.ProgressConfidence.Set(m.Confidence)
				o.metrics.ProgressETCSeconds.Set(m.ETCSeconds)
			}
			o.bus.Publish(ctx, eventbus.Event{Topic: "progress.updated", Payload: map[string]string{
				"percent":     fmt.Sprintf("%.1f", m.Percent),
				"etc_seconds": fmt.Sprintf("%.0f", m.ETCSeconds),
				"confidence":  fmt.Sprintf("%.2f", m.Confidence),
				"rate_bps":    fmt.Sprintf("%.0f", m.TransferRateBps),
			}})
		}
	}
}

// sampleBaseline captures the uncached zero-point sample through the
// sampler's circuit breaker, so a filesystem that repeatedly fails stat
// storms is short-circuited for a cooldown instead of hammered every
// lifecycle.
func (o *Orchestrator) sampleBaseline(ctx context.Context) (diskusage.Sample, error) {
	var sample diskusage.Sample
	cfg := o.currentConfig()
	err := o.breakers.Execute("sampler", func() error {
		s, sampleErr := o.sampler.SampleAsync(ctx, cfg.Process.Paths, cfg.Progress.Exclusions)
		if sampleErr != nil {
			return sampleErr
		}
		sample = s
		return nil
	})
	return sample, err
}

// sampleCurrent takes the TTL-cached monitoring sample through the same
// breaker as sampleBaseline.
func (o *Orchestrator) sampleCurrent(ctx context.Context) (diskusage.Sample, error) {
	var sample diskusage.Sample
	cfg := o.currentConfig()
	err := o.breakers.Execute("sampler", func() error {
		s, sampleErr := o.sampler.Cached(ctx, cfg.Process.Paths, cfg.Progress.Exclusions)
		if sampleErr != nil {
			return sampleErr
		}
		sample = s
		return nil
	})
	return sample, err
}

// handleError classifies err, escalates if warranted, and
// decides whether the current lifecycle can recover or must shut down.
func (o *Orchestrator) handleError(ctx context.Context, log *zap.Logger, err error, stage string) error {
	category, severity := recovery.Classify(err)
	escalate, count := o.escalator.Observe(category, severity, stage)

	if o.metrics != nil {
		o.metrics.ErrorsClassifiedTotal.WithLabelValues(string(category), string(severity)).Inc()
	}

	log.Warn("orchestrator: stage error", zap.String("stage", stage), zap.String("category", string(category)),
		zap.String("severity", string(severity)), zap.Int("window_count", count), zap.Error(err))

	if !escalate {
		// Absorbed silently; reset the machine so the next lifecycle can
		// re-enter DETECTING from IDLE.
		if o.sm.Current() != statemachine.StateIdle {
			if transErr := o.transitionTo(ctx, statemachine.StateIdle); transErr != nil {
				return transErr
			}
			o.persistSnapshot(log)
		}
		return nil
	}

	if transErr := o.transitionTo(ctx, statemachine.StateError); transErr != nil {
		return transErr
	}
	o.persistSnapshot(log)
	o.bus.Publish(ctx, eventbus.Event{Topic: "error.escalated", Payload: map[string]string{
		"stage":    stage,
		"category": string(category),
		"severity": string(severity),
	}})

	strategy := recovery.StrategyFor(category)
	if strategy == recovery.StrategyRetry {
		if transErr := o.transitionTo(ctx, statemachine.StateRecovering); transErr != nil {
			return transErr
		}
		o.persistSnapshot(log)
		if transErr := o.transitionTo(ctx, statemachine.StateIdle); transErr != nil {
			return transErr
		}
		o.persistSnapshot(log)
		return nil
	}

	if transErr := o.transitionTo(ctx, statemachine.StateShutdown); transErr != nil {
		return transErr
	}
	o.persistSnapshot(log)
	return fmt.Errorf("orchestrator: unrecoverable error in %s, shutting down: %w", stage, err)
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	if err := o.transitionTo(ctx, statemachine.StateShutdown); err != nil {
		return err
	}
	o.persistSnapshot(o.log)
	o.log.Info("orchestrator: shutdown complete")
	return nil
}

func (o *Orchestrator) persistSnapshot(log *zap.Logger) {
	if o.db == nil {
		return
	}
	start := time.Now()
	err := o.db.SaveSnapshot(o.sm.Snapshot())
	if o.metrics != nil {
		o.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Warn("orchestrator: failed to persist state snapshot", zap.Error(err))
	}
}

// BridgeMessage constructs a notify.Message directly, for callers that
// want to submit a one-off notification outside the event-bus/bridge path.
func BridgeMessage(title, content string, priority notify.Priority) notify.Message {
	return notify.Message{Title: title, Content: content, Priority: priority}
}
