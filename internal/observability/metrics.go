// Package observability provides Prometheus metrics for moverstatusd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable), loopback only.
// All metrics are registered on a dedicated prometheus.Registry, not the
// default global one, to avoid collisions with other instrumented
// libraries in the same process.
//
// Metric naming convention: moverstatus_<subsystem>_<name>_<unit>.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric descriptor moverstatusd records.
type Metrics struct {
	registry *prometheus.Registry

	// ─── PID watcher ──────────────────────────────────────────────────────

	// PIDEventsTotal counts lifecycle events emitted by the watcher.
	// Labels: event_type (created, modified, deleted)
	PIDEventsTotal *prometheus.CounterVec

	// ─── Disk-usage sampler ───────────────────────────────────────────────

	// SampleDuration records how long a disk-usage walk took.
	SampleDuration prometheus.Histogram

	// SampleCacheHitsTotal / SampleCacheMissesTotal count the sampler's TTL
	// cache behavior.
	SampleCacheHitsTotal   prometheus.Counter
	SampleCacheMissesTotal prometheus.Counter

	// ─── Progress estimator ───────────────────────────────────────────────

	// ProgressPercent is the most recently computed completion percent.
	ProgressPercent prometheus.Gauge

	// ProgressConfidence is the most recently computed ETC confidence.
	ProgressConfidence prometheus.Gauge

	// ProgressETCSeconds is the most recently computed ETC, in seconds.
	ProgressETCSeconds prometheus.Gauge

	// ─── State machine ────────────────────────────────────────────────────

	// StateTransitionsTotal counts state transitions, by from/to state.
	StateTransitionsTotal *prometheus.CounterVec

	// ─── Recovery ─────────────────────────────────────────────────────────

	// ErrorsClassifiedTotal counts classified errors, by category/severity.
	ErrorsClassifiedTotal *prometheus.CounterVec

	// CircuitBreakerState reports each named breaker's state as a gauge
	// (0 = closed, 1 = half-open, 2 = open). Labels: component.
	CircuitBreakerState *prometheus.GaugeVec

	// ─── Notification dispatch ────────────────────────────────────────────

	// DeliveriesTotal counts completed deliveries, by aggregate outcome.
	DeliveriesTotal *prometheus.CounterVec

	// QueueDepth is the current dispatcher priority-queue depth.
	QueueDepth prometheus.Gauge

	// RateLimitWaitSeconds records time spent waiting on the rate limiter.
	RateLimitWaitSeconds prometheus.Histogram

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since the agent started.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all moverstatusd Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PIDEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "pidwatch",
			Name:      "events_total",
			Help:      "Total PID-file lifecycle events emitted, by event type.",
		}, []string{"event_type"}),

		SampleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moverstatus",
			Subsystem: "diskusage",
			Name:      "sample_duration_seconds",
			Help:      "Duration of a disk-usage walk.",
			Buckets:   prometheus.DefBuckets,
		}),

		SampleCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "diskusage",
			Name:      "cache_hits_total",
			Help:      "Total sampler cache hits within the TTL window.",
		}),

		SampleCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "diskusage",
			Name:      "cache_misses_total",
			Help:      "Total sampler cache misses (walk performed).",
		}),

		ProgressPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "progress",
			Name:      "percent",
			Help:      "Most recently computed completion percent.",
		}),

		ProgressConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "progress",
			Name:      "confidence",
			Help:      "Most recently computed ETC confidence, in [0,1].",
		}),

		ProgressETCSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "progress",
			Name:      "etc_seconds",
			Help:      "Most recently computed estimated time to completion, in seconds.",
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "statemachine",
			Name:      "transitions_total",
			Help:      "Total state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		ErrorsClassifiedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "recovery",
			Name:      "errors_classified_total",
			Help:      "Total classified errors, by category and severity.",
		}, []string{"category", "severity"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "recovery",
			Name:      "circuit_breaker_state",
			Help:      "Per-component circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),

		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "moverstatus",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Total completed deliveries, by aggregate outcome.",
		}, []string{"aggregate"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "notify",
			Name:      "queue_depth",
			Help:      "Current dispatcher priority-queue depth.",
		}),

		RateLimitWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moverstatus",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for rate-limit tokens before a send.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "moverstatus",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "moverstatus",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since moverstatusd started.",
		}),
	}

	reg.MustRegister(
		m.PIDEventsTotal,
		m.SampleDuration,
		m.SampleCacheHitsTotal,
		m.SampleCacheMissesTotal,
		m.ProgressPercent,
		m.ProgressConfidence,
		m.ProgressETCSeconds,
		m.StateTransitionsTotal,
		m.ErrorsClassifiedTotal,
		m.CircuitBreakerState,
		m.DeliveriesTotal,
		m.QueueDepth,
		m.RateLimitWaitSeconds,
		m.StorageWriteLatency,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
