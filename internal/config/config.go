// Package config provides configuration loading, validation, and hot-reload
// for moverstatusd.
//
// Configuration file: /etc/moverstatus/config.yaml (default).
// Schema version: 1.
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (thresholds, log level).
//     Destructive changes (storage path, bind addresses, provider set)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (interval >= 1s, thresholds in range, etc).
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for moverstatusd. All fields
// have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this moverstatusd instance in logs and the ledger.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Process       ProcessConfig       `yaml:"process"`
	Progress      ProgressConfig      `yaml:"progress"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Providers     map[string]map[string]any `yaml:"providers"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// MonitoringConfig holds the top-level monitoring cadence.
type MonitoringConfig struct {
	// Interval is the monitoring-cycle sampling interval. Must be >= 1s.
	Interval time.Duration `yaml:"interval"`

	// DetectionTimeout bounds how long the orchestrator waits in DETECTING
	// before classifying detection as failed.
	DetectionTimeout time.Duration `yaml:"detection_timeout"`

	// DryRun, when true, runs the full pipeline but forces the dispatcher
	// onto the file/log provider only, regardless of enabled_providers.
	DryRun bool `yaml:"dry_run"`
}

// ProcessConfig identifies the mover process to watch.
type ProcessConfig struct {
	// Name is an operator-facing label for the watched process (e.g. "mover").
	Name string `yaml:"name"`

	// Paths is the set of filesystem paths sampled for disk usage. Non-empty.
	Paths []string `yaml:"paths"`

	// PIDFile is the path to the PID file the watcher polls.
	PIDFile string `yaml:"pid_file"`

	// PollInterval is the PID-file poll interval. Must be >= 1s.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ProgressConfig tunes the estimator.
type ProgressConfig struct {
	// MinChangeThreshold is the minimum percent delta worth a new progress
	// notification (applied by the orchestrator before it publishes
	// progress.updated, not by the estimator itself, which always recomputes).
	MinChangeThreshold float64 `yaml:"min_change_threshold"`

	// EstimationWindow is the history retention size (sample count).
	EstimationWindow int `yaml:"estimation_window"`

	// EstimationWindowDuration is the history retention duration, the
	// time-based alternative to EstimationWindow. Zero disables time-based
	// eviction.
	EstimationWindowDuration time.Duration `yaml:"estimation_window_duration"`

	// Exclusions is the set of paths excluded from disk-usage sampling.
	Exclusions []string `yaml:"exclusions"`

	// Method selects the ETC strategy: "linear", "exponential", or "adaptive".
	Method string `yaml:"method"`

	// SmoothingAlpha is the EMA smoothing factor α ∈ (0,1], used by the
	// exponential and adaptive methods.
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`

	// RebaselineOnPIDChange controls the orchestrator's response to a
	// `modified` PID-file event.
	// false (default): cheap recompute, publish progress from current state.
	// true: full re-baseline, as if detection restarted.
	RebaselineOnPIDChange bool `yaml:"rebaseline_on_pid_change"`
}

// NotificationsConfig selects which providers and events are active.
type NotificationsConfig struct {
	EnabledProviders []string `yaml:"enabled_providers"`
	Events           []string `yaml:"events"`
}

// RecoveryConfig tunes error classification, escalation, retry, and circuit
// breaking.
type RecoveryConfig struct {
	// EscalationThreshold is the failure count within EscalationWindow that
	// triggers escalation for a given (category, context) pair. Default: 3.
	EscalationThreshold int `yaml:"escalation_threshold"`

	// EscalationWindow is the sliding window duration for counting similar
	// failures.
	EscalationWindow time.Duration `yaml:"escalation_window"`

	// MaxAttempts, BaseDelay, MaxBackoff, Jitter are loaded and validated
	// only. The dispatcher's provider sends use fixed retry options of their
	// own and do not read these fields.
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      bool          `yaml:"jitter"`

	// CircuitBreakerThreshold is the consecutive-failure count that opens a
	// component's circuit breaker.
	CircuitBreakerThreshold uint32 `yaml:"circuit_breaker_threshold"`

	// CircuitBreakerCooldown is how long a breaker stays open before
	// allowing a half-open probe.
	CircuitBreakerCooldown time.Duration `yaml:"circuit_breaker_cooldown"`
}

// RateLimitConfig tunes the token bucket + hourly quota.
type RateLimitConfig struct {
	Capacity       float64       `yaml:"capacity"`
	RefillPerSec   float64       `yaml:"refill_per_second"`
	HourlyQuota    int           `yaml:"hourly_quota"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the delivery-ledger retention period.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the console log output format (json, console).
	LogFormat string `yaml:"log_format"`

	// Syslog enables the daemon-facility syslog sink alongside console.
	Syslog bool `yaml:"syslog"`
}

// OperatorConfig holds the status/control HTTP surface parameters.
type OperatorConfig struct {
	// Addr is the HTTP bind address for /healthz, /status, /reload.
	Addr string `yaml:"addr"`

	// Enabled controls whether the operator surface is started.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Monitoring: MonitoringConfig{
			Interval:         1 * time.Second,
			DetectionTimeout: 30 * time.Second,
			DryRun:           false,
		},
		Process: ProcessConfig{
			PIDFile:      "/var/run/mover.pid",
			PollInterval: 1 * time.Second,
		},
		Progress: ProgressConfig{
			MinChangeThreshold:       1.0,
			EstimationWindow:         1000,
			EstimationWindowDuration: 3600 * time.Second,
			Method:                   "adaptive",
			SmoothingAlpha:           0.3,
		},
		Notifications: NotificationsConfig{},
		Recovery: RecoveryConfig{
			EscalationThreshold:     3,
			EscalationWindow:        5 * time.Minute,
			MaxAttempts:             5,
			BaseDelay:               500 * time.Millisecond,
			MaxBackoff:              30 * time.Second,
			Jitter:                  true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:     30,
			RefillPerSec: 0.5,
			HourlyQuota:  200,
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/moverstatus/moverstatus.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
			Syslog:      false,
		},
		Operator: OperatorConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9092",
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values). Returns an error if
// the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	// KnownFields(true) rejects unrecognized top-level and nested keys
	// instead of silently dropping them.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Monitoring.Interval < time.Second {
		errs = append(errs, fmt.Sprintf("monitoring.interval must be >= 1s, got %s", cfg.Monitoring.Interval))
	}
	if len(cfg.Process.Paths) == 0 {
		errs = append(errs, "process.paths must not be empty")
	}
	if cfg.Process.PIDFile == "" {
		errs = append(errs, "process.pid_file must not be empty")
	}
	if cfg.Process.PollInterval < time.Second {
		errs = append(errs, fmt.Sprintf("process.poll_interval must be >= 1s, got %s", cfg.Process.PollInterval))
	}
	if cfg.Progress.EstimationWindow < 2 {
		errs = append(errs, fmt.Sprintf("progress.estimation_window must be >= 2, got %d", cfg.Progress.EstimationWindow))
	}
	switch cfg.Progress.Method {
	case "linear", "exponential", "adaptive":
	default:
		errs = append(errs, fmt.Sprintf("progress.method must be one of linear|exponential|adaptive, got %q", cfg.Progress.Method))
	}
	if cfg.Progress.SmoothingAlpha <= 0 || cfg.Progress.SmoothingAlpha > 1 {
		errs = append(errs, fmt.Sprintf("progress.smoothing_alpha must be in (0,1], got %f", cfg.Progress.SmoothingAlpha))
	}

	for _, name := range cfg.Notifications.EnabledProviders {
		if _, ok := cfg.Providers[name]; !ok || len(cfg.Providers[name]) == 0 {
			errs = append(errs, fmt.Sprintf("notifications.enabled_providers references %q but providers.%s is missing or empty", name, name))
		}
	}

	if cfg.Recovery.EscalationThreshold < 1 {
		errs = append(errs, fmt.Sprintf("recovery.escalation_threshold must be >= 1, got %d", cfg.Recovery.EscalationThreshold))
	}
	if cfg.Recovery.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("recovery.max_attempts must be >= 1, got %d", cfg.Recovery.MaxAttempts))
	}
	if cfg.Recovery.BaseDelay <= 0 {
		errs = append(errs, "recovery.base_delay must be > 0")
	}
	if cfg.Recovery.MaxBackoff < cfg.Recovery.BaseDelay {
		errs = append(errs, "recovery.max_backoff must be >= recovery.base_delay")
	}

	if cfg.RateLimit.Capacity <= 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.capacity must be > 0, got %f", cfg.RateLimit.Capacity))
	}
	if cfg.RateLimit.RefillPerSec < 0 {
		errs = append(errs, "rate_limit.refill_per_second must be >= 0")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
