// Package pidwatch polls a PID file and emits created/modified/deleted
// lifecycle events, cross-validated against the process table: a goroutine
// driven by a ticker, select over ctx.Done() and the tick, results handed
// out over a channel, backpressure via a non-blocking send.
package pidwatch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/observability"
	"github.com/engels74/mover-status-sub003/internal/processinfo"
)

// EventType enumerates the lifecycle transitions the watcher can observe.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
)

// Event is an immutable lifecycle observation.
// PID is 0 when no usable pid could be parsed from the file.
type Event struct {
	Type      EventType
	PID       int
	Timestamp time.Time
}

// Watcher polls a single PID file on an interval.
type Watcher struct {
	path     string
	interval time.Duration
	log      *zap.Logger
	metrics  *observability.Metrics

	prevExists bool
	prevPID    int
}

// New creates a Watcher for the given PID file path and poll interval.
func New(path string, interval time.Duration, log *zap.Logger) *Watcher {
	return &Watcher{path: path, interval: interval, log: log}
}

// SetMetrics attaches a Metrics sink for per-event-type counters. Optional.
func (w *Watcher) SetMetrics(m *observability.Metrics) { w.metrics = m }

// Watch runs until ctx is cancelled, emitting Events on the returned channel.
// The channel is closed when Watch returns. The first observation only
// initializes state and never emits.
//
// Polling on w.interval remains the ground truth transition detector; an
// fsnotify watch on the PID file's parent directory only wakes the loop
// early on a directory write so a
// create/delete is typically observed within milliseconds instead of
// waiting out the rest of the poll interval. If the directory watch cannot
// be established (e.g. the directory does not exist yet), Watch falls back
// to polling alone; fsnotify is a latency optimization, never a substitute
// for the poll-driven transition table.
func (w *Watcher) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, 8)

	wake := w.watchDir()

	go func() {
		defer close(out)
		if wake != nil {
			defer wake.Close() //nolint:errcheck
		}

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.tick(ctx, out, true)

		var wakeEvents chan fsnotify.Event
		var wakeErrors chan error
		if wake != nil {
			wakeEvents = wake.Events
			wakeErrors = wake.Errors
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.tick(ctx, out, false)
			case _, ok := <-wakeEvents:
				if !ok {
					wakeEvents = nil
					continue
				}
				w.tick(ctx, out, false)
			case err, ok := <-wakeErrors:
				if !ok {
					wakeErrors = nil
					continue
				}
				w.log.Warn("pidwatch: fsnotify watch error, continuing on poll alone", zap.Error(err))
			}
		}
	}()

	return out
}

// watchDir establishes an fsnotify watch on the PID file's parent directory.
// Returns nil if the watch cannot be created; callers must treat that as
// "poll only" rather than a fatal error.
func (w *Watcher) watchDir() *fsnotify.Watcher {
	dir := filepath.Dir(w.path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("pidwatch: fsnotify unavailable, falling back to poll-only", zap.Error(err))
		return nil
	}
	if err := watcher.Add(dir); err != nil {
		w.log.Warn("pidwatch: fsnotify watch on pid directory failed, falling back to poll-only",
			zap.String("dir", dir), zap.Error(err))
		_ = watcher.Close()
		return nil
	}
	return watcher
}

// tick performs a single poll and emits at most one event, per the
// created/modified/deleted transition table.
func (w *Watcher) tick(ctx context.Context, out chan<- Event, first bool) {
	exists, pid, warn := w.readOnce(ctx)
	now := time.Now()

	if warn != "" {
		w.log.Warn("pidwatch: " + warn)
	}

	if first {
		w.prevExists = exists
		w.prevPID = pid
		return
	}

	switch {
	case !w.prevExists && exists:
		w.emit(out, Event{Type: EventCreated, PID: pid, Timestamp: now})
	case w.prevExists && !exists:
		w.emit(out, Event{Type: EventDeleted, PID: 0, Timestamp: now})
	case w.prevExists && exists && pid != w.prevPID:
		w.emit(out, Event{Type: EventModified, PID: pid, Timestamp: now})
	}

	w.prevExists = exists
	w.prevPID = pid
}

func (w *Watcher) emit(out chan<- Event, ev Event) {
	if w.metrics != nil {
		w.metrics.PIDEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	}
	select {
	case out <- ev:
	default:
		w.log.Warn("pidwatch: event channel full, dropping event",
			zap.String("type", string(ev.Type)), zap.Int("pid", ev.PID))
	}
}

// readOnce offloads the stat+read of the PID file to a worker goroutine
// and returns whether the file exists, the parsed pid (0 if none usable),
// and an optional warning message.
func (w *Watcher) readOnce(ctx context.Context) (exists bool, pid int, warn string) {
	type result struct {
		exists bool
		pid    int
		warn   string
	}
	done := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(w.path)
		if err != nil {
			if os.IsNotExist(err) {
				done <- result{exists: false}
				return
			}
			done <- result{exists: false, warn: "read error: " + err.Error()}
			return
		}

		parsedPID, ok := parsePID(data)
		if !ok {
			done <- result{exists: true, pid: 0, warn: "pid file content is not a positive integer"}
			return
		}

		alive, err := processinfo.Exists(ctx, parsedPID)
		if err != nil {
			done <- result{exists: true, pid: parsedPID, warn: "process-table probe failed: " + err.Error()}
			return
		}
		if !alive {
			done <- result{exists: true, pid: parsedPID, warn: "pid file references a process not found in the process table"}
			return
		}
		done <- result{exists: true, pid: parsedPID}
	}()

	select {
	case <-ctx.Done():
		return false, 0, "watch cancelled during read"
	case r := <-done:
		return r.exists, r.pid, r.warn
	}
}

// parsePID parses the ASCII decimal content of a PID file. Trailing
// whitespace is tolerated. "0" and non-numeric content are not usable pids;
// the watcher still emits an event for them, just without a pid.
func parsePID(data []byte) (int, bool) {
	s := strings.TrimSpace(string(data))
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
