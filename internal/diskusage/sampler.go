// Package diskusage implements the recursive-size sampler: a synchronous
// walk, an async-offloaded wrapper that preserves the calling correlation
// context, and a TTL-memoizing cache layered on top. Blocking walks are
// handed to a dedicated goroutine and raced against cancellation over a
// channel.
package diskusage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/correlation"
	"github.com/engels74/mover-status-sub003/internal/observability"
)

// Sample is an immutable point-in-time disk-usage measurement.
type Sample struct {
	Timestamp time.Time
	BytesUsed int64
	Paths     []string
}

// Sampler walks a fixed set of base paths, counting only regular files and
// skipping anything under an exclusion path, never following symlinks.
type Sampler struct {
	log     *zap.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	sample  Sample
	expires time.Time
}

// New creates a Sampler whose cache entries expire after ttl (default 30s
// when ttl <= 0).
func New(log *zap.Logger, ttl time.Duration) *Sampler {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Sampler{
		log:   log,
		cache: make(map[string]cacheEntry),
		ttl:   ttl,
	}
}

// SetMetrics attaches a Metrics sink for cache-hit/miss and walk-duration
// instrumentation. Optional; a nil-metrics Sampler behaves identically minus
// the recording.
func (s *Sampler) SetMetrics(m *observability.Metrics) { s.metrics = m }

// Sample walks paths synchronously, skipping anything under exclusions.
// It never returns an error: permission or missing-file errors on individual
// entries are logged and the walk continues; a failure to open a top-level
// path is logged and its contribution is simply omitted from the total;
// the sampler always returns the best available partial total.
func (s *Sampler) Sample(ctx context.Context, paths, exclusions []string) Sample {
	start := time.Now()
	excl := normalizeExclusions(exclusions)
	var total int64

	for _, root := range paths {
		total += s.walk(ctx, root, excl)
	}

	if s.metrics != nil {
		s.metrics.SampleDuration.Observe(time.Since(start).Seconds())
	}

	return Sample{
		Timestamp: time.Now(),
		BytesUsed: total,
		Paths:     append([]string(nil), paths...),
	}
}

func (s *Sampler) walk(ctx context.Context, root string, exclusions []string) int64 {
	log := correlationLogger(s.log, ctx)
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn("diskusage: entry error, skipping", zap.String("path", path), zap.Error(err))
			if path == root {
				// Top-level failure: stop this root, keep whatever total we
				// already accumulated from prior roots.
				return filepath.SkipDir
			}
			return nil
		}
		if isExcluded(path, exclusions) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Warn("diskusage: stat error, skipping", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && err != filepath.SkipDir {
		log.Warn("diskusage: walk aborted", zap.String("root", root), zap.Error(err))
	}
	return total
}

// SampleAsync offloads Sample to a dedicated goroutine, preserving the
// caller's correlation context and honoring ctx cancellation.
func (s *Sampler) SampleAsync(ctx context.Context, paths, exclusions []string) (Sample, error) {
	result := make(chan Sample, 1)
	go func() {
		result <- s.Sample(ctx, paths, exclusions)
	}()

	select {
	case <-ctx.Done():
		return Sample{}, fmt.Errorf("diskusage.SampleAsync: %w", ctx.Err())
	case sample := <-result:
		return sample, nil
	}
}

// Cached returns a memoized sample for the (paths, exclusions) key, sampling
// fresh only if the cached entry has expired. Two consecutive calls with
// identical arguments within the TTL return the identical Sample value.
func (s *Sampler) Cached(ctx context.Context, paths, exclusions []string) (Sample, error) {
	key := cacheKey(paths, exclusions)

	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		if s.metrics != nil {
			s.metrics.SampleCacheHitsTotal.Inc()
		}
		return entry.sample, nil
	}
	if s.metrics != nil {
		s.metrics.SampleCacheMissesTotal.Inc()
	}

	sample, err := s.SampleAsync(ctx, paths, exclusions)
	if err != nil {
		return Sample{}, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{sample: sample, expires: time.Now().Add(s.ttl)}
	s.evictExpiredLocked()
	s.mu.Unlock()

	return sample, nil
}

// evictExpiredLocked lazily drops expired entries. Callers must hold s.mu.
func (s *Sampler) evictExpiredLocked() {
	now := time.Now()
	for k, e := range s.cache {
		if now.After(e.expires) {
			delete(s.cache, k)
		}
	}
}

func cacheKey(paths, exclusions []string) string {
	p := append([]string(nil), paths...)
	e := append([]string(nil), exclusions...)
	sort.Strings(p)
	sort.Strings(e)
	return strings.Join(p, "\x1f") + "\x00" + strings.Join(e, "\x1f")
}

func normalizeExclusions(exclusions []string) []string {
	out := make([]string, len(exclusions))
	for i, e := range exclusions {
		out[i] = filepath.Clean(e)
	}
	return out
}

func isExcluded(path string, exclusions []string) bool {
	clean := filepath.Clean(path)
	for _, e := range exclusions {
		if clean == e || strings.HasPrefix(clean, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func correlationLogger(log *zap.Logger, ctx context.Context) *zap.Logger {
	return log.With(zap.String(correlation.FieldName, correlation.FromContext(ctx)))
}
