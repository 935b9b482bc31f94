// Package progress maintains a sliding-window history of (bytes, timestamp)
// samples and derives percent complete, transfer rate, and estimated time of
// completion under three interchangeable strategies.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Method selects the estimation-to-completion strategy.
type Method string

const (
	MethodLinear      Method = "linear"
	MethodExponential Method = "exponential"
	MethodAdaptive    Method = "adaptive"
)

// sample is one (bytes_transferred, timestamp) observation.
type sample struct {
	bytes     int64
	timestamp time.Time
}

// Metrics is the immutable result of a single estimation, produced by
// Snapshot.
type Metrics struct {
	Percent          float64
	BytesTransferred int64
	TotalBytes       int64
	TransferRateBps  float64
	ETCSeconds       float64
	Confidence       float64
	Method           Method
}

// Estimator holds a bounded history and the exponential-smoothing state
// needed across calls.
type Estimator struct {
	mu sync.Mutex

	history    []sample
	windowSize int
	windowDur  time.Duration

	alpha        float64
	smoothedRate float64
	haveRate     bool
	lastTotal    int64

	method Method
}

// Config tunes an Estimator's retention and smoothing behavior.
type Config struct {
	// WindowSize bounds the history by sample count (0 disables size-based
	// eviction). Default 1000.
	WindowSize int
	// WindowDuration bounds the history by age (0 disables time-based
	// eviction). Default 3600s.
	WindowDuration time.Duration
	// Alpha is the EMA smoothing factor, in (0,1]. Default 0.3.
	Alpha float64
	// Method selects the default ETC strategy used by ETC() with no
	// override.
	Method Method
}

// New creates an Estimator from cfg, filling unset fields with defaults.
func New(cfg Config) *Estimator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 3600 * time.Second
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.3
	}
	if cfg.Method == "" {
		cfg.Method = MethodAdaptive
	}
	return &Estimator{
		windowSize: cfg.WindowSize,
		windowDur:  cfg.WindowDuration,
		alpha:      cfg.Alpha,
		method:     cfg.Method,
	}
}

// AddSample records a new observation and evicts entries past the
// retention window. bytesTransferred and totalBytes must be non-negative;
// negative inputs are rejected without mutating history, and the
// estimator remains usable afterwards.
func (e *Estimator) AddSample(bytesTransferred int64, totalBytes int64, timestamp time.Time) error {
	if bytesTransferred < 0 || totalBytes < 0 {
		return fmt.Errorf("progress.AddSample: negative input (bytes=%d, total=%d)", bytesTransferred, totalBytes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, sample{bytes: bytesTransferred, timestamp: timestamp})
	e.evictLocked()
	e.updateSmoothedRateLocked()

	e.lastTotal = totalBytes
	return nil
}

func (e *Estimator) evictLocked() {
	if e.windowSize > 0 && len(e.history) > e.windowSize {
		e.history = e.history[len(e.history)-e.windowSize:]
	}
	if e.windowDur > 0 && len(e.history) > 0 {
		cutoff := e.history[len(e.history)-1].timestamp.Add(-e.windowDur)
		i := 0
		for i < len(e.history) && e.history[i].timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			e.history = e.history[i:]
		}
	}
}

// updateSmoothedRateLocked folds the latest instantaneous rate into the EMA
// rate estimate used by the exponential and adaptive methods. Caller must
// hold e.mu.
func (e *Estimator) updateSmoothedRateLocked() {
	if len(e.history) < 2 {
		return
	}
	last := e.history[len(e.history)-1]
	prev := e.history[len(e.history)-2]
	dt := last.timestamp.Sub(prev.timestamp).Seconds()
	if dt <= 0 {
		return
	}
	instantaneous := float64(last.bytes-prev.bytes) / dt
	if !e.haveRate {
		e.smoothedRate = instantaneous
		e.haveRate = true
		return
	}
	e.smoothedRate = e.alpha*instantaneous + (1-e.alpha)*e.smoothedRate
}

// ETCResult carries the estimated time of completion and its confidence
// band.
type ETCResult struct {
	Seconds        float64
	Confidence     float64
	ConfidenceMin  float64
	ConfidenceMax  float64
	Method         Method
}

// ETC computes the estimated time of completion using method. An empty
// method falls back to the Estimator's configured default.
func (e *Estimator) ETC(method Method) ETCResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if method == "" {
		method = e.method
	}

	bytesNow, total := e.currentLocked()

	if total > 0 && bytesNow >= total {
		return ETCResult{Seconds: 0, Confidence: 1, ConfidenceMin: 1, ConfidenceMax: 1, Method: method}
	}
	if total == 0 {
		return ETCResult{Seconds: 0, Confidence: 0, Method: method}
	}
	if len(e.history) < 2 {
		return withBand(ETCResult{Seconds: 0, Confidence: 0.05, Method: method})
	}

	switch method {
	case MethodLinear:
		return e.linearLocked(total)
	case MethodExponential:
		return e.exponentialLocked(total)
	case MethodAdaptive:
		return e.adaptiveLocked(total)
	default:
		return e.adaptiveLocked(total)
	}
}

func (e *Estimator) currentLocked() (bytesNow, total int64) {
	if len(e.history) == 0 {
		return 0, e.lastTotal
	}
	return e.history[len(e.history)-1].bytes, e.lastTotal
}

// linearLocked projects from the first and most recent non-equal samples.
func (e *Estimator) linearLocked(total int64) ETCResult {
	first := e.history[0]
	last := e.history[len(e.history)-1]

	// Walk backward to find the most recent sample that differs from first,
	// so a plateau at the tail doesn't zero the denominator.
	idx := len(e.history) - 1
	for idx > 0 && e.history[idx].bytes == first.bytes {
		idx--
	}
	last = e.history[idx]

	dt := last.timestamp.Sub(first.timestamp).Seconds()
	if dt <= 0 || last.bytes == first.bytes {
		return withBand(ETCResult{Seconds: 0, Confidence: 0.1, Method: MethodLinear})
	}

	rate := float64(last.bytes-first.bytes) / dt
	if rate <= 0 {
		return withBand(ETCResult{Seconds: 0, Confidence: 0.1, Method: MethodLinear})
	}

	bytesNow := e.history[len(e.history)-1].bytes
	etc := float64(total-bytesNow) / rate

	confidence := e.stabilityConfidenceLocked()
	return withBand(ETCResult{Seconds: clampNonNeg(etc), Confidence: confidence, Method: MethodLinear})
}

// exponentialLocked derives ETC from the EMA-smoothed rate.
func (e *Estimator) exponentialLocked(total int64) ETCResult {
	if !e.haveRate || e.smoothedRate <= 0 {
		return withBand(ETCResult{Seconds: 0, Confidence: 0.1, Method: MethodExponential})
	}
	bytesNow := e.history[len(e.history)-1].bytes
	etc := float64(total-bytesNow) / e.smoothedRate
	confidence := e.stabilityConfidenceLocked()
	return withBand(ETCResult{Seconds: clampNonNeg(etc), Confidence: confidence, Method: MethodExponential})
}

// adaptiveLocked picks linear when recent rates are stable (low coefficient
// of variation), else falls back to exponential smoothing.
func (e *Estimator) adaptiveLocked(total int64) ETCResult {
	cv := e.rateCoefficientOfVariationLocked()
	const cvThreshold = 0.35

	var res ETCResult
	if cv >= 0 && cv < cvThreshold {
		res = e.linearLocked(total)
		res.Method = MethodAdaptive
	} else {
		res = e.exponentialLocked(total)
		res.Method = MethodAdaptive
	}
	return res
}

// instantaneousRatesLocked returns the per-interval rates across the
// current history.
func (e *Estimator) instantaneousRatesLocked() []float64 {
	if len(e.history) < 2 {
		return nil
	}
	rates := make([]float64, 0, len(e.history)-1)
	for i := 1; i < len(e.history); i++ {
		dt := e.history[i].timestamp.Sub(e.history[i-1].timestamp).Seconds()
		if dt <= 0 {
			continue
		}
		rates = append(rates, float64(e.history[i].bytes-e.history[i-1].bytes)/dt)
	}
	return rates
}

// rateCoefficientOfVariationLocked returns stdev/mean of recent rates, or
// -1 when undefined (fewer than 2 rates or zero mean).
func (e *Estimator) rateCoefficientOfVariationLocked() float64 {
	rates := e.instantaneousRatesLocked()
	if len(rates) < 2 {
		return -1
	}
	mean := meanOf(rates)
	if mean == 0 {
		return -1
	}
	return math.Sqrt(varianceOf(rates, mean)) / math.Abs(mean)
}

// stabilityConfidenceLocked derives a [0,1] confidence score from rate
// stability and sample recency: a low coefficient of variation and a large
// sample count raise confidence; a paused transfer (identical bytes across
// several samples) lowers it without discarding the samples.
func (e *Estimator) stabilityConfidenceLocked() float64 {
	cv := e.rateCoefficientOfVariationLocked()
	stability := 1.0
	if cv >= 0 {
		stability = 1 / (1 + cv)
	}

	recency := math.Min(1.0, float64(len(e.history))/10.0)

	paused := e.isPausedLocked()
	confidence := stability * (0.5 + 0.5*recency)
	if paused {
		confidence *= 0.3
	}
	return clamp01(confidence)
}

// isPausedLocked reports whether the last several samples carry identical
// byte counts; a paused transfer lowers confidence but does not remove
// samples.
func (e *Estimator) isPausedLocked() bool {
	const plateauSamples = 3
	if len(e.history) < plateauSamples {
		return false
	}
	last := e.history[len(e.history)-1].bytes
	for i := len(e.history) - plateauSamples; i < len(e.history); i++ {
		if e.history[i].bytes != last {
			return false
		}
	}
	return true
}

// Percent returns the current completion percent, 0 (never NaN) when the
// total is zero.
func (e *Estimator) Percent() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	bytesNow, total := e.currentLocked()
	if total <= 0 {
		return 0
	}
	pct := 100 * float64(bytesNow) / float64(total)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Snapshot returns the full current metrics tuple: percent, byte counts,
// smoothed rate, and the ETC result for method (empty method uses the
// configured default).
func (e *Estimator) Snapshot(method Method) Metrics {
	e.mu.Lock()
	bytesNow, total := e.currentLocked()
	e.mu.Unlock()

	etc := e.ETC(method)
	return Metrics{
		Percent:          e.Percent(),
		BytesTransferred: bytesNow,
		TotalBytes:       total,
		TransferRateBps:  e.CurrentRate(),
		ETCSeconds:       etc.Seconds,
		Confidence:       etc.Confidence,
		Method:           etc.Method,
	}
}

// Reset clears the sample history and smoothing state, returning the
// estimator to its just-constructed condition. Run between monitoring
// lifecycles so one baseline's samples never feed the next cycle's
// projection.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
	e.smoothedRate = 0
	e.haveRate = false
	e.lastTotal = 0
}

// CurrentRate returns the most recent EMA-smoothed transfer rate in
// bytes/sec, 0 when fewer than two samples have been recorded.
func (e *Estimator) CurrentRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveRate || e.smoothedRate < 0 {
		return 0
	}
	return e.smoothedRate
}

// withBand widens a point confidence into the reported [min, max] band.
func withBand(r ETCResult) ETCResult {
	const band = 0.15
	r.ConfidenceMin = clamp01(r.Confidence - band)
	r.ConfidenceMax = clamp01(r.Confidence + band)
	return r
}

func clampNonNeg(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64, mean float64) float64 {
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs))
}
