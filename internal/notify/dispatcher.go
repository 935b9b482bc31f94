package notify

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/correlation"
	"github.com/engels74/mover-status-sub003/internal/observability"
	"github.com/engels74/mover-status-sub003/internal/ratelimit"
	"github.com/engels74/mover-status-sub003/internal/recovery"
	"github.com/engels74/mover-status-sub003/internal/storage"
)

// pqItem is one entry in the dispatcher's priority heap.
type pqItem struct {
	msg   QueuedMessage
	index int
}

// priorityHeap orders by priority (higher first), then by enqueue sequence
// (earlier first).
type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].msg.seq < h[j].msg.seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DispatcherConfig tunes the Dispatcher.
type DispatcherConfig struct {
	Workers       int
	QueueCapacity int
	ShutdownGrace time.Duration

	DedupTTL       time.Duration
	ThrottleWindow map[string]time.Duration // per-key minimum interval; 0 disables

	BatchSize    int
	BatchTimeout time.Duration
}

// BatchHandler receives an accumulated batch of QueuedMessage.
type BatchHandler func(ctx context.Context, batch []QueuedMessage)

// Dispatcher delivers queued messages to providers under rate limiting,
// retry, throttling, and deduplication, tracking results in storage.
type Dispatcher struct {
	cfg      DispatcherConfig
	log      *zap.Logger
	registry *Registry
	limiter  *ratelimit.Limiter
	breakers *recovery.BreakerRegistry
	db       *storage.DB
	metrics  *observability.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityHeap
	nextSeq uint64
	running bool
	draining bool

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	throttleMu sync.Mutex
	lastSent   map[string]time.Time

	escalationMu sync.Mutex
	escalations  map[string]*time.Timer

	batchMu      sync.Mutex
	batch        []QueuedMessage
	batchHandler BatchHandler
	batchTimer   *time.Timer

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher constructs a Dispatcher. Call Start to spawn workers.
func NewDispatcher(cfg DispatcherConfig, log *zap.Logger, registry *Registry, limiter *ratelimit.Limiter, breakers *recovery.BreakerRegistry, db *storage.DB) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 5 * time.Minute
	}
	d := &Dispatcher{
		cfg:         cfg,
		log:         log,
		registry:    registry,
		limiter:     limiter,
		breakers:    breakers,
		db:          db,
		dedup:       make(map[string]time.Time),
		lastSent:    make(map[string]time.Time),
		escalations: make(map[string]*time.Timer),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetMetrics attaches a Metrics sink for queue-depth, delivery-outcome, and
// rate-limit-wait instrumentation. Optional.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) { d.metrics = m }

// Start spawns the worker pool. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// IsRunning reports whether the dispatcher currently accepts new messages.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.draining
}

// Enqueue submits msg with throttling and deduplication applied first.
// When the queue is at capacity it blocks until space frees or ctx is
// cancelled; it never silently drops.
func (d *Dispatcher) Enqueue(ctx context.Context, msg Message, providers []string, throttleKey string) (string, error) {
	if !d.IsRunning() {
		return "", fmt.Errorf("notify.Dispatcher: not accepting new messages")
	}

	if d.isDuplicate(msg) {
		d.log.Debug("notify: duplicate message dropped", zap.String("title", msg.Title))
		return "", nil
	}
	if d.isThrottled(throttleKey) {
		d.log.Debug("notify: message throttled", zap.String("key", throttleKey))
		return "", nil
	}

	qm := QueuedMessage{
		Message:    msg,
		Priority:   int(msg.Priority),
		Providers:  providers,
		EnqueuedAt: time.Now(),
		DeliveryID: uuid.NewString(),
	}

	// cond.Wait must be called by the goroutine already holding d.mu, so
	// cancellation can't select on ctx.Done() directly without risking a
	// lost wakeup or an unlock-of-unlocked-mutex race. Instead, a helper
	// goroutine broadcasts on ctx cancellation so every waiter wakes up
	// and rechecks ctx.Err() under the lock it already holds.
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-cancelDone:
		}
	}()

	d.mu.Lock()
	for d.queue.Len() >= d.cfg.QueueCapacity && d.running {
		if err := ctx.Err(); err != nil {
			d.mu.Unlock()
			return "", err
		}
		d.cond.Wait()
	}
	if !d.running {
		d.mu.Unlock()
		return "", fmt.Errorf("notify.Dispatcher: not accepting new messages")
	}
	qm.seq = d.nextSeq
	d.nextSeq++
	heap.Push(&d.queue, &pqItem{msg: qm})
	depth := d.queue.Len()
	d.mu.Unlock()
	d.cond.Broadcast()
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}

	return qm.DeliveryID, nil
}

func (d *Dispatcher) isDuplicate(msg Message) bool {
	key := msg.dedupKey()
	now := time.Now()

	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()

	if expires, ok := d.dedup[key]; ok && now.Before(expires) {
		return true
	}
	d.dedup[key] = now.Add(d.cfg.DedupTTL)

	for k, exp := range d.dedup {
		if now.After(exp) {
			delete(d.dedup, k)
		}
	}
	return false
}

func (d *Dispatcher) isThrottled(key string) bool {
	if key == "" {
		return false
	}
	interval, ok := d.cfg.ThrottleWindow[key]
	if !ok || interval <= 0 {
		return false
	}

	d.throttleMu.Lock()
	defer d.throttleMu.Unlock()

	now := time.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < interval {
		return true
	}
	d.lastSent[key] = now
	return false
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		item, ok := d.dequeue(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, item.msg)
	}
}

func (d *Dispatcher) dequeue(ctx context.Context) (*pqItem, bool) {
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-cancelDone:
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()

	for d.queue.Len() == 0 {
		if d.draining || !d.running || ctx.Err() != nil {
			return nil, false
		}
		d.cond.Wait()
	}
	item := heap.Pop(&d.queue).(*pqItem)
	depth := d.queue.Len()
	d.cond.Broadcast()
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
	return item, true
}

// deliver sends qm to each requested provider sequentially within the
// delivery id, recording the aggregate outcome in storage.
func (d *Dispatcher) deliver(ctx context.Context, qm QueuedMessage) {
	corrCtx, id := correlation.WithNewID(ctx)
	log := d.log.With(zap.String(correlation.FieldName, id), zap.String("delivery_id", qm.DeliveryID))

	results := make(map[string]ProviderResult, len(qm.Providers))

	for _, name := range qm.Providers {
		provider, ok := d.registry.Get(name)
		if !ok {
			results[name] = ProviderResult{Success: false, Err: fmt.Errorf("provider %q not registered", name)}
			continue
		}

		attempts := 0
		err := recovery.Execute(corrCtx, recovery.Options{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			Jitter:      true,
			Breaker:     d.breakers,
			BreakerName: name,
		}, func(opCtx context.Context) error {
			attempts++
			if d.limiter != nil {
				wait, err := d.limiter.Acquire(opCtx, []string{"global", name}, 1)
				if d.metrics != nil {
					d.metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
				}
				if err != nil {
					return err
				}
			}
			ok, sendErr := provider.Send(opCtx, qm.Message)
			if sendErr != nil {
				return sendErr
			}
			if !ok {
				return fmt.Errorf("provider %q reported failure", name)
			}
			return nil
		})

		results[name] = ProviderResult{Success: err == nil, Err: err, Attempts: attempts}
		if err != nil {
			log.Debug("notify: provider delivery failed", zap.String("provider", name), zap.Error(err))
		}
		if d.metrics != nil && d.breakers != nil {
			d.metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(d.breakers.State(name)))
		}
	}

	aggregate := ComputeAggregate(results)
	if aggregate == AggregateFailed {
		log.Warn("notify: delivery_failed", zap.String("title", qm.Message.Title))
	}
	if d.metrics != nil {
		d.metrics.DeliveriesTotal.WithLabelValues(string(aggregate)).Inc()
	}

	if d.db != nil {
		rec := storage.DeliveryRecord{
			DeliveryID: qm.DeliveryID,
			Title:      qm.Message.Title,
			Priority:   qm.Message.Priority.String(),
			Providers:  qm.Providers,
			Results:    resultsToStrings(results),
			Aggregate:  string(aggregate),
			Timestamp:  time.Now(),
		}
		if err := d.db.AppendDelivery(rec); err != nil {
			log.Warn("notify: failed to persist delivery record", zap.Error(err))
		}
	}
}

// breakerStateValue maps a recovery.BreakerRegistry.State() string to the
// gauge encoding observability.Metrics.CircuitBreakerState documents
// (0=closed, 1=half-open, 2=open).
func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	default:
		return 2
	}
}

func resultsToStrings(results map[string]ProviderResult) map[string]string {
	out := make(map[string]string, len(results))
	for name, r := range results {
		if r.Success {
			out[name] = "success"
		} else {
			out[name] = fmt.Sprintf("failed:%v", r.Err)
		}
	}
	return out
}

// SetBatchHandler installs handler and starts accumulating queued messages
// toward it via Batch, instead of (or alongside) direct dispatch. Batching
// is opt-in and orthogonal to Enqueue.
func (d *Dispatcher) SetBatchHandler(ctx context.Context, handler BatchHandler) {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	d.batchHandler = handler
	if d.cfg.BatchTimeout > 0 {
		d.batchTimer = time.AfterFunc(d.cfg.BatchTimeout, func() { d.flushBatch(ctx) })
	}
}

// Batch accumulates qm for the batch handler, flushing when BatchSize is
// reached or BatchTimeout elapses.
func (d *Dispatcher) Batch(ctx context.Context, qm QueuedMessage) {
	d.batchMu.Lock()
	d.batch = append(d.batch, qm)
	full := d.cfg.BatchSize > 0 && len(d.batch) >= d.cfg.BatchSize
	d.batchMu.Unlock()

	if full {
		d.flushBatch(ctx)
	}
}

func (d *Dispatcher) flushBatch(ctx context.Context) {
	d.batchMu.Lock()
	batch := d.batch
	d.batch = nil
	handler := d.batchHandler
	if d.cfg.BatchTimeout > 0 {
		d.batchTimer = time.AfterFunc(d.cfg.BatchTimeout, func() { d.flushBatch(ctx) })
	}
	d.batchMu.Unlock()

	if handler != nil && len(batch) > 0 {
		handler(ctx, batch)
	}
}

// Schedule arms an escalation timer under id: if not cancelled within
// delay, callback fires.
func (d *Dispatcher) Schedule(id string, delay time.Duration, callback func()) {
	d.escalationMu.Lock()
	defer d.escalationMu.Unlock()
	if existing, ok := d.escalations[id]; ok {
		existing.Stop()
	}
	d.escalations[id] = time.AfterFunc(delay, callback)
}

// Cancel disarms the escalation timer registered under id, if any.
func (d *Dispatcher) Cancel(id string) {
	d.escalationMu.Lock()
	defer d.escalationMu.Unlock()
	if existing, ok := d.escalations[id]; ok {
		existing.Stop()
		delete(d.escalations, id)
	}
}

// Stop stops accepting new messages and waits up to the configured grace
// period for the workers to drain the queue. Workers still busy when the
// grace period elapses are not cancelled: they keep draining the queue in
// the background after Stop returns.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.draining = true
		d.mu.Unlock()
		d.cond.Broadcast()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(d.cfg.ShutdownGrace):
			d.log.Warn("notify: dispatcher shutdown grace period elapsed, returning with workers still draining")
		}

		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.cond.Broadcast()
	})
}
