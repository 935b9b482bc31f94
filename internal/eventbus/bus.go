// Package eventbus implements an in-process publish/subscribe bus with
// hierarchical topics, used internally by the orchestrator to decouple the
// monitoring loop from the notification bridge.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/correlation"
)

// Event is a published message: a dot-separated topic and an opaque
// payload. The orchestrator defines the topic vocabulary (e.g.
// "lifecycle.started", "progress.updated", "error.escalated").
type Event struct {
	Topic   string
	Payload any
}

// Handler receives events under the correlation context active at publish
// time.
type Handler func(ctx context.Context, ev Event)

// delivery is one queued async publication: the event plus the handler set
// snapshotted at publish time.
type delivery struct {
	ctx      context.Context
	ev       Event
	handlers []Handler
}

// Bus is a topic/wildcard pub-sub dispatcher. Zero value is not usable; use
// New.
type Bus struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string][]Handler

	// Async publications are appended to pending and drained by a single
	// dispatch goroutine, so each subscriber observes events in publish
	// order. A goroutine per Publish would let the runtime interleave two
	// back-to-back publications arbitrarily.
	dispatchMu   sync.Mutex
	dispatchCond *sync.Cond
	pending      []delivery
	closed       bool
	startOnce    sync.Once
}

// New creates an empty Bus.
func New(log *zap.Logger) *Bus {
	b := &Bus{log: log, subs: make(map[string][]Handler)}
	b.dispatchCond = sync.NewCond(&b.dispatchMu)
	return b
}

// Subscribe registers handler under topic, which may be an exact topic
// ("progress.updated") or a prefix wildcard ("progress.*"). A topic may
// have any number of subscribers; all matching subscribers are invoked.
func (b *Bus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], handler)
}

// Publish dispatches ev to every subscriber whose topic pattern matches
// ev.Topic, under ctx's correlation id. Publish returns immediately;
// delivery happens on the bus's dispatch goroutine, which drains
// publications strictly in publish order. A panicking handler is
// isolated: logged, and the remaining subscribers still run.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	handlers := b.matchingHandlers(ev.Topic)
	if len(handlers) == 0 {
		return
	}

	b.dispatchMu.Lock()
	if b.closed {
		b.dispatchMu.Unlock()
		return
	}
	b.pending = append(b.pending, delivery{ctx: ctx, ev: ev, handlers: handlers})
	b.dispatchMu.Unlock()
	b.dispatchCond.Signal()

	b.startOnce.Do(func() { go b.dispatch() })
}

// dispatch is the single async delivery loop. It exits once Close has been
// called and every pending publication has been delivered.
func (b *Bus) dispatch() {
	for {
		b.dispatchMu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.dispatchCond.Wait()
		}
		if len(b.pending) == 0 {
			b.dispatchMu.Unlock()
			return
		}
		d := b.pending[0]
		b.pending = b.pending[1:]
		b.dispatchMu.Unlock()

		for _, h := range d.handlers {
			b.invoke(d.ctx, h, d.ev)
		}
	}
}

// Close stops accepting new publications. Publications already queued are
// still delivered, in order, before the dispatch goroutine exits.
func (b *Bus) Close() {
	b.dispatchMu.Lock()
	b.closed = true
	b.dispatchMu.Unlock()
	b.dispatchCond.Broadcast()
}

// PublishSync is the synchronous counterpart to Publish, used by callers
// (tests) that need delivery to have completed before returning. It bypasses the dispatch queue, so it should
// not be mixed with Publish on the same topics when ordering between the
// two matters.
func (b *Bus) PublishSync(ctx context.Context, ev Event) {
	handlers := b.matchingHandlers(ev.Topic)
	for _, h := range handlers {
		b.invoke(ctx, h, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("eventbus: subscriber panicked, isolating",
				zap.String(correlation.FieldName, correlation.FromContext(ctx)),
				zap.String("topic", ev.Topic),
				zap.Any("recovered", r))
		}
	}()
	h(ctx, ev)
}

func (b *Bus) matchingHandlers(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Handler
	for pattern, handlers := range b.subs {
		if topicMatches(pattern, topic) {
			out = append(out, handlers...)
		}
	}
	return out
}

// topicMatches reports whether topic satisfies pattern. A pattern ending in
// ".*" matches any topic sharing its prefix; any other pattern must match
// topic exactly.
func topicMatches(pattern, topic string) bool {
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
