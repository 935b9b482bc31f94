package notify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/engels74/mover-status-sub003/internal/correlation"
	"github.com/engels74/mover-status-sub003/internal/eventbus"
)

// BridgeRule extends Rule with escalation grouping: events sharing a Group
// cancel each other's pending escalation timer, so a later "completed"
// silences an earlier "started"'s stall warning.
type BridgeRule struct {
	Rule
	Group        string
	EscalateAfter time.Duration
}

// BridgeConfig constructs a Bridge.
type BridgeConfig struct {
	Bus        *eventbus.Bus
	Dispatcher *Dispatcher
	Rules      []BridgeRule
	Providers  []string
	Log        *zap.Logger
}

// Bridge maps orchestrator lifecycle/progress events to templated messages,
// throttles and deduplicates via the Dispatcher, and escalates silent
// alerts.
type Bridge struct {
	bus        *eventbus.Bus
	dispatcher *Dispatcher
	rules      []BridgeRule
	providers  []string
	log        *zap.Logger
	stopped    atomic.Bool
}

// NewBridge constructs a Bridge from cfg.
func NewBridge(cfg BridgeConfig) *Bridge {
	return &Bridge{
		bus:        cfg.Bus,
		dispatcher: cfg.Dispatcher,
		rules:      cfg.Rules,
		providers:  cfg.Providers,
		log:        cfg.Log,
	}
}

// Start subscribes the bridge to every topic the orchestrator publishes.
// Call once, before the orchestrator begins publishing.
func (b *Bridge) Start(topics []string) {
	for _, topic := range topics {
		b.bus.Subscribe(topic, b.onEvent)
	}
}

// Stop makes the bridge ignore further events. The event bus has no
// unsubscribe primitive, so this is a cheap flag check at the top of
// onEvent rather than a real subscription teardown; safe to call once
// during shutdown, before the dispatcher drains.
func (b *Bridge) Stop() {
	b.stopped.Store(true)
}

// onEvent is the eventbus.Handler driving rule matching, templating,
// throttling/dedup (delegated to the Dispatcher), dispatch, and escalation
// scheduling.
func (b *Bridge) onEvent(ctx context.Context, ev eventbus.Event) {
	if b.stopped.Load() {
		return
	}
	plain := []Rule(nil)
	for _, r := range b.rules {
		plain = append(plain, r.Rule)
	}
	rule, ok := MatchRule(plain, ev.Topic)
	if !ok {
		b.log.Debug("notify: no rule matches event, ignoring", zap.String("topic", ev.Topic))
		return
	}
	bridgeRule := b.findBridgeRule(rule.Pattern)

	fields, _ := ev.Payload.(map[string]string)
	msg := Message{
		Title:    Template(rule.Title).Render(fields),
		Content:  Template(rule.Content).Render(fields),
		Priority: rule.Level,
		Tags:     []string{ev.Topic},
		Metadata: stringMapToAny(fields),
	}

	id, err := b.dispatcher.Enqueue(ctx, msg, b.providers, ev.Topic)
	if err != nil {
		b.log.Warn("notify: bridge enqueue failed",
			zap.String(correlation.FieldName, correlation.FromContext(ctx)),
			zap.String("topic", ev.Topic), zap.Error(err))
		return
	}
	if id == "" {
		return // duplicate or throttled, already logged by the dispatcher
	}

	if bridgeRule.Group != "" {
		b.dispatcher.Cancel(bridgeRule.Group)
		if bridgeRule.EscalateAfter > 0 {
			group := bridgeRule.Group
			b.dispatcher.Schedule(group, bridgeRule.EscalateAfter, func() {
				b.escalate(context.Background(), group, msg)
			})
		}
	}
}

// escalate re-submits msg at urgent priority when no superseding event in
// the same group arrived within the rule's EscalateAfter window.
func (b *Bridge) escalate(ctx context.Context, group string, original Message) {
	msg := Message{
		Title:    fmt.Sprintf("[stalled] %s", original.Title),
		Content:  original.Content,
		Priority: PriorityUrgent,
		Tags:     append(append([]string(nil), original.Tags...), "escalated"),
		Metadata: original.Metadata,
	}
	if _, err := b.dispatcher.Enqueue(ctx, msg, b.providers, ""); err != nil {
		b.log.Warn("notify: escalation enqueue failed", zap.String("group", group), zap.Error(err))
	}
}

func (b *Bridge) findBridgeRule(pattern string) BridgeRule {
	for _, r := range b.rules {
		if r.Pattern == pattern {
			return r
		}
	}
	return BridgeRule{}
}

func stringMapToAny(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
