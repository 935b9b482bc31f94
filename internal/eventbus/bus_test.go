package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPublishSync_ExactTopic(t *testing.T) {
	b := New(zap.NewNop())
	var got Event
	b.Subscribe("progress.updated", func(ctx context.Context, ev Event) {
		got = ev
	})
	b.PublishSync(context.Background(), Event{Topic: "progress.updated", Payload: 42})
	if got.Topic != "progress.updated" || got.Payload != 42 {
		t.Fatalf("handler did not receive expected event: %+v", got)
	}
}

func TestPublishSync_WildcardTopic(t *testing.T) {
	b := New(zap.NewNop())
	count := 0
	b.Subscribe("lifecycle.*", func(ctx context.Context, ev Event) {
		count++
	})
	b.PublishSync(context.Background(), Event{Topic: "lifecycle.started"})
	b.PublishSync(context.Background(), Event{Topic: "lifecycle.completed"})
	b.PublishSync(context.Background(), Event{Topic: "progress.updated"})
	if count != 2 {
		t.Fatalf("wildcard handler invoked %d times, want 2", count)
	}
}

func TestPublishSync_PanickingHandlerIsolated(t *testing.T) {
	b := New(zap.NewNop())
	secondCalled := false
	b.Subscribe("error.escalated", func(ctx context.Context, ev Event) {
		panic("boom")
	})
	b.Subscribe("error.escalated", func(ctx context.Context, ev Event) {
		secondCalled = true
	})
	b.PublishSync(context.Background(), Event{Topic: "error.escalated"})
	if !secondCalled {
		t.Fatalf("second subscriber should still run despite first panicking")
	}
}

func TestPublish_Async(t *testing.T) {
	b := New(zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe("done", func(ctx context.Context, ev Event) {
		wg.Done()
	})
	b.Publish(context.Background(), Event{Topic: "done"})
	wg.Wait()
}

func TestPublish_DeliversInPublishOrder(t *testing.T) {
	b := New(zap.NewNop())

	const n = 50
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe("progress.updated", func(ctx context.Context, ev Event) {
		// A slow subscriber: if each Publish ran on its own goroutine, the
		// runtime would be free to interleave these and scramble got.
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, ev.Payload.(int))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < n; i++ {
		b.Publish(context.Background(), Event{Topic: "progress.updated", Payload: i})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d events delivered", len(got), n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order: got payload %d, want %d (full order %v)", i, v, i, got)
		}
	}
}

func TestClose_DrainsPendingThenRejectsNew(t *testing.T) {
	b := New(zap.NewNop())
	var mu sync.Mutex
	delivered := 0
	b.Subscribe("lifecycle.completed", func(ctx context.Context, ev Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	b.Publish(context.Background(), Event{Topic: "lifecycle.completed"})
	b.Close()
	b.Publish(context.Background(), Event{Topic: "lifecycle.completed"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := delivered
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered = %d, want exactly 1 (queued before Close delivered, after Close rejected)", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
