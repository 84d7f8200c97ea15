package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startBus(t *testing.T, capacity int, timeout time.Duration) *Bus {
	t.Helper()
	b := NewBus(capacity, timeout)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Stop(ctx)
	})
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := startBus(t, 100, 0)

	var got1, got2 atomic.Int64
	b.Subscribe(EventTradeTick, "h1", func(context.Context, Event) error {
		got1.Add(1)
		return nil
	})
	b.Subscribe(EventTradeTick, "h2", func(context.Context, Event) error {
		got2.Add(1)
		return nil
	})

	for i := 0; i < 10; i++ {
		b.Publish(New(EventTradeTick, i))
	}

	waitFor(t, func() bool { return got1.Load() == 10 && got2.Load() == 10 })
}

func TestBusOrderPerPublisher(t *testing.T) {
	b := startBus(t, 100, 0)

	var mu sync.Mutex
	var seen []int
	b.Subscribe(EventCandleCompleted, "order", func(_ context.Context, ev Event) error {
		mu.Lock()
		seen = append(seen, ev.Payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		b.Publish(New(EventCandleCompleted, i))
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery out of order at %d: got %d", i, v)
		}
	}
}

func TestBusHandlerErrorEmitsSystemError(t *testing.T) {
	b := startBus(t, 100, 0)

	var sysErrs atomic.Int64
	b.Subscribe(EventSystemError, "collector", func(_ context.Context, ev Event) error {
		if se, ok := ev.Payload.(SystemError); ok && se.Reason == "handler_error" {
			sysErrs.Add(1)
		}
		return nil
	})
	b.Subscribe(EventOrderPlaced, "failing", func(context.Context, Event) error {
		return errors.New("boom")
	})
	b.Subscribe(EventOrderFilled, "panicking", func(context.Context, Event) error {
		panic("kaboom")
	})

	b.Publish(New(EventOrderPlaced, nil))
	b.Publish(New(EventOrderFilled, nil))

	waitFor(t, func() bool { return sysErrs.Load() == 2 })
	if b.Stats().HandlerErrors != 2 {
		t.Fatalf("HandlerErrors=%d, expected 2", b.Stats().HandlerErrors)
	}
}

func TestBusHandlerErrorDoesNotCancelSiblings(t *testing.T) {
	b := startBus(t, 100, 0)

	var healthy atomic.Int64
	b.Subscribe(EventTradeTick, "bad", func(context.Context, Event) error {
		return errors.New("always fails")
	})
	b.Subscribe(EventTradeTick, "good", func(context.Context, Event) error {
		healthy.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		b.Publish(New(EventTradeTick, i))
	}
	waitFor(t, func() bool { return healthy.Load() == 5 })
}

func TestBusStatsBalance(t *testing.T) {
	b := startBus(t, 100, 0)
	b.Subscribe(EventTradeTick, "sink", func(context.Context, Event) error { return nil })

	for i := 0; i < 25; i++ {
		b.Publish(New(EventTradeTick, i))
	}
	waitFor(t, func() bool {
		s := b.Stats()
		return s.Processed+uint64(s.QueueDepth)+s.Dropped == s.Published && s.Processed == 25
	})
}

func TestBusFullQueueDrops(t *testing.T) {
	// Unstarted bus: nothing drains the queue, so publishes past capacity
	// must time out and be counted as drops.
	b := NewBus(2, 10*time.Millisecond)

	for i := 0; i < 4; i++ {
		b.Publish(New(EventTradeTick, i))
	}
	s := b.Stats()
	if s.Dropped == 0 {
		t.Fatalf("expected drops on full queue, stats=%+v", s)
	}
	if s.Published+s.Dropped < 4 {
		t.Fatalf("published+dropped=%d, expected >= 4", s.Published+s.Dropped)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := startBus(t, 100, 0)

	var got atomic.Int64
	unsub := b.Subscribe(EventTradeTick, "once", func(context.Context, Event) error {
		got.Add(1)
		return nil
	})

	b.Publish(New(EventTradeTick, 1))
	waitFor(t, func() bool { return got.Load() == 1 })

	unsub()
	b.Publish(New(EventTradeTick, 2))
	waitFor(t, func() bool { return b.Stats().Processed == 2 })
	if got.Load() != 1 {
		t.Fatalf("handler ran after unsubscribe: %d", got.Load())
	}
}
