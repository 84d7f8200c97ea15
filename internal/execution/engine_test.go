package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"confluence-core/internal/events"
	"confluence-core/pkg/db"
	"confluence-core/pkg/exchanges/sim"
	"confluence-core/pkg/types"
)

func startBus(t *testing.T) *events.Bus {
	t.Helper()
	b := events.NewBus(1000, 0)
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

func newTestEngine(t *testing.T, bus *events.Bus) (*Engine, *sim.Gateway) {
	t.Helper()
	pool := db.NewPool(t.TempDir(), 10)
	t.Cleanup(func() { pool.Close() })

	gw := sim.New(sim.Config{Venue: "sim", InitialBalance: 100000})
	gw.SetPrice("BTCUSDT", 100)

	e := &Engine{
		Bus:     bus,
		Gateway: gw,
		Orders:  NewOrderManager(),
		Balance: fixedBalance(100000),
		Pool:    pool,
		Opts: Options{
			MinConfluence:    3.0,
			MaxConcurrent:    3,
			SizePct:          2,
			MaxSizePct:       5,
			MinRewardRisk:    1.5,
			Retry:            fastRetry(),
			ReconcileTimeout: 2 * time.Second,
			KnownVenues:      map[string]bool{"sim": true},
		},
		OpenPositions: func() int { return 0 },
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e, gw
}

type eventLog struct {
	mu     sync.Mutex
	placed []types.Order
	filled []types.Order
	failed []types.OrderFailedEvent
	opened []types.Position
}

func collect(t *testing.T, bus *events.Bus) *eventLog {
	t.Helper()
	el := &eventLog{}
	bus.Subscribe(events.EventOrderPlaced, "t-placed", func(_ context.Context, ev events.Event) error {
		el.mu.Lock()
		el.placed = append(el.placed, ev.Payload.(types.Order))
		el.mu.Unlock()
		return nil
	})
	bus.Subscribe(events.EventOrderFilled, "t-filled", func(_ context.Context, ev events.Event) error {
		el.mu.Lock()
		el.filled = append(el.filled, ev.Payload.(types.Order))
		el.mu.Unlock()
		return nil
	})
	bus.Subscribe(events.EventOrderFailed, "t-failed", func(_ context.Context, ev events.Event) error {
		el.mu.Lock()
		el.failed = append(el.failed, ev.Payload.(types.OrderFailedEvent))
		el.mu.Unlock()
		return nil
	})
	bus.Subscribe(events.EventPositionOpened, "t-opened", func(_ context.Context, ev events.Event) error {
		el.mu.Lock()
		el.opened = append(el.opened, ev.Payload.(types.Position))
		el.mu.Unlock()
		return nil
	})
	return el
}

func (el *eventLog) wait(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		el.mu.Lock()
		ok := cond()
		el.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("events not observed in time: placed=%d filled=%d failed=%d opened=%d",
		len(el.placed), len(el.filled), len(el.failed), len(el.opened))
}

func TestEngineSignalToPositionOpened(t *testing.T) {
	bus := startBus(t)
	_, _ = newTestEngine(t, bus)
	el := collect(t, bus)

	bus.Publish(events.New(events.EventSignalGenerated, testSignal()))

	el.wait(t, func() bool { return len(el.opened) == 1 })

	el.mu.Lock()
	defer el.mu.Unlock()
	if len(el.placed) != 1 || len(el.filled) != 1 {
		t.Fatalf("placed=%d filled=%d, expected 1/1", len(el.placed), len(el.filled))
	}
	// Every fill has a prior placement with the same client id.
	if el.filled[0].ClientID != el.placed[0].ClientID {
		t.Fatalf("fill client id %s does not match placement %s", el.filled[0].ClientID, el.placed[0].ClientID)
	}
	pos := el.opened[0]
	if pos.Side != types.Long || pos.State != types.PositionOpen || pos.Quantity <= 0 {
		t.Fatalf("seeded position %+v", pos)
	}
	if pos.Source != "signal" {
		t.Fatalf("source=%s, expected signal", pos.Source)
	}
}

func TestEngineDuplicateSignalSinglePlacement(t *testing.T) {
	bus := startBus(t)
	_, _ = newTestEngine(t, bus)
	el := collect(t, bus)

	sig := testSignal()
	bus.Publish(events.New(events.EventSignalGenerated, sig))
	bus.Publish(events.New(events.EventSignalGenerated, sig))

	el.wait(t, func() bool { return len(el.opened) >= 1 })
	time.Sleep(100 * time.Millisecond) // allow a duplicate to surface, if any

	el.mu.Lock()
	defer el.mu.Unlock()
	if len(el.placed) != 1 {
		t.Fatalf("placed=%d, expected a single placement per client id", len(el.placed))
	}
}

func TestEngineValidationFailureEmitsOrderFailed(t *testing.T) {
	bus := startBus(t)
	_, _ = newTestEngine(t, bus)
	el := collect(t, bus)

	sig := testSignal()
	sig.ConfluenceScore = 1.0
	bus.Publish(events.New(events.EventSignalGenerated, sig))

	el.wait(t, func() bool { return len(el.failed) == 1 })

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.failed[0].Reason != ReasonValidation {
		t.Fatalf("reason=%s, expected validation", el.failed[0].Reason)
	}
	if len(el.placed) != 0 {
		t.Fatalf("rejected signal still placed an order")
	}
}

func TestEngineHaltDropsSignals(t *testing.T) {
	bus := startBus(t)
	eng, _ := newTestEngine(t, bus)
	el := collect(t, bus)

	bus.Publish(events.New(events.EventStopNewEntries, nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := eng.Halted(); n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n, _ := eng.Halted(); !n {
		t.Fatalf("halt latch not set")
	}

	bus.Publish(events.New(events.EventSignalGenerated, testSignal()))
	time.Sleep(150 * time.Millisecond)

	el.mu.Lock()
	defer el.mu.Unlock()
	if len(el.placed) != 0 {
		t.Fatalf("halted engine placed an order")
	}

	eng.ResumeEntries()
	if n, a := eng.Halted(); n || a {
		t.Fatalf("resume did not clear latches")
	}
}

func TestEngineCloseRequestRoundTrip(t *testing.T) {
	bus := startBus(t)
	_, gw := newTestEngine(t, bus)
	gw.SetPrice("BTCUSDT", 99)
	el := collect(t, bus)

	bus.Publish(events.New(events.EventClosePosition, types.CloseRequest{
		PositionID: "pos-1",
		Pair:       testPair(),
		Side:       types.Long,
		Quantity:   2,
		Reason:     types.ExitTrailingStop,
	}))

	el.wait(t, func() bool { return len(el.filled) == 1 })

	el.mu.Lock()
	defer el.mu.Unlock()
	o := el.filled[0]
	if o.PositionID != "pos-1" || o.CloseReason != types.ExitTrailingStop {
		t.Fatalf("close fill %+v", o)
	}
	if o.Side != types.SideSell {
		t.Fatalf("closing a LONG must sell, got %s", o.Side)
	}
	if len(el.opened) != 0 {
		t.Fatalf("close order must not open a position")
	}
}
