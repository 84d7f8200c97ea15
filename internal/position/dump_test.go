package position

import (
	"context"
	"testing"
	"time"

	"confluence-core/pkg/types"
)

func TestDumpSignalsAllFire(t *testing.T) {
	bus := startBus(t)
	m := newTestMonitor(t, bus)
	ctx := context.Background()

	pos := openPosition("p1", "SOLUSDT", types.Long, 150, 10)
	pos.LastPrice = 148 // below recent high x (1 - 0.5%)

	d, err := m.Pool.Acquire(pos.Pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Three consecutive 1m candles with sellers dominating.
	open := time.Now().Truncate(time.Minute).Add(-3 * time.Minute)
	for i := 0; i < 3; i++ {
		c := types.Candle{
			Pair:       pos.Pair,
			Timeframe:  types.TF1m,
			OpenTime:   open.Add(time.Duration(i) * time.Minute),
			Open:       150, High: 150.5, Low: 147.5, Close: 148,
			Volume: 100, BuyVolume: 30, SellVolume: 70,
		}
		if err := d.UpsertCandle(ctx, c); err != nil {
			t.Fatalf("candle: %v", err)
		}
	}

	// Order flow flipped from buy-dominant to sell-dominant inside the
	// 3-minute window.
	now := time.Now()
	flows := []types.OrderFlow{
		{Timestamp: now.Add(-2 * time.Minute), Imbalance: 3.0, ImbalanceOK: true, BuyVolume: 30, SellVolume: 10, CVD: 20, NetVolume: 20},
		{Timestamp: now.Add(-30 * time.Second), Imbalance: 0.3, ImbalanceOK: true, BuyVolume: 10, SellVolume: 33, CVD: -23, NetVolume: -23},
	}
	for _, f := range flows {
		if err := d.InsertOrderFlow(ctx, f); err != nil {
			t.Fatalf("order flow: %v", err)
		}
	}
	m.Pool.Release(d)

	ev, err := m.dumpSignals(ctx, pos)
	if err != nil {
		t.Fatalf("dumpSignals: %v", err)
	}
	if !ev.VolumeReversal {
		t.Fatalf("volume reversal not detected: %+v", ev)
	}
	if !ev.OrderFlowFlip {
		t.Fatalf("order flow flip not detected: %+v", ev)
	}
	if !ev.MomentumBreak {
		t.Fatalf("momentum break not detected: %+v", ev)
	}
}

func TestDumpSignalsQuietMarket(t *testing.T) {
	bus := startBus(t)
	m := newTestMonitor(t, bus)
	ctx := context.Background()

	pos := openPosition("p1", "SOLUSDT", types.Long, 150, 10)
	pos.LastPrice = 150

	d, err := m.Pool.Acquire(pos.Pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	open := time.Now().Truncate(time.Minute).Add(-3 * time.Minute)
	for i := 0; i < 3; i++ {
		c := types.Candle{
			Pair:      pos.Pair,
			Timeframe: types.TF1m,
			OpenTime:  open.Add(time.Duration(i) * time.Minute),
			Open:      150, High: 150.2, Low: 149.9, Close: 150.1,
			Volume: 100, BuyVolume: 60, SellVolume: 40,
		}
		if err := d.UpsertCandle(ctx, c); err != nil {
			t.Fatalf("candle: %v", err)
		}
	}
	m.Pool.Release(d)

	ev, err := m.dumpSignals(ctx, pos)
	if err != nil {
		t.Fatalf("dumpSignals: %v", err)
	}
	if ev.VolumeReversal || ev.OrderFlowFlip {
		t.Fatalf("quiet market fired dump signals: %+v", ev)
	}
}
