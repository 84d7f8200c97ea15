package db

import (
	"context"
	"os"
	"testing"
	"time"

	"confluence-core/pkg/types"
)

func testPair(symbol string) types.Pair {
	return types.Pair{Venue: "sim", Market: types.MarketSpot, Symbol: symbol}
}

func testPool(t *testing.T, capacity int) *Pool {
	t.Helper()
	pool := NewPool(t.TempDir(), capacity)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPairDBPath(t *testing.T) {
	pool := testPool(t, 10)
	pair := testPair("BTCUSDT")

	d, err := pool.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(d)

	// Symbol identity is the filesystem path.
	path := PathFor(pool.baseDir, pair)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database at %s: %v", path, err)
	}
}

func TestTickRoundTrip(t *testing.T) {
	pool := testPool(t, 10)
	pair := testPair("ETHUSDT")
	ctx := context.Background()

	d, err := pool.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(d)

	now := time.Now().Truncate(time.Millisecond)
	ticks := []types.Tick{
		{Pair: pair, Timestamp: now.Add(-2 * time.Minute), Price: 3000, Volume: 1.5, Side: types.SideBuy, TradeID: "t1"},
		{Pair: pair, Timestamp: now.Add(-time.Minute), Price: 3010, Volume: 0.5, Side: types.SideSell, TradeID: "t2"},
		{Pair: pair, Timestamp: now, Price: 3020, Volume: 2, Side: types.SideBuy, TradeID: "t3"},
	}
	if err := d.InsertTicks(ctx, ticks); err != nil {
		t.Fatalf("insert ticks: %v", err)
	}

	got, err := d.TicksSince(ctx, now.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("query ticks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ticks, expected 2", len(got))
	}
	if got[0].TradeID != "t2" || got[1].TradeID != "t3" {
		t.Fatalf("wrong order: %s, %s", got[0].TradeID, got[1].TradeID)
	}

	buy, sell, err := d.CVDWindow(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("cvd window: %v", err)
	}
	if buy != 3.5 || sell != 0.5 {
		t.Fatalf("cvd buy=%v sell=%v, expected 3.5/0.5", buy, sell)
	}
}

func TestCandleUpsert(t *testing.T) {
	pool := testPool(t, 10)
	pair := testPair("BTCUSDT")
	ctx := context.Background()

	d, err := pool.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(d)

	open := time.Now().Truncate(time.Minute)
	c := types.Candle{Pair: pair, Timeframe: types.TF1m, OpenTime: open, Open: 100, High: 102, Low: 99, Close: 101, Volume: 10}
	if err := d.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c.Close = 101.5
	if err := d.UpsertCandle(ctx, c); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := d.RecentCandles(ctx, types.TF1m, 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candles, expected 1 (open_time unique)", len(got))
	}
	if got[0].Close != 101.5 {
		t.Fatalf("close=%v, expected 101.5", got[0].Close)
	}
}

func TestPoolLRUEviction(t *testing.T) {
	pool := testPool(t, 2)

	a, err := pool.Acquire(testPair("AAAUSDT"))
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	pool.Release(a)
	b, err := pool.Acquire(testPair("BBBUSDT"))
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	pool.Release(b)

	// Third pair evicts the least recently used idle handle (a).
	c, err := pool.Acquire(testPair("CCCUSDT"))
	if err != nil {
		t.Fatalf("acquire c: %v", err)
	}
	pool.Release(c)

	s := pool.Stats()
	if s.Open != 2 {
		t.Fatalf("open=%d, expected 2", s.Open)
	}
	if s.Evictions != 1 {
		t.Fatalf("evictions=%d, expected 1", s.Evictions)
	}
	if s.Misses != 3 {
		t.Fatalf("misses=%d, expected 3", s.Misses)
	}

	// Reacquiring a cached pair is a hit.
	b2, err := pool.Acquire(testPair("BBBUSDT"))
	if err != nil {
		t.Fatalf("reacquire b: %v", err)
	}
	pool.Release(b2)
	if pool.Stats().Hits != 1 {
		t.Fatalf("hits=%d, expected 1", pool.Stats().Hits)
	}
}

func TestPoolHeldHandleNotEvicted(t *testing.T) {
	pool := testPool(t, 1)

	a, err := pool.Acquire(testPair("AAAUSDT"))
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	// a is held, so acquiring b overshoots rather than closing a.
	b, err := pool.Acquire(testPair("BBBUSDT"))
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	if err := a.DB.Ping(); err != nil {
		t.Fatalf("held handle was closed: %v", err)
	}
	pool.Release(a)
	pool.Release(b)
}

func TestRetentionCleanup(t *testing.T) {
	base := t.TempDir()
	pool := NewPool(base, 10)
	defer pool.Close()
	pair := testPair("BTCUSDT")
	ctx := context.Background()

	d, err := pool.Acquire(pair)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	now := time.Now()
	old := types.Tick{Pair: pair, Timestamp: now.Add(-30 * time.Minute), Price: 1, Volume: 1, Side: types.SideBuy, TradeID: "old"}
	fresh := types.Tick{Pair: pair, Timestamp: now, Price: 1, Volume: 1, Side: types.SideBuy, TradeID: "new"}
	if err := d.InsertTicks(ctx, []types.Tick{old, fresh}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.UpsertZone(ctx, types.Zone{ID: "z1", Type: types.ZoneDemand, PriceLow: 1, PriceHigh: 2, State: types.ZoneBroken, CreatedAt: now}); err != nil {
		t.Fatalf("zone: %v", err)
	}
	if err := d.UpsertFVG(ctx, types.FairValueGap{ID: "g1", Direction: types.FVGBullish, GapLow: 1, GapHigh: 2, FillPct: 100, Filled: types.FVGFilled, CreatedAt: now}); err != nil {
		t.Fatalf("fvg: %v", err)
	}
	pool.Release(d)

	cleaner := NewCleaner(pool, base, DefaultRetention(), time.Minute, nil)
	cleaner.RunOnce(ctx)

	d, err = pool.Acquire(pair)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer pool.Release(d)

	n, err := d.CountTicksOlderThan(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("%d expired ticks survived cleanup", n)
	}
	remaining, err := d.TicksSince(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(remaining) != 1 || remaining[0].TradeID != "new" {
		t.Fatalf("fresh tick missing after cleanup: %+v", remaining)
	}

	zones, err := d.ActiveZones(ctx)
	if err != nil {
		t.Fatalf("zones: %v", err)
	}
	if len(zones) != 0 {
		t.Fatalf("broken zone survived cleanup")
	}
	gaps, err := d.OpenFVGs(ctx)
	if err != nil {
		t.Fatalf("fvgs: %v", err)
	}
	if len(gaps) != 0 {
		t.Fatalf("filled gap survived cleanup")
	}
}
