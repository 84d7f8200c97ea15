package analytics

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"confluence-core/internal/events"
	"confluence-core/pkg/db"
	"confluence-core/pkg/types"
)

// Options tunes the analytics sweep.
type Options struct {
	Interval            time.Duration
	OrderFlowWindow     time.Duration
	ProfileWindow       time.Duration
	MeanReversionWindow time.Duration
	AutocorrSamples     int
	TickSizes           map[string]float64 // per-symbol profile bucket size
	Parallelism         int
}

func (o *Options) fill() {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.OrderFlowWindow <= 0 {
		o.OrderFlowWindow = 5 * time.Minute
	}
	if o.ProfileWindow <= 0 {
		o.ProfileWindow = 15 * time.Minute
	}
	if o.MeanReversionWindow <= 0 {
		o.MeanReversionWindow = 15 * time.Minute
	}
	if o.AutocorrSamples <= 0 {
		o.AutocorrSamples = 100
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
}

// Engine sweeps active symbols on a fixed cadence, computes each symbol's
// snapshot from storage queries, and publishes AnalyticsUpdated. The latest
// snapshot per symbol is cached for synchronous readers; publish swaps an
// immutable value so readers never observe a torn snapshot.
type Engine struct {
	Bus  *events.Bus
	Pool *db.Pool
	Opts Options

	mu           sync.Mutex
	active       map[types.Pair]time.Time
	zoneTrackers map[types.Pair]*ZoneTracker
	fvgTrackers  map[types.Pair]*FVGTracker
	lastPublish  map[types.Pair]time.Time

	snapshots sync.Map // types.Pair -> *Snapshot
	sweeping  atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()
}

// Name identifies the component.
func (e *Engine) Name() string { return "analytics" }

// Start installs the activity subscription and launches the sweep loop.
func (e *Engine) Start(ctx context.Context) error {
	e.Opts.fill()
	e.active = make(map[types.Pair]time.Time)
	e.zoneTrackers = make(map[types.Pair]*ZoneTracker)
	e.fvgTrackers = make(map[types.Pair]*FVGTracker)
	e.lastPublish = make(map[types.Pair]time.Time)

	e.unsub = e.Bus.Subscribe(events.EventTradeTick, "analytics-activity", func(_ context.Context, ev events.Event) error {
		t, ok := ev.Payload.(types.Tick)
		if !ok {
			return nil
		}
		e.mu.Lock()
		e.active[t.Pair] = t.Timestamp
		e.mu.Unlock()
		return nil
	})

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.Opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				e.Sweep(loopCtx)
			}
		}
	}()
	return nil
}

// Stop removes subscriptions and terminates the loop.
func (e *Engine) Stop(ctx context.Context) error {
	if e.unsub != nil {
		e.unsub()
	}
	if e.cancel != nil {
		e.cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the cached snapshot for a pair, nil when none exists.
func (e *Engine) Snapshot(pair types.Pair) *Snapshot {
	if v, ok := e.snapshots.Load(pair); ok {
		return v.(*Snapshot)
	}
	return nil
}

// Sweep runs one analytics pass over every active symbol. A pass is skipped
// when the previous one has not completed.
func (e *Engine) Sweep(ctx context.Context) {
	if !e.sweeping.CompareAndSwap(false, true) {
		log.Println("analytics: previous sweep still running, skipping")
		return
	}
	defer e.sweeping.Store(false)

	now := time.Now()
	e.mu.Lock()
	pairs := make([]types.Pair, 0, len(e.active))
	for p, last := range e.active {
		if now.Sub(last) <= e.Opts.MeanReversionWindow {
			pairs = append(pairs, p)
		}
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Opts.Parallelism)
	for _, pair := range pairs {
		g.Go(func() error {
			if err := e.computeAndPublish(gctx, pair, now); err != nil {
				log.Printf("analytics: %s: %v", pair, err)
			}
			return nil // one symbol's failure never cancels the sweep
		})
	}
	g.Wait()
}

func (e *Engine) computeAndPublish(ctx context.Context, pair types.Pair, now time.Time) error {
	snap, err := e.compute(ctx, pair, now)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	e.mu.Lock()
	last := e.lastPublish[pair]
	e.mu.Unlock()

	prev := e.Snapshot(pair)
	if prev != nil && snap.SameContents(prev) && now.Sub(last) < e.Opts.Interval {
		return nil
	}

	e.snapshots.Store(pair, snap)
	e.mu.Lock()
	e.lastPublish[pair] = now
	e.mu.Unlock()

	e.Bus.Publish(events.New(events.EventAnalyticsUpdated, snap))
	return nil
}

// compute builds one immutable snapshot from the pair database.
func (e *Engine) compute(ctx context.Context, pair types.Pair, now time.Time) (*Snapshot, error) {
	d, err := e.Pool.Acquire(pair)
	if err != nil {
		e.Bus.Publish(events.New(events.EventSystemError, events.SystemError{
			Component: "storage", Reason: "acquire_failed", Detail: err.Error(),
		}))
		return nil, err
	}
	defer e.Pool.Release(d)

	ticks, err := d.TicksSince(ctx, now.Add(-e.Opts.MeanReversionWindow))
	if err != nil {
		return nil, err
	}
	if len(ticks) == 0 {
		return nil, nil
	}
	lastPrice := ticks[len(ticks)-1].Price

	snap := &Snapshot{Pair: pair, GeneratedAt: now, LastPrice: lastPrice}

	// Order flow over its own (shorter) window.
	ofTicks := ticksSince(ticks, now.Add(-e.Opts.OrderFlowWindow))
	snap.OrderFlow, snap.LargeTrades = ComputeOrderFlow(ofTicks, now)
	if err := d.InsertOrderFlow(ctx, snap.OrderFlow); err != nil {
		log.Printf("analytics: persist order flow %s: %v", pair, err)
	}

	// Market profile.
	profTicks := ticksSince(ticks, now.Add(-e.Opts.ProfileWindow))
	if profile, ok := ComputeProfile(profTicks, e.tickSize(pair.Symbol, lastPrice), now); ok {
		snap.Profile = profile
		if err := d.InsertProfile(ctx, profile); err != nil {
			log.Printf("analytics: persist profile %s: %v", pair, err)
		}
	}

	// Candle-driven analyzers.
	candles1m, err := d.RecentCandles(ctx, types.TF1m, 60)
	if err != nil {
		return nil, err
	}
	if len(candles1m) > 0 {
		snap.LatestCandle = candles1m[len(candles1m)-1]
		snap.Rejection = ComputeRejection(snap.LatestCandle)
	}

	candles5m, err := d.RecentCandles(ctx, types.TF5m, 60)
	if err != nil {
		return nil, err
	}

	zt, ft := e.trackers(ctx, d, pair)
	snap.Zones = zt.Update(append(append([]types.Candle{}, candles1m...), candles5m...))
	snap.FVGs = ft.Update(candles1m)
	for _, z := range zt.Drain() {
		if err := d.UpsertZone(ctx, z); err != nil {
			log.Printf("analytics: persist zone %s: %v", pair, err)
		}
	}
	for _, g := range ft.Drain() {
		if err := d.UpsertFVG(ctx, g); err != nil {
			log.Printf("analytics: persist fvg %s: %v", pair, err)
		}
	}

	// Mean reversion and autocorrelation over tick prices.
	prices := make([]float64, len(ticks))
	for i, t := range ticks {
		prices[i] = t.Price
	}
	snap.PriceMean15m, snap.PriceStddev15m = MeanStddev(prices)
	snap.ZScore, snap.ZScoreOK = ZScore(lastPrice, snap.PriceMean15m, snap.PriceStddev15m)

	acPrices := prices
	if len(acPrices) > e.Opts.AutocorrSamples+1 {
		acPrices = acPrices[len(acPrices)-e.Opts.AutocorrSamples-1:]
	}
	snap.AutocorrLag1, snap.AutocorrOK = AutocorrLag1(acPrices)

	// Multi-timeframe trend.
	closes, err := d.MultiTFCloses(ctx, emaLongPeriod*2)
	if err != nil {
		return nil, err
	}
	snap.MTF = ComputeMTFTrend(closes)

	return snap, nil
}

// trackers returns the pair's zone/FVG trackers, seeding them from storage
// on first use.
func (e *Engine) trackers(ctx context.Context, d *db.PairDB, pair types.Pair) (*ZoneTracker, *FVGTracker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	zt, ok := e.zoneTrackers[pair]
	if !ok {
		seed, err := d.ActiveZones(ctx)
		if err != nil {
			log.Printf("analytics: seed zones %s: %v", pair, err)
		}
		zt = NewZoneTracker(seed)
		e.zoneTrackers[pair] = zt
	}

	ft, ok := e.fvgTrackers[pair]
	if !ok {
		seed, err := d.OpenFVGs(ctx)
		if err != nil {
			log.Printf("analytics: seed fvgs %s: %v", pair, err)
		}
		ft = NewFVGTracker(seed)
		e.fvgTrackers[pair] = ft
	}
	return zt, ft
}

func (e *Engine) tickSize(symbol string, price float64) float64 {
	if ts, ok := e.Opts.TickSizes[symbol]; ok && ts > 0 {
		return ts
	}
	// Roughly three significant digits of bucketing.
	if price <= 0 {
		return 0.01
	}
	return math.Pow(10, math.Floor(math.Log10(price))-2)
}

// ticksSince assumes ticks are chronological and returns the suffix at or
// after the cutoff.
func ticksSince(ticks []types.Tick, cutoff time.Time) []types.Tick {
	for i, t := range ticks {
		if !t.Timestamp.Before(cutoff) {
			return ticks[i:]
		}
	}
	return nil
}
