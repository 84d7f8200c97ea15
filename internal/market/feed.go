package market

import (
	"context"
	"log"
	"sync"
	"time"

	"confluence-core/internal/events"
	"confluence-core/pkg/db"
	"confluence-core/pkg/types"
)

// Feed normalizes a venue stream onto the bus and into per-pair storage:
// ticks are published as they arrive and persisted in batches, candles are
// aggregated locally and published on completion.
type Feed struct {
	Bus     *events.Bus
	Pool    *db.Pool
	Stream  Stream
	Venue   string
	Market  types.MarketType
	Symbols []string

	FlushInterval time.Duration

	builder *CandleBuilder
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[types.Pair][]types.Tick
}

// Name identifies the component.
func (f *Feed) Name() string { return "market-feed" }

// Start subscribes to the stream and launches the pump and flush loops.
func (f *Feed) Start(ctx context.Context) error {
	if f.FlushInterval <= 0 {
		f.FlushInterval = time.Second
	}
	f.pending = make(map[types.Pair][]types.Tick)
	f.builder = NewCandleBuilder(f.onCandleClosed)

	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	ticks, stop, err := f.Stream.Subscribe(loopCtx, f.Symbols)
	if err != nil {
		cancel()
		return err
	}

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		defer stop()
		f.pump(loopCtx, ticks)
	}()
	go func() {
		defer f.wg.Done()
		f.flushLoop(loopCtx)
	}()
	return nil
}

// Stop terminates the loops and flushes buffered rows.
func (f *Feed) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.flush(context.Background())
	f.builder.FlushBefore(time.Now().Add(24 * time.Hour)) // close all building bars
	return nil
}

func (f *Feed) pump(ctx context.Context, ticks <-chan types.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				if ctx.Err() == nil {
					f.Bus.Publish(events.New(events.EventConnectionLost, events.ConnectionLost{
						Venue: f.Venue,
						Since: time.Now(),
					}))
				}
				return
			}
			f.Bus.Publish(events.New(events.EventTradeTick, t))
			f.builder.Add(t)

			f.mu.Lock()
			f.pending[t.Pair] = append(f.pending[t.Pair], t)
			f.mu.Unlock()
		}
	}
}

func (f *Feed) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(f.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flush(ctx)
			f.builder.FlushBefore(time.Now().Add(-types.TF1m.Duration()))
		}
	}
}

// flush writes each pair's buffered ticks through one acquired handle.
func (f *Feed) flush(ctx context.Context) {
	f.mu.Lock()
	batches := f.pending
	f.pending = make(map[types.Pair][]types.Tick)
	f.mu.Unlock()

	for pair, ticks := range batches {
		d, err := f.Pool.Acquire(pair)
		if err != nil {
			log.Printf("feed: acquire %s: %v", pair, err)
			f.Bus.Publish(events.New(events.EventSystemError, events.SystemError{
				Component: "storage", Reason: "acquire_failed", Detail: err.Error(),
			}))
			continue
		}
		if err := d.InsertTicks(ctx, ticks); err != nil {
			log.Printf("feed: persist %d ticks for %s: %v", len(ticks), pair, err)
		}
		f.Pool.Release(d)
	}
}

func (f *Feed) onCandleClosed(c types.Candle) {
	f.Bus.Publish(events.New(events.EventCandleCompleted, c))

	d, err := f.Pool.Acquire(c.Pair)
	if err != nil {
		log.Printf("feed: acquire %s for candle: %v", c.Pair, err)
		return
	}
	defer f.Pool.Release(d)
	if err := d.UpsertCandle(context.Background(), c); err != nil {
		log.Printf("feed: persist candle %s %s: %v", c.Pair, c.Timeframe, err)
	}
}
