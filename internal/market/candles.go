package market

import (
	"sync"
	"time"

	"confluence-core/pkg/types"
)

// CandleBuilder aggregates ticks into 1m/5m/15m candles. A candle completes
// when a tick arrives past its bucket; the completed bar is handed to the
// callback.
type CandleBuilder struct {
	mu      sync.Mutex
	open    map[string]map[types.Timeframe]*types.Candle // symbol -> tf -> building bar
	onClose func(types.Candle)
}

// NewCandleBuilder creates a builder that calls onClose for every completed
// candle.
func NewCandleBuilder(onClose func(types.Candle)) *CandleBuilder {
	return &CandleBuilder{
		open:    make(map[string]map[types.Timeframe]*types.Candle),
		onClose: onClose,
	}
}

// Add folds one tick into every timeframe bucket.
func (b *CandleBuilder) Add(t types.Tick) {
	b.mu.Lock()
	var completed []types.Candle

	bySymbol, ok := b.open[t.Pair.Symbol]
	if !ok {
		bySymbol = make(map[types.Timeframe]*types.Candle, 3)
		b.open[t.Pair.Symbol] = bySymbol
	}

	for _, tf := range types.Timeframes() {
		bucket := t.Timestamp.Truncate(tf.Duration())
		cur := bySymbol[tf]
		if cur != nil && !cur.OpenTime.Equal(bucket) {
			completed = append(completed, *cur)
			cur = nil
		}
		if cur == nil {
			cur = &types.Candle{
				Pair:      t.Pair,
				Timeframe: tf,
				OpenTime:  bucket,
				Open:      t.Price,
				High:      t.Price,
				Low:       t.Price,
			}
			bySymbol[tf] = cur
		}

		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Volume
		if t.Side == types.SideSell {
			cur.SellVolume += t.Volume
		} else {
			cur.BuyVolume += t.Volume
		}
	}
	b.mu.Unlock()

	for _, c := range completed {
		b.onClose(c)
	}
}

// FlushBefore completes any bar whose bucket ended before the cutoff. Used
// on shutdown and by quiet symbols with no closing tick.
func (b *CandleBuilder) FlushBefore(cutoff time.Time) {
	b.mu.Lock()
	var completed []types.Candle
	for _, bySymbol := range b.open {
		for tf, cur := range bySymbol {
			if cur != nil && cur.OpenTime.Add(tf.Duration()).Before(cutoff) {
				completed = append(completed, *cur)
				delete(bySymbol, tf)
			}
		}
	}
	b.mu.Unlock()

	for _, c := range completed {
		b.onClose(c)
	}
}
