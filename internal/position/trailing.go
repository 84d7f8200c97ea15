package position

import (
	"sync"
	"time"

	"confluence-core/pkg/types"
)

// updateTrailing folds one price into the position: water marks, trailing
// stop (monotone in the favorable direction only) and unrealized PnL. It
// reports whether the stop is hit. Callers hold the position lock.
func updateTrailing(p *types.Position, price float64) bool {
	p.LastPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
	if notional := p.EntryPrice * p.Quantity; notional > 0 {
		p.UnrealizedPnLPct = p.UnrealizedPnL / notional * 100
	}

	if p.Side == types.Long {
		if price > p.HighestMark {
			p.HighestMark = price
			if stop := p.HighestMark * (1 - p.TrailingDistancePct); stop > p.TrailingStopPrice {
				p.TrailingStopPrice = stop
			}
		}
		return price <= p.TrailingStopPrice
	}

	if p.LowestMark == 0 || price < p.LowestMark {
		p.LowestMark = price
		stop := p.LowestMark * (1 + p.TrailingDistancePct)
		if p.TrailingStopPrice == 0 || stop < p.TrailingStopPrice {
			p.TrailingStopPrice = stop
		}
	}
	return price >= p.TrailingStopPrice
}

// tighten narrows the trailing distance, never widening it and never moving
// an existing stop adversely. Callers hold the position lock.
func tighten(p *types.Position, distance float64) {
	if distance <= 0 || distance >= p.TrailingDistancePct {
		return
	}
	p.TrailingDistancePct = distance
	if p.Side == types.Long {
		if stop := p.HighestMark * (1 - distance); stop > p.TrailingStopPrice {
			p.TrailingStopPrice = stop
		}
		return
	}
	if p.LowestMark > 0 {
		if stop := p.LowestMark * (1 + distance); p.TrailingStopPrice == 0 || stop < p.TrailingStopPrice {
			p.TrailingStopPrice = stop
		}
	}
}

// leaderTracker keeps a rolling price window per market leader so the
// correlated-dump policy can read the worst move over the window.
type leaderTracker struct {
	mu      sync.Mutex
	window  time.Duration
	symbols map[string]*priceWindow
}

type pricePoint struct {
	price float64
	at    time.Time
}

type priceWindow struct {
	points []pricePoint
}

func newLeaderTracker(symbols []string, window time.Duration) *leaderTracker {
	t := &leaderTracker{window: window, symbols: make(map[string]*priceWindow, len(symbols))}
	for _, s := range symbols {
		t.symbols[s] = &priceWindow{}
	}
	return t
}

// observe records a leader price; non-leader symbols are ignored.
func (t *leaderTracker) observe(symbol string, price float64, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.symbols[symbol]
	if !ok {
		return
	}
	w.points = append(w.points, pricePoint{price: price, at: at})
	cutoff := at.Add(-t.window)
	trim := 0
	for trim < len(w.points) && w.points[trim].at.Before(cutoff) {
		trim++
	}
	w.points = w.points[trim:]
}

// worstDrop returns the leader with the largest drop from its window high to
// its latest price, as a positive fraction.
func (t *leaderTracker) worstDrop() (symbol string, drop float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, w := range t.symbols {
		if len(w.points) < 2 {
			continue
		}
		high := w.points[0].price
		for _, p := range w.points {
			if p.price > high {
				high = p.price
			}
		}
		last := w.points[len(w.points)-1].price
		if high <= 0 {
			continue
		}
		if d := (high - last) / high; d > drop {
			drop = d
			symbol = sym
		}
	}
	return symbol, drop
}
