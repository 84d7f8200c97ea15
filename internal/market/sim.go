package market

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"confluence-core/pkg/types"
)

// SimStream generates synthetic ticks for local development and tests: a
// random walk with side-skewed volume so order flow analytics have texture.
type SimStream struct {
	Venue      string
	Market     types.MarketType
	StartPrice float64
	Step       float64
	Interval   time.Duration
	Seed       int64
}

// Subscribe starts the synthetic walk for each symbol.
func (m *SimStream) Subscribe(ctx context.Context, symbols []string) (<-chan types.Tick, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("sim stream: no symbols")
	}
	start := m.StartPrice
	if start == 0 {
		start = 100.0
	}
	step := m.Step
	if step == 0 {
		step = 0.05
	}
	interval := m.Interval
	if interval == 0 {
		interval = 200 * time.Millisecond
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	out := make(chan types.Tick, 1024)

	go func() {
		defer close(out)
		rng := rand.New(rand.NewSource(seed))
		prices := make(map[string]float64, len(symbols))
		for _, s := range symbols {
			prices[s] = start * (1 + rng.Float64()*0.1)
		}

		t := time.NewTicker(interval)
		defer t.Stop()
		var seq int64
		for {
			select {
			case <-streamCtx.Done():
				return
			case now := <-t.C:
				for _, sym := range symbols {
					price := prices[sym] * (1 + (rng.Float64()*2-1)*step/100)
					prices[sym] = price

					side := types.SideBuy
					if rng.Float64() < 0.5 {
						side = types.SideSell
					}
					seq++
					tick := types.Tick{
						Pair:      types.Pair{Venue: m.Venue, Market: m.Market, Symbol: sym},
						Timestamp: now,
						Price:     price,
						Volume:    0.1 + rng.Float64()*2,
						Side:      side,
						TradeID:   fmt.Sprintf("sim-%d", seq),
					}
					select {
					case out <- tick:
					case <-streamCtx.Done():
						return
					}
				}
			}
		}
	}()

	return out, cancel, nil
}
