package analytics

import (
	"sync"

	"github.com/google/uuid"

	"confluence-core/pkg/types"
)

// FVGTracker maintains fair value gaps for one symbol: detecting the
// three-candle imbalance and tracking fill by maximum excursion into the
// gap. A gap reaching exactly 100% fill is FILLED, not PARTIAL.
type FVGTracker struct {
	mu        sync.Mutex
	gaps      []types.FairValueGap
	buffer    []types.Candle
	processed map[int64]bool
	dirty     []types.FairValueGap
}

// NewFVGTracker seeds a tracker from persisted open gaps.
func NewFVGTracker(seed []types.FairValueGap) *FVGTracker {
	t := &FVGTracker{processed: make(map[int64]bool)}
	for _, g := range seed {
		if g.Filled != types.FVGFilled {
			t.gaps = append(t.gaps, g)
		}
	}
	return t
}

// Update folds new completed candles in chronological order and returns the
// open gaps, newest first.
func (t *FVGTracker) Update(candles []types.Candle) []types.FairValueGap {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range candles {
		key := c.OpenTime.UnixMilli()
		if t.processed[key] {
			continue
		}
		t.processed[key] = true

		t.advanceFills(c)
		t.buffer = append(t.buffer, c)
		if len(t.buffer) > 5 {
			t.buffer = t.buffer[1:]
		}
		t.detect()
	}

	return t.openLocked()
}

// advanceFills updates fill percentage from one candle's excursion.
func (t *FVGTracker) advanceFills(c types.Candle) {
	for i := range t.gaps {
		g := &t.gaps[i]
		if g.Filled == types.FVGFilled || !c.OpenTime.After(g.CreatedAt) {
			continue
		}
		height := g.GapHigh - g.GapLow
		if height <= 0 {
			continue
		}

		var fill float64
		switch g.Direction {
		case types.FVGBullish:
			// Price falls back into the gap from above.
			if c.Low < g.GapHigh {
				fill = (g.GapHigh - c.Low) / height * 100
			}
		case types.FVGBearish:
			// Price rises back into the gap from below.
			if c.High > g.GapLow {
				fill = (c.High - g.GapLow) / height * 100
			}
		}
		if fill > 100 {
			fill = 100
		}
		if fill > g.FillPct {
			g.FillPct = fill
			switch {
			case g.FillPct >= 100:
				g.Filled = types.FVGFilled
			case g.FillPct > 0:
				g.Filled = types.FVGPartial
			}
			t.dirty = append(t.dirty, *g)
		}
	}
}

// detect applies the three-candle rule to the buffer tail.
func (t *FVGTracker) detect() {
	n := len(t.buffer)
	if n < 3 {
		return
	}
	c1, c3 := t.buffer[n-3], t.buffer[n-1]

	var g types.FairValueGap
	switch {
	case c1.High < c3.Low:
		g = types.FairValueGap{
			Direction: types.FVGBullish,
			GapLow:    c1.High,
			GapHigh:   c3.Low,
		}
	case c1.Low > c3.High:
		g = types.FairValueGap{
			Direction: types.FVGBearish,
			GapLow:    c3.High,
			GapHigh:   c1.Low,
		}
	default:
		return
	}

	// One gap per middle candle.
	mid := t.buffer[n-2].OpenTime
	for _, existing := range t.gaps {
		if existing.CreatedAt.Equal(mid) && existing.Direction == g.Direction {
			return
		}
	}

	g.ID = uuid.NewString()
	g.Filled = types.FVGUnfilled
	g.CreatedAt = mid
	t.gaps = append(t.gaps, g)
	t.dirty = append(t.dirty, g)
}

func (t *FVGTracker) openLocked() []types.FairValueGap {
	out := make([]types.FairValueGap, 0, len(t.gaps))
	for _, g := range t.gaps {
		if g.Filled != types.FVGFilled {
			out = append(out, g)
		}
	}
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Open returns gaps not yet fully filled, newest first.
func (t *FVGTracker) Open() []types.FairValueGap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openLocked()
}

// Drain returns gaps changed since the last call, for persistence.
func (t *FVGTracker) Drain() []types.FairValueGap {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.dirty
	t.dirty = nil
	return out
}
