package analytics

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"confluence-core/pkg/types"
)

const (
	maxActiveZones = 50
	// A base candle has a body under half its range; the thrust body must be
	// at least twice the base range.
	baseBodyFraction = 0.5
	thrustMultiple   = 2.0
	overTestedCount  = 3
)

// ZoneTracker maintains supply/demand zones for one symbol across sweeps:
// detecting base-then-thrust patterns on completed candles and advancing
// FRESH -> TESTED -> BROKEN as price trades back into them.
type ZoneTracker struct {
	mu        sync.Mutex
	zones     []types.Zone
	buffer    []types.Candle // recent candles for pattern lookback
	processed map[int64]bool // candle open times already folded in
	dirty     []types.Zone   // changed since last Drain
}

// NewZoneTracker seeds a tracker, typically from zones persisted in the pair
// database.
func NewZoneTracker(seed []types.Zone) *ZoneTracker {
	t := &ZoneTracker{processed: make(map[int64]bool)}
	for _, z := range seed {
		if z.State != types.ZoneBroken {
			t.zones = append(t.zones, z)
		}
	}
	return t
}

// Update folds new completed candles in chronological order and returns the
// active zones, strongest first.
func (t *ZoneTracker) Update(candles []types.Candle) []types.Zone {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range candles {
		key := c.OpenTime.UnixMilli()
		if t.processed[key] {
			continue
		}
		t.processed[key] = true

		t.advanceStates(c)
		t.buffer = append(t.buffer, c)
		if len(t.buffer) > 10 {
			t.buffer = t.buffer[1:]
		}
		t.detect()
	}

	t.trim()
	return t.activeLocked()
}

// advanceStates applies one candle to every zone older than it.
func (t *ZoneTracker) advanceStates(c types.Candle) {
	for i := range t.zones {
		z := &t.zones[i]
		if z.State == types.ZoneBroken || !c.OpenTime.After(z.CreatedAt) {
			continue
		}

		closedThrough := (z.Type == types.ZoneDemand && c.Close < z.PriceLow) ||
			(z.Type == types.ZoneSupply && c.Close > z.PriceHigh)
		if closedThrough {
			z.State = types.ZoneBroken
			t.dirty = append(t.dirty, *z)
			continue
		}

		touched := c.Low <= z.PriceHigh && c.High >= z.PriceLow
		if touched {
			z.TestCount++
			if z.TestCount >= overTestedCount {
				z.State = types.ZoneBroken
			} else {
				z.State = types.ZoneTested
			}
			t.dirty = append(t.dirty, *z)
		}
	}
}

// detect looks at the last two buffered candles for base-then-thrust.
func (t *ZoneTracker) detect() {
	n := len(t.buffer)
	if n < 2 {
		return
	}
	base, thrust := t.buffer[n-2], t.buffer[n-1]

	baseRange := base.Range()
	if baseRange <= 0 || base.Body() > baseRange*baseBodyFraction {
		return
	}
	if thrust.Body() < thrustMultiple*baseRange {
		return
	}

	var ztype types.ZoneType
	if thrust.Close > thrust.Open {
		ztype = types.ZoneDemand
	} else {
		ztype = types.ZoneSupply
	}

	// One zone per base candle.
	for _, z := range t.zones {
		if z.CreatedAt.Equal(base.OpenTime) && z.Type == ztype {
			return
		}
	}

	z := types.Zone{
		ID:        uuid.NewString(),
		Type:      ztype,
		PriceLow:  base.Low,
		PriceHigh: base.High,
		Strength:  thrust.Body() / baseRange,
		State:     types.ZoneFresh,
		CreatedAt: base.OpenTime,
	}
	t.zones = append(t.zones, z)
	t.dirty = append(t.dirty, z)
}

// trim drops broken zones beyond bookkeeping and caps active zones to the
// newest maxActiveZones.
func (t *ZoneTracker) trim() {
	active := t.zones[:0]
	for _, z := range t.zones {
		if z.State != types.ZoneBroken {
			active = append(active, z)
		}
	}
	t.zones = active

	if len(t.zones) > maxActiveZones {
		sort.Slice(t.zones, func(i, j int) bool {
			return t.zones[i].CreatedAt.After(t.zones[j].CreatedAt)
		})
		t.zones = t.zones[:maxActiveZones]
	}
}

// Active returns the live zones, strongest first.
func (t *ZoneTracker) Active() []types.Zone {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *ZoneTracker) activeLocked() []types.Zone {
	out := make([]types.Zone, len(t.zones))
	copy(out, t.zones)
	sort.Slice(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return out
}

// Drain returns zones changed since the last call, for persistence.
func (t *ZoneTracker) Drain() []types.Zone {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.dirty
	t.dirty = nil
	return out
}
