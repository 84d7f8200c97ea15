package analytics

import (
	"math"
	"sort"
	"time"

	"confluence-core/pkg/types"
)

// valueAreaFraction is the share of window volume the value area encloses.
const valueAreaFraction = 0.70

// ComputeProfile buckets tick volume by price and derives POC/VAH/VAL. The
// value area expands from the POC toward the neighboring bucket with more
// volume, preferring upward on ties, until it encloses 70% of the window.
func ComputeProfile(ticks []types.Tick, tickSize float64, now time.Time) (types.MarketProfile, bool) {
	if len(ticks) == 0 || tickSize <= 0 {
		return types.MarketProfile{}, false
	}

	hist := make(map[float64]float64)
	var total float64
	for _, t := range ticks {
		bucket := math.Floor(t.Price/tickSize) * tickSize
		hist[bucket] += t.Volume
		total += t.Volume
	}
	if total <= 0 {
		return types.MarketProfile{}, false
	}

	buckets := make([]float64, 0, len(hist))
	for b := range hist {
		buckets = append(buckets, b)
	}
	sort.Float64s(buckets)

	// POC: bucket with the highest volume; highest price wins a tie, which
	// keeps the upward bias consistent with value area expansion.
	pocIdx := 0
	for i, b := range buckets {
		if hist[b] >= hist[buckets[pocIdx]] {
			pocIdx = i
		}
	}

	lo, hi := pocIdx, pocIdx
	enclosed := hist[buckets[pocIdx]]
	for enclosed < total*valueAreaFraction {
		var upVol, downVol float64
		canUp, canDown := hi+1 < len(buckets), lo-1 >= 0
		if canUp {
			upVol = hist[buckets[hi+1]]
		}
		if canDown {
			downVol = hist[buckets[lo-1]]
		}
		switch {
		case !canUp && !canDown:
			enclosed = total // nothing left to add
		case canUp && (!canDown || upVol >= downVol):
			hi++
			enclosed += upVol
		default:
			lo--
			enclosed += downVol
		}
	}

	return types.MarketProfile{
		Timestamp: now,
		POC:       buckets[pocIdx],
		VAH:       buckets[hi] + tickSize,
		VAL:       buckets[lo],
		Histogram: hist,
	}, true
}
