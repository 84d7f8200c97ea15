package analytics

import "confluence-core/pkg/types"

// Rejection thresholds: wick at least twice the body, close inside the outer
// fifth of the range.
const (
	rejectionWickBody   = 2.0
	rejectionCloseBound = 0.20
)

// ComputeRejection reads the latest candle for pin-bar style rejection.
// The ratio reported is the rejecting wick over the body; a zero body with a
// real wick counts as rejecting.
func ComputeRejection(c types.Candle) Rejection {
	r := Rejection{}
	rng := c.Range()
	if rng <= 0 {
		return r
	}

	body := c.Body()
	upper := c.UpperWick()
	lower := c.LowerWick()
	closePos := (c.Close - c.Low) / rng // 0 at low, 1 at high

	wickDominates := func(wick float64) bool {
		if body > 0 {
			return wick >= rejectionWickBody*body
		}
		return wick > 0
	}
	ratio := func(wick float64) float64 {
		if body > 0 {
			return wick / body
		}
		if wick > 0 {
			return rejectionWickBody * 10 // doji: wick dwarfs the body
		}
		return 0
	}

	if wickDominates(lower) && closePos >= 1-rejectionCloseBound {
		r.Bullish = true
		r.WickBodyRatio = ratio(lower)
	}
	if wickDominates(upper) && closePos <= rejectionCloseBound {
		r.Bearish = true
		r.WickBodyRatio = ratio(upper)
	}
	if !r.Bullish && !r.Bearish {
		dominant := lower
		if upper > lower {
			dominant = upper
		}
		r.WickBodyRatio = ratio(dominant)
	}
	return r
}
