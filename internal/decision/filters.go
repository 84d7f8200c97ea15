package decision

import (
	"fmt"
	"math"

	"confluence-core/internal/analytics"
	"confluence-core/pkg/types"
)

// Filter weights. The advertised maximum is their sum.
const (
	weightZone     = 2.0
	weightProfile  = 1.5
	weightMeanRev  = 1.5
	weightFVG      = 1.5
	weightAutocorr = 1.0
	weightOpposing = 0.5
)

// MaxPossibleScore is the ceiling of the default filter set.
const MaxPossibleScore = weightZone + weightProfile + weightMeanRev + weightFVG + weightAutocorr + weightOpposing

// profileEdgeTolerance treats price within this fraction of VAH/VAL as "at
// the edge".
const profileEdgeTolerance = 0.001

type filterFunc func(snap *analytics.Snapshot, side types.PositionSide) (float64, string)

var filters = []struct {
	name string
	fn   filterFunc
}{
	{"zone", zoneFilter},
	{"market_profile", profileFilter},
	{"mean_reversion", meanReversionFilter},
	{"fair_value_gap", fvgFilter},
	{"autocorrelation", autocorrFilter},
	{"opposing_zone", opposingZoneFilter},
}

// zoneFilter scores a same-side zone at the entry price: fresh is full
// weight, tested once or twice is half, over-tested or absent is zero.
func zoneFilter(snap *analytics.Snapshot, side types.PositionSide) (float64, string) {
	want := types.ZoneDemand
	if side == types.Short {
		want = types.ZoneSupply
	}
	for _, z := range snap.Zones {
		if z.Type != want || !z.Contains(snap.LastPrice) {
			continue
		}
		switch {
		case z.TestCount == 0:
			return weightZone, fmt.Sprintf("fresh %s zone %.4f-%.4f", z.Type, z.PriceLow, z.PriceHigh)
		case z.TestCount <= 2:
			return 1.0, fmt.Sprintf("tested %s zone (%d touches)", z.Type, z.TestCount)
		}
	}
	return 0, "no usable zone at price"
}

// profileFilter scores value area location: at the relevant edge is full,
// inside the area is partial.
func profileFilter(snap *analytics.Snapshot, side types.PositionSide) (float64, string) {
	p := snap.Profile
	if p.VAH <= p.VAL {
		return 0, "no profile"
	}
	price := snap.LastPrice

	edge := p.VAL
	if side == types.Short {
		edge = p.VAH
	}
	if math.Abs(price-edge) <= price*profileEdgeTolerance {
		return weightProfile, fmt.Sprintf("price at value area edge %.4f", edge)
	}
	if price >= p.VAL && price <= p.VAH {
		return 0.5, "price inside value area"
	}
	return 0, "price outside value area"
}

// meanReversionFilter rewards stretched prices opposing the entry side: a
// LONG wants price well below the mean.
func meanReversionFilter(snap *analytics.Snapshot, side types.PositionSide) (float64, string) {
	if !snap.ZScoreOK {
		return 0, "stddev unavailable"
	}
	z := snap.ZScore
	opposing := (side == types.Long && z <= 0) || (side == types.Short && z >= 0)
	if !opposing {
		return 0, fmt.Sprintf("z=%.2f not opposing entry", z)
	}
	switch {
	case math.Abs(z) >= 2:
		return weightMeanRev, fmt.Sprintf("extreme deviation z=%.2f", z)
	case math.Abs(z) >= 1:
		return 0.75, fmt.Sprintf("moderate deviation z=%.2f", z)
	}
	return 0, fmt.Sprintf("z=%.2f inside one sigma", z)
}

// fvgFilter scores an open gap aligned with the entry direction.
func fvgFilter(snap *analytics.Snapshot, side types.PositionSide) (float64, string) {
	want := types.FVGBullish
	if side == types.Short {
		want = types.FVGBearish
	}
	for _, g := range snap.FVGs {
		if g.Direction != want {
			continue
		}
		switch g.Filled {
		case types.FVGUnfilled:
			return weightFVG, fmt.Sprintf("unfilled %s gap %.4f-%.4f", g.Direction, g.GapLow, g.GapHigh)
		case types.FVGPartial:
			return 0.75, fmt.Sprintf("partially filled %s gap (%.0f%%)", g.Direction, g.FillPct)
		}
	}
	return 0, "no aligned open gap"
}

// autocorrFilter rewards a readable regime: strongly trending or strongly
// mean-reverting. The middle band scores half.
func autocorrFilter(snap *analytics.Snapshot, _ types.PositionSide) (float64, string) {
	if !snap.AutocorrOK {
		return 0, "autocorrelation unavailable"
	}
	r := math.Abs(snap.AutocorrLag1)
	switch {
	case r > 0.6:
		return weightAutocorr, fmt.Sprintf("trending regime r=%.2f", snap.AutocorrLag1)
	case r < 0.3:
		return weightAutocorr, fmt.Sprintf("mean-reverting regime r=%.2f", snap.AutocorrLag1)
	}
	return 0.5, fmt.Sprintf("mixed regime r=%.2f", snap.AutocorrLag1)
}

// opposingZoneFilter scores the presence of an exit target: a zone on the
// far side of the trade.
func opposingZoneFilter(snap *analytics.Snapshot, side types.PositionSide) (float64, string) {
	for _, z := range snap.Zones {
		if side == types.Long && z.Type == types.ZoneSupply && z.PriceLow > snap.LastPrice {
			return weightOpposing, fmt.Sprintf("supply target %.4f above entry", z.PriceLow)
		}
		if side == types.Short && z.Type == types.ZoneDemand && z.PriceHigh < snap.LastPrice {
			return weightOpposing, fmt.Sprintf("demand target %.4f below entry", z.PriceHigh)
		}
	}
	return 0, "no opposing-side target"
}
