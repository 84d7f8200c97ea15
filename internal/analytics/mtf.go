package analytics

import "confluence-core/pkg/types"

// EMA periods for trend direction per timeframe.
const (
	emaShortPeriod = 7
	emaLongPeriod  = 25
	// Short and long EMA closer than this fraction reads as flat.
	trendFlatBand = 0.0005
)

// ComputeMTFTrend derives the per-timeframe EMA trend and whether all
// timeframes agree.
func ComputeMTFTrend(closes map[types.Timeframe][]float64) MTFTrend {
	trend := MTFTrend{ByTF: make(map[types.Timeframe]TrendDirection, 3)}

	for _, tf := range types.Timeframes() {
		trend.ByTF[tf] = trendFor(closes[tf])
	}

	first := trend.ByTF[types.TF1m]
	trend.Agreement = first != TrendFlat &&
		trend.ByTF[types.TF5m] == first &&
		trend.ByTF[types.TF15m] == first
	return trend
}

func trendFor(closes []float64) TrendDirection {
	if len(closes) < emaLongPeriod {
		return TrendFlat
	}
	short := EMA(closes, emaShortPeriod)
	long := EMA(closes, emaLongPeriod)
	if long == 0 {
		return TrendFlat
	}
	switch diff := (short - long) / long; {
	case diff > trendFlatBand:
		return TrendUp
	case diff < -trendFlatBand:
		return TrendDown
	}
	return TrendFlat
}
