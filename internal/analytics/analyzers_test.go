package analytics

import (
	"math"
	"testing"
	"time"

	"confluence-core/pkg/types"
)

func tick(price, volume float64, side types.Side, at time.Time) types.Tick {
	return types.Tick{Price: price, Volume: volume, Side: side, Timestamp: at}
}

func TestOrderFlowCVDAndImbalance(t *testing.T) {
	now := time.Now()
	ticks := []types.Tick{
		tick(100, 35, types.SideBuy, now),
		tick(100, 10, types.SideSell, now),
	}
	of, _ := ComputeOrderFlow(ticks, now)
	if of.CVD != 25 {
		t.Fatalf("cvd=%v, expected 25", of.CVD)
	}
	if !of.ImbalanceOK || math.Abs(of.Imbalance-3.5) > 1e-9 {
		t.Fatalf("imbalance=%v ok=%v, expected 3.5", of.Imbalance, of.ImbalanceOK)
	}
	if of.NetVolume != 25 {
		t.Fatalf("net=%v, expected 25", of.NetVolume)
	}
}

func TestOrderFlowZeroSideUndefined(t *testing.T) {
	now := time.Now()
	ticks := []types.Tick{
		tick(100, 35, types.SideBuy, now),
		tick(100, 20, types.SideBuy, now),
	}
	of, _ := ComputeOrderFlow(ticks, now)
	if of.ImbalanceOK {
		t.Fatalf("imbalance must be undefined with zero sell volume, got %v", of.Imbalance)
	}
}

func TestOrderFlowLargeTrades(t *testing.T) {
	now := time.Now()
	ticks := []types.Tick{
		tick(100, 1, types.SideBuy, now),
		tick(100, 1, types.SideBuy, now),
		tick(100, 1, types.SideSell, now),
		tick(100, 1, types.SideSell, now),
		tick(100, 5, types.SideBuy, now), // 5x the median of 1
	}
	_, large := ComputeOrderFlow(ticks, now)
	if large != 1 {
		t.Fatalf("large trades=%d, expected 1", large)
	}
}

func TestProfilePOCAndValueArea(t *testing.T) {
	now := time.Now()
	// Volume concentrated at 100 with shoulders at 99 and 101.
	var ticks []types.Tick
	add := func(price, vol float64) {
		ticks = append(ticks, tick(price, vol, types.SideBuy, now))
	}
	add(99, 20)
	add(100, 50)
	add(101, 20)
	add(102, 5)
	add(98, 5)

	p, ok := ComputeProfile(ticks, 1.0, now)
	if !ok {
		t.Fatalf("profile not computed")
	}
	if p.POC != 100 {
		t.Fatalf("poc=%v, expected 100", p.POC)
	}
	// 70% of 100 volume = 70: POC (50) + one shoulder (20). Equal shoulders
	// take the upward bucket first.
	if p.VAL != 100 {
		t.Fatalf("val=%v, expected 100 (upward tie bias)", p.VAL)
	}
	if p.VAH != 102 {
		t.Fatalf("vah=%v, expected 102", p.VAH)
	}
}

func TestRejectionSpecExample(t *testing.T) {
	// o=100 h=102 l=97 c=101.6: body 1.6, lower wick 3, ratio 1.875 -> no
	// bullish rejection at the 2.0 floor.
	c := types.Candle{Open: 100, High: 102, Low: 97, Close: 101.6}
	r := ComputeRejection(c)
	if r.Bullish {
		t.Fatalf("ratio %.3f should fail the 2.0 floor", r.WickBodyRatio)
	}

	// Dropping the low to 96 lifts the wick to 4 (ratio 2.5) with the close
	// still in the upper fifth of the range.
	c.Low = 96
	r = ComputeRejection(c)
	if !r.Bullish {
		t.Fatalf("expected bullish rejection, ratio %.3f", r.WickBodyRatio)
	}
	if math.Abs(r.WickBodyRatio-2.5) > 1e-9 {
		t.Fatalf("ratio=%v, expected 2.5", r.WickBodyRatio)
	}
	if r.Bearish {
		t.Fatalf("candle cannot reject both ways")
	}
}

func TestZoneLifecycle(t *testing.T) {
	start := time.Now().Truncate(time.Minute)
	at := func(i int) time.Time { return start.Add(time.Duration(i) * time.Minute) }

	// Base candle (narrow, small body) then a bullish thrust.
	base := types.Candle{OpenTime: at(0), Open: 100, High: 100.5, Low: 99.9, Close: 100.1, Timeframe: types.TF1m}
	thrust := types.Candle{OpenTime: at(1), Open: 100.1, High: 102, Low: 100, Close: 101.9, Timeframe: types.TF1m}

	tr := NewZoneTracker(nil)
	zones := tr.Update([]types.Candle{base, thrust})
	if len(zones) != 1 {
		t.Fatalf("got %d zones, expected 1", len(zones))
	}
	z := zones[0]
	if z.Type != types.ZoneDemand || z.State != types.ZoneFresh {
		t.Fatalf("zone %s/%s, expected DEMAND/FRESH", z.Type, z.State)
	}
	if z.PriceLow != 99.9 || z.PriceHigh != 100.5 {
		t.Fatalf("zone bounds %.2f-%.2f, expected 99.90-100.50", z.PriceLow, z.PriceHigh)
	}

	// A touch without close-through tests the zone.
	touch := types.Candle{OpenTime: at(2), Open: 101, High: 101.2, Low: 100.3, Close: 100.9, Timeframe: types.TF1m}
	zones = tr.Update([]types.Candle{touch})
	if len(zones) != 1 || zones[0].State != types.ZoneTested || zones[0].TestCount != 1 {
		t.Fatalf("after touch: %+v", zones)
	}

	// A close below the zone breaks it.
	breakdown := types.Candle{OpenTime: at(3), Open: 100.4, High: 100.6, Low: 99, Close: 99.2, Timeframe: types.TF1m}
	zones = tr.Update([]types.Candle{breakdown})
	if len(zones) != 0 {
		t.Fatalf("broken zone still active: %+v", zones)
	}
}

func TestFVGDetectionAndFill(t *testing.T) {
	start := time.Now().Truncate(time.Minute)
	at := func(i int) time.Time { return start.Add(time.Duration(i) * time.Minute) }

	// candle1.high (101) < candle3.low (103): bullish gap 101-103.
	c1 := types.Candle{OpenTime: at(0), Open: 100, High: 101, Low: 99.5, Close: 100.8}
	c2 := types.Candle{OpenTime: at(1), Open: 100.8, High: 103.5, Low: 100.8, Close: 103.2}
	c3 := types.Candle{OpenTime: at(2), Open: 103.2, High: 104, Low: 103, Close: 103.8}

	tr := NewFVGTracker(nil)
	gaps := tr.Update([]types.Candle{c1, c2, c3})
	if len(gaps) != 1 {
		t.Fatalf("got %d gaps, expected 1", len(gaps))
	}
	g := gaps[0]
	if g.Direction != types.FVGBullish || g.GapLow != 101 || g.GapHigh != 103 {
		t.Fatalf("gap %+v", g)
	}
	if g.Filled != types.FVGUnfilled {
		t.Fatalf("new gap should be unfilled, got %s", g.Filled)
	}

	// Excursion halfway into the gap.
	half := types.Candle{OpenTime: at(3), Open: 103.5, High: 103.6, Low: 102, Close: 103}
	gaps = tr.Update([]types.Candle{half})
	if len(gaps) != 1 || gaps[0].Filled != types.FVGPartial {
		t.Fatalf("after half fill: %+v", gaps)
	}
	if math.Abs(gaps[0].FillPct-50) > 1e-9 {
		t.Fatalf("fill=%v, expected 50", gaps[0].FillPct)
	}

	// Excursion to exactly the gap low: 100% filled, FILLED not PARTIAL.
	full := types.Candle{OpenTime: at(4), Open: 102.5, High: 103.2, Low: 101, Close: 101.5}
	gaps = tr.Update([]types.Candle{full})
	if len(gaps) != 0 {
		t.Fatalf("gap at exactly 100%% fill must be FILLED: %+v", gaps)
	}
}

func TestZScoreAndAutocorr(t *testing.T) {
	mean, stddev := MeanStddev([]float64{1, 2, 3, 4, 5})
	if mean != 3 {
		t.Fatalf("mean=%v, expected 3", mean)
	}
	if math.Abs(stddev-math.Sqrt(2)) > 1e-9 {
		t.Fatalf("stddev=%v, expected sqrt(2)", stddev)
	}

	if _, ok := ZScore(10, 3, 0); ok {
		t.Fatalf("z-score must be undefined with zero stddev")
	}
	z, ok := ZScore(5, 3, math.Sqrt(2))
	if !ok || math.Abs(z-math.Sqrt(2)) > 1e-9 {
		t.Fatalf("z=%v ok=%v", z, ok)
	}

	// A strictly alternating series has strongly negative lag-1
	// autocorrelation; a monotone one is positive.
	alternating := []float64{100, 101, 100, 101, 100, 101, 100, 101, 100, 101}
	r, ok := AutocorrLag1(alternating)
	if !ok || r >= 0 {
		t.Fatalf("alternating series r=%v ok=%v, expected negative", r, ok)
	}
	if r < -1 || r > 1 {
		t.Fatalf("r=%v out of [-1,1]", r)
	}
}

func TestMTFTrendAgreement(t *testing.T) {
	up := make([]float64, 60)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	closes := map[types.Timeframe][]float64{
		types.TF1m:  up,
		types.TF5m:  up,
		types.TF15m: up,
	}
	trend := ComputeMTFTrend(closes)
	if trend.ByTF[types.TF1m] != TrendUp {
		t.Fatalf("1m trend=%s, expected UP", trend.ByTF[types.TF1m])
	}
	if !trend.Agreement {
		t.Fatalf("identical rising series must agree")
	}

	down := make([]float64, 60)
	for i := range down {
		down[i] = 200 - float64(i)
	}
	closes[types.TF15m] = down
	trend = ComputeMTFTrend(closes)
	if trend.Agreement {
		t.Fatalf("mixed trends must not agree")
	}
}
