package analytics

import (
	"sort"
	"time"

	"confluence-core/pkg/types"
)

// largeTradeMultiple flags trades at or above this multiple of the window's
// median volume.
const largeTradeMultiple = 3.0

// ComputeOrderFlow derives CVD, imbalance and large-trade count from a tick
// window. The imbalance ratio is undefined when either side traded nothing.
func ComputeOrderFlow(ticks []types.Tick, now time.Time) (types.OrderFlow, int) {
	var buyVol, sellVol float64
	volumes := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		volumes = append(volumes, t.Volume)
		if t.Side == types.SideSell {
			sellVol += t.Volume
		} else {
			buyVol += t.Volume
		}
	}

	of := types.OrderFlow{
		Timestamp:  now,
		CVD:        buyVol - sellVol,
		BuyVolume:  buyVol,
		SellVolume: sellVol,
		NetVolume:  buyVol - sellVol,
	}
	if buyVol > 0 && sellVol > 0 {
		of.Imbalance = buyVol / sellVol
		of.ImbalanceOK = true
	}

	return of, countLargeTrades(volumes)
}

// countLargeTrades counts trades at or above largeTradeMultiple times the
// median volume.
func countLargeTrades(volumes []float64) int {
	if len(volumes) < 3 {
		return 0
	}
	sorted := make([]float64, len(volumes))
	copy(sorted, volumes)
	sort.Float64s(sorted)

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	if median <= 0 {
		return 0
	}

	count := 0
	for _, v := range volumes {
		if v >= largeTradeMultiple*median {
			count++
		}
	}
	return count
}
