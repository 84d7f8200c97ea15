package decision

import (
	"fmt"

	"confluence-core/internal/analytics"
	"confluence-core/pkg/types"
)

// Primary gate thresholds.
const (
	orderFlowDominance = 2.5
	microWickBody      = 2.0
)

// orderFlowPrimary requires one side to dominate the window by at least
// 2.5x. An undefined ratio (either side at zero) fails; it is never read as
// infinite dominance.
func orderFlowPrimary(snap *analytics.Snapshot) PrimaryResult {
	res := PrimaryResult{Name: "order_flow"}
	of := snap.OrderFlow

	if !of.ImbalanceOK {
		res.Reason = "imbalance undefined: one side traded zero volume"
		return res
	}

	buySell := of.Imbalance
	sellBuy := 1 / buySell
	switch {
	case buySell >= orderFlowDominance:
		res.Passed = true
		res.Direction = types.Long
		res.Reason = fmt.Sprintf("buy dominance %.2f", buySell)
	case sellBuy >= orderFlowDominance:
		res.Passed = true
		res.Direction = types.Short
		res.Reason = fmt.Sprintf("sell dominance %.2f", sellBuy)
	default:
		res.Reason = fmt.Sprintf("dominance %.2f below %.1f", max(buySell, sellBuy), orderFlowDominance)
	}
	return res
}

// microstructurePrimary requires a rejection candle: wick at least twice the
// body with the close in the outer fifth of the range.
func microstructurePrimary(snap *analytics.Snapshot) PrimaryResult {
	res := PrimaryResult{Name: "microstructure"}
	rej := snap.Rejection

	switch {
	case rej.Bullish && rej.WickBodyRatio >= microWickBody:
		res.Passed = true
		res.Direction = types.Long
		res.Reason = fmt.Sprintf("bullish rejection, wick/body %.2f", rej.WickBodyRatio)
	case rej.Bearish && rej.WickBodyRatio >= microWickBody:
		res.Passed = true
		res.Direction = types.Short
		res.Reason = fmt.Sprintf("bearish rejection, wick/body %.2f", rej.WickBodyRatio)
	case rej.Bullish || rej.Bearish:
		res.Reason = fmt.Sprintf("rejection wick/body %.2f below %.1f", rej.WickBodyRatio, microWickBody)
	default:
		res.Reason = "no rejection pattern on latest candle"
	}
	return res
}
