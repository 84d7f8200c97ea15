package execution

import (
	"context"
	"fmt"
	"math"

	"confluence-core/internal/balance"
	"confluence-core/pkg/types"
)

// defaultStopPct is the adverse stop imposed when a signal carries none.
const defaultStopPct = 0.02

// RiskSizer is the second pipeline stage: position count, equity-based
// sizing and reward/risk checks. Balance and open position count come from
// read-only provider contracts.
type RiskSizer struct {
	Balance       balance.Provider
	OpenPositions func() int

	MaxConcurrent int
	SizePct       float64 // default position size, percent of equity
	MaxSizePct    float64 // hard cap, percent of equity
	MinRewardRisk float64
}

// Name identifies the stage.
func (r *RiskSizer) Name() string { return "risk-sizer" }

// Handle sizes the order or rejects the signal.
func (r *RiskSizer) Handle(_ context.Context, pc *PipelineContext) error {
	sig := pc.Signal

	open := 0
	if r.OpenPositions != nil {
		open = r.OpenPositions()
	}
	pc.OpenPositions = open
	if open >= r.MaxConcurrent {
		return stageErr(r.Name(), ReasonRisk,
			fmt.Errorf("%d positions open, limit %d", open, r.MaxConcurrent))
	}

	equity := r.Balance.Balance()
	pc.Balance = equity
	if equity <= 0 {
		return stageErr(r.Name(), ReasonRisk, fmt.Errorf("no equity available"))
	}

	// Impose the default stop when the signal has none.
	stop := sig.SuggestedStop
	if stop == 0 {
		if sig.Side == types.Long {
			stop = sig.EntryPrice * (1 - defaultStopPct)
		} else {
			stop = sig.EntryPrice * (1 + defaultStopPct)
		}
	}

	if sig.SuggestedTarget != 0 {
		risk := math.Abs(sig.EntryPrice - stop)
		reward := math.Abs(sig.SuggestedTarget - sig.EntryPrice)
		if risk <= 0 {
			return stageErr(r.Name(), ReasonRisk, fmt.Errorf("zero risk distance"))
		}
		if rr := reward / risk; rr < r.MinRewardRisk {
			return stageErr(r.Name(), ReasonRisk,
				fmt.Errorf("reward/risk %.2f below %.2f", rr, r.MinRewardRisk))
		}
	}

	sizePct := r.SizePct
	if sizePct > r.MaxSizePct {
		sizePct = r.MaxSizePct
	}
	notional := equity * sizePct / 100
	qty := notional / sig.EntryPrice
	if qty <= 0 {
		return stageErr(r.Name(), ReasonRisk, fmt.Errorf("computed quantity is zero"))
	}

	side := types.SideBuy
	if sig.Side == types.Short {
		side = types.SideSell
	}
	pc.Order.Pair = sig.Pair
	pc.Order.Side = side
	pc.Order.Type = "MARKET"
	pc.Order.Quantity = qty
	pc.Order.StopPrice = stop
	return nil
}
