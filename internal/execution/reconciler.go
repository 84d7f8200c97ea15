package execution

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// slippageExcessPct flags fills more than this far from the signal entry.
const slippageExcessPct = 0.01

// Reconciler is the final pipeline stage: poll the venue until the order
// fills or the window closes. PARTIAL fills keep the poll alive.
type Reconciler struct {
	Gateway      common.Gateway
	Orders       *OrderManager
	Timeout      time.Duration
	PollInterval time.Duration
	HardReject   bool // reject fills with excess slippage instead of flagging
}

// Name identifies the stage.
func (r *Reconciler) Name() string { return "reconciler" }

// Handle polls for fill status and computes slippage against the signal.
func (r *Reconciler) Handle(ctx context.Context, pc *PipelineContext) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	o := &pc.Order
	deadline := time.Now().Add(timeout)
	for {
		vo, err := r.Gateway.GetOrder(ctx, o.Pair.Symbol, o.VenueID)
		if err != nil {
			if !common.Retriable(err) {
				return stageErr(r.Name(), ReasonVenue, err)
			}
			log.Printf("execution: reconcile poll %s: %v", o.ClientID, err)
		} else {
			switch vo.Status {
			case common.StatusFilled:
				updated, terr := r.Orders.Transition(o.ClientID, types.OrderFilled, func(t *types.Order) {
					t.FilledQty = vo.FilledQty
					t.AvgFillPrice = vo.AvgFillPrice
				})
				if terr != nil {
					return stageErr(r.Name(), ReasonValidation, terr)
				}
				*o = updated
				return r.checkSlippage(pc)
			case common.StatusPartial:
				if o.State != types.OrderPartial {
					if updated, terr := r.Orders.Transition(o.ClientID, types.OrderPartial, func(t *types.Order) {
						t.FilledQty = vo.FilledQty
						t.AvgFillPrice = vo.AvgFillPrice
					}); terr == nil {
						*o = updated
					}
				}
			case common.StatusRejected:
				_, _ = r.Orders.Transition(o.ClientID, types.OrderRejected, nil)
				return stageErr(r.Name(), ReasonVenue, fmt.Errorf("venue rejected order"))
			case common.StatusCancelled:
				_, _ = r.Orders.Transition(o.ClientID, types.OrderCancelled, nil)
				return stageErr(r.Name(), ReasonVenue, fmt.Errorf("venue cancelled order"))
			}
		}

		if time.Now().After(deadline) {
			return stageErr(r.Name(), ReasonTimeout,
				fmt.Errorf("no fill within %v (state %s)", timeout, o.State))
		}
		select {
		case <-ctx.Done():
			return stageErr(r.Name(), ReasonTimeout, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (r *Reconciler) checkSlippage(pc *PipelineContext) error {
	o := pc.Order
	pc.FillPrice = o.AvgFillPrice
	if pc.Signal == nil || pc.Signal.EntryPrice <= 0 || o.AvgFillPrice <= 0 {
		return nil
	}

	pc.SlippagePct = math.Abs(o.AvgFillPrice-pc.Signal.EntryPrice) / pc.Signal.EntryPrice
	if pc.SlippagePct > slippageExcessPct {
		pc.SlipExcess = true
		log.Printf("execution: slippage_excess on %s: %.3f%% (fill %.4f vs entry %.4f)",
			o.ClientID, pc.SlippagePct*100, o.AvgFillPrice, pc.Signal.EntryPrice)
		if r.HardReject {
			return stageErr(r.Name(), ReasonRisk,
				fmt.Errorf("slippage %.3f%% above limit", pc.SlippagePct*100))
		}
	}
	return nil
}
