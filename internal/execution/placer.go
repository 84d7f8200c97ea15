package execution

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// RetryPolicy shapes placement retries: exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	JitterFrac float64 // +/- fraction of the computed delay
}

// DefaultRetryPolicy matches the engine defaults: 3 retries, 1s base,
// doubling, 30s cap, 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Factor:     2,
		MaxDelay:   30 * time.Second,
		JitterFrac: 0.25,
	}
}

// Delay computes the backoff before retry attempt n (1-based), honoring a
// venue-provided hint when present.
func (p RetryPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	jitter := 1 + (rand.Float64()*2-1)*p.JitterFrac
	return time.Duration(d * jitter)
}

// Placer is the third pipeline stage: submit the order to the venue with
// bounded, classified retries.
type Placer struct {
	Gateway common.Gateway
	Policy  RetryPolicy
	Orders  *OrderManager
}

// Name identifies the stage.
func (p *Placer) Name() string { return "placer" }

// Handle submits the order. Transient and rate-limit errors retry with
// backoff; permanent venue errors fail immediately.
func (p *Placer) Handle(ctx context.Context, pc *PipelineContext) error {
	o := &pc.Order

	req := common.OrderRequest{
		ClientID:   o.ClientID,
		Pair:       o.Pair,
		Side:       o.Side,
		Type:       common.OrderType(o.Type),
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		ReduceOnly: o.PositionID != "",
	}

	if _, err := p.Orders.Transition(o.ClientID, types.OrderSubmitted, nil); err != nil {
		return stageErr(p.Name(), ReasonValidation, err)
	}
	o.State = types.OrderSubmitted

	var lastErr error
	for attempt := 0; attempt <= p.Policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Policy.Delay(attempt, common.RetryAfter(lastErr))
			log.Printf("execution: retry %d/%d for %s in %v", attempt, p.Policy.MaxRetries, o.ClientID, delay)
			select {
			case <-ctx.Done():
				return stageErr(p.Name(), ReasonTimeout, ctx.Err())
			case <-time.After(delay):
			}
		}

		vo, err := p.Gateway.PlaceOrder(ctx, req)
		if err == nil {
			updated, terr := p.Orders.Transition(o.ClientID, types.OrderActive, func(t *types.Order) {
				t.VenueID = vo.VenueID
				t.RetryCount = attempt
			})
			if terr != nil {
				return stageErr(p.Name(), ReasonValidation, terr)
			}
			*o = updated
			return nil
		}

		lastErr = err
		if !common.Retriable(err) {
			break
		}
	}

	kind := common.Classify(lastErr)
	reason := ReasonVenue
	if kind == common.KindTransient || kind == common.KindRateLimit {
		reason = ReasonTimeout
	}
	return stageErr(p.Name(), reason, fmt.Errorf("place failed (%s): %w", kind, lastErr))
}
