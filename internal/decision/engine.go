package decision

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"confluence-core/internal/analytics"
	"confluence-core/internal/events"
	"confluence-core/pkg/types"
)

// Engine turns analytics snapshots into at most one trade signal each: a
// hard primary gate (order flow dominance and a rejection candle agreeing on
// direction) followed by weighted secondary filters. A setup that fails the
// gate is rejected before any filter is scored.
type Engine struct {
	Bus           *events.Bus
	MinConfluence float64

	unsub func()
}

// Name identifies the component.
func (e *Engine) Name() string { return "decision" }

// Start installs the snapshot subscription.
func (e *Engine) Start(ctx context.Context) error {
	if e.MinConfluence <= 0 {
		e.MinConfluence = 3.0
	}
	e.unsub = e.Bus.Subscribe(events.EventAnalyticsUpdated, "decision", func(_ context.Context, ev events.Event) error {
		snap, ok := ev.Payload.(*analytics.Snapshot)
		if !ok {
			return nil
		}
		if sig := e.Evaluate(snap); sig != nil {
			e.Bus.Publish(events.New(events.EventSignalGenerated, sig))
		}
		return nil
	})
	return nil
}

// Stop removes the subscription.
func (e *Engine) Stop(ctx context.Context) error {
	if e.unsub != nil {
		e.unsub()
	}
	return nil
}

// Evaluate runs the two-stage model. It never panics outward; an analyzer
// problem reads as a failed primary with the reason recorded.
func (e *Engine) Evaluate(snap *analytics.Snapshot) (sig *Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("decision: evaluate %s panicked: %v", snap.Pair, r)
			sig = nil
		}
	}()

	// Stage 1: every primary must pass and agree on direction. Early exit
	// without scoring any filter.
	flow := orderFlowPrimary(snap)
	if !flow.Passed {
		return nil
	}
	micro := microstructurePrimary(snap)
	if !micro.Passed {
		return nil
	}
	if flow.Direction != micro.Direction {
		log.Printf("decision: %s primaries disagree (%s vs %s), rejecting",
			snap.Pair.Symbol, flow.Direction, micro.Direction)
		return nil
	}
	side := flow.Direction

	// Stage 2: weighted filter contributions.
	scores := make(map[string]float64, len(filters))
	reasons := make(map[string]string, len(filters))
	var total float64
	for _, f := range filters {
		score, reason := f.fn(snap, side)
		scores[f.name] = score
		reasons[f.name] = reason
		total += score
	}

	if total < e.MinConfluence {
		return nil
	}

	stop, target := deriveLevels(snap, side)
	out := &Signal{
		ID:               uuid.NewString(),
		Pair:             snap.Pair,
		Side:             side,
		EntryPrice:       snap.LastPrice,
		ConfluenceScore:  total,
		MaxPossibleScore: MaxPossibleScore,
		Confidence:       bandConfidence(total),
		Primaries:        []PrimaryResult{flow, micro},
		FilterScores:     scores,
		FilterReasons:    reasons,
		SuggestedStop:    stop,
		SuggestedTarget:  target,
		CreatedAt:        time.Now(),
	}
	log.Printf("decision: %s %s confluence %.1f/%.1f (%s)",
		out.Pair.Symbol, out.Side, out.ConfluenceScore, out.MaxPossibleScore, out.Confidence)
	return out
}

func bandConfidence(score float64) Confidence {
	switch {
	case score >= 7.0:
		return ConfidenceVeryHigh
	case score >= 5.0:
		return ConfidenceHigh
	case score >= 4.0:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// deriveLevels suggests a stop behind the entry-side zone and a target at
// the nearest opposing zone. Either may be zero; the risk sizer imposes a
// default stop when none is suggested.
func deriveLevels(snap *analytics.Snapshot, side types.PositionSide) (stop, target float64) {
	for _, z := range snap.Zones {
		switch {
		case side == types.Long && z.Type == types.ZoneDemand && z.Contains(snap.LastPrice) && stop == 0:
			stop = z.PriceLow
		case side == types.Short && z.Type == types.ZoneSupply && z.Contains(snap.LastPrice) && stop == 0:
			stop = z.PriceHigh
		case side == types.Long && z.Type == types.ZoneSupply && z.PriceLow > snap.LastPrice:
			if target == 0 || z.PriceLow < target {
				target = z.PriceLow
			}
		case side == types.Short && z.Type == types.ZoneDemand && z.PriceHigh < snap.LastPrice:
			if target == 0 || z.PriceHigh > target {
				target = z.PriceHigh
			}
		}
	}
	return stop, target
}
