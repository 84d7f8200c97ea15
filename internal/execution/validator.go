package execution

import (
	"context"
	"fmt"

	"confluence-core/pkg/types"
)

// Validator is the first pipeline stage: structural checks on the signal
// before any sizing or venue work.
type Validator struct {
	MinConfluence float64
	KnownVenues   map[string]bool
}

// Name identifies the stage.
func (v *Validator) Name() string { return "validator" }

// Handle rejects malformed or under-strength signals.
func (v *Validator) Handle(_ context.Context, pc *PipelineContext) error {
	sig := pc.Signal
	if sig == nil {
		return stageErr(v.Name(), ReasonValidation, fmt.Errorf("nil signal"))
	}
	if sig.ConfluenceScore < v.MinConfluence {
		return stageErr(v.Name(), ReasonValidation,
			fmt.Errorf("confluence %.2f below floor %.2f", sig.ConfluenceScore, v.MinConfluence))
	}
	if !types.ValidSymbol(sig.Pair.Symbol) {
		return stageErr(v.Name(), ReasonValidation, fmt.Errorf("malformed symbol %q", sig.Pair.Symbol))
	}
	if sig.Side != types.Long && sig.Side != types.Short {
		return stageErr(v.Name(), ReasonValidation, fmt.Errorf("unknown side %q", sig.Side))
	}
	if sig.EntryPrice <= 0 {
		return stageErr(v.Name(), ReasonValidation, fmt.Errorf("entry price %.4f not positive", sig.EntryPrice))
	}
	if len(v.KnownVenues) > 0 && !v.KnownVenues[sig.Pair.Venue] {
		return stageErr(v.Name(), ReasonValidation, fmt.Errorf("unknown venue %q", sig.Pair.Venue))
	}
	if sig.SuggestedStop != 0 {
		wrongSide := (sig.Side == types.Long && sig.SuggestedStop >= sig.EntryPrice) ||
			(sig.Side == types.Short && sig.SuggestedStop <= sig.EntryPrice)
		if wrongSide {
			return stageErr(v.Name(), ReasonValidation,
				fmt.Errorf("stop %.4f on wrong side of entry %.4f for %s", sig.SuggestedStop, sig.EntryPrice, sig.Side))
		}
	}
	return nil
}
