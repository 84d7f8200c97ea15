package execution

import (
	"context"
	"errors"
	"fmt"
	"log"

	"confluence-core/internal/decision"
	"confluence-core/pkg/types"
)

// Failure reasons attached to OrderFailed events.
const (
	ReasonValidation = "validation"
	ReasonRisk       = "risk"
	ReasonVenue      = "venue"
	ReasonTimeout    = "timeout"
)

// PipelineContext is the mutable state a signal carries through the handler
// chain. Any handler may short-circuit by returning a StageError.
type PipelineContext struct {
	Signal *decision.Signal
	Order  types.Order

	Balance       float64
	OpenPositions int

	FillPrice   float64
	SlippagePct float64
	SlipExcess  bool
}

// StageError classifies a handler failure.
type StageError struct {
	Stage  string
	Reason string // one of the Reason* constants
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Reason, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage, reason string, err error) *StageError {
	return &StageError{Stage: stage, Reason: reason, Err: err}
}

// Handler is one pipeline stage.
type Handler interface {
	Name() string
	Handle(ctx context.Context, pc *PipelineContext) error
}

// Chain runs handlers in order, stopping at the first failure.
type Chain struct {
	handlers []Handler
}

// NewChain builds the chain in execution order.
func NewChain(handlers ...Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Run executes the chain. The returned error, if any, is a *StageError.
func (c *Chain) Run(ctx context.Context, pc *PipelineContext) error {
	for _, h := range c.handlers {
		if err := h.Handle(ctx, pc); err != nil {
			log.Printf("execution: stage %s rejected %s: %v", h.Name(), pc.Order.ClientID, err)
			var se *StageError
			if !errors.As(err, &se) {
				se = stageErr(h.Name(), ReasonVenue, err)
			}
			return se
		}
	}
	return nil
}
