package execution

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"confluence-core/internal/balance"
	"confluence-core/internal/decision"
	"confluence-core/internal/events"
	"confluence-core/pkg/db"
	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// Options configures the execution engine.
type Options struct {
	MinConfluence    float64
	MaxConcurrent    int
	SizePct          float64
	MaxSizePct       float64
	MinRewardRisk    float64
	Retry            RetryPolicy
	ReconcileTimeout time.Duration
	KnownVenues      map[string]bool
}

// Engine carries trade signals through the pipeline to a venue and hands
// filled entries off to the position monitor via PositionOpened. It also
// serves close intents published by the monitor. It is the sole writer of
// order state.
type Engine struct {
	Bus     *events.Bus
	Gateway common.Gateway
	Orders  *OrderManager
	Balance balance.Provider
	Pool    *db.Pool
	Opts    Options

	// OpenPositions is the read-only position count contract, served by the
	// position monitor.
	OpenPositions func() int
	// Classify maps a symbol to its asset class for position seeding.
	Classify func(symbol string) types.AssetClass
	// TrailingPct supplies the per-class trailing distance for new positions.
	TrailingPct func(class types.AssetClass) float64

	entryChain *Chain
	reconciler *Reconciler

	stopNew atomic.Bool
	stopAll atomic.Bool
	unsubs  []func()
}

// Name identifies the component.
func (e *Engine) Name() string { return "execution" }

// Start installs subscriptions.
func (e *Engine) Start(ctx context.Context) error {
	e.entryChain = NewChain(
		&Validator{MinConfluence: e.Opts.MinConfluence, KnownVenues: e.Opts.KnownVenues},
		&RiskSizer{
			Balance:       e.Balance,
			OpenPositions: e.OpenPositions,
			MaxConcurrent: e.Opts.MaxConcurrent,
			SizePct:       e.Opts.SizePct,
			MaxSizePct:    e.Opts.MaxSizePct,
			MinRewardRisk: e.Opts.MinRewardRisk,
		},
		&Placer{Gateway: e.Gateway, Policy: e.Opts.Retry, Orders: e.Orders},
	)
	e.reconciler = &Reconciler{Gateway: e.Gateway, Orders: e.Orders, Timeout: e.Opts.ReconcileTimeout}

	e.unsubs = append(e.unsubs,
		e.Bus.Subscribe(events.EventSignalGenerated, "execution-signal", e.onSignal),
		e.Bus.Subscribe(events.EventClosePosition, "execution-close", e.onCloseRequest),
		e.Bus.Subscribe(events.EventStopNewEntries, "execution-halt-new", func(context.Context, events.Event) error {
			e.stopNew.Store(true)
			log.Println("execution: new entries halted")
			return nil
		}),
		e.Bus.Subscribe(events.EventStopAllTrading, "execution-halt-all", func(context.Context, events.Event) error {
			e.stopAll.Store(true)
			log.Println("execution: all trading halted")
			return nil
		}),
	)
	return nil
}

// Stop removes subscriptions.
func (e *Engine) Stop(ctx context.Context) error {
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	return nil
}

// ResumeEntries clears the halt latches (manual operator action).
func (e *Engine) ResumeEntries() {
	e.stopNew.Store(false)
	e.stopAll.Store(false)
	log.Println("execution: entry halts cleared")
}

// Halted reports the current halt latches.
func (e *Engine) Halted() (newEntries, allTrading bool) {
	return e.stopNew.Load(), e.stopAll.Load()
}

func (e *Engine) onSignal(ctx context.Context, ev events.Event) error {
	sig, ok := ev.Payload.(*decision.Signal)
	if !ok {
		return nil
	}
	if e.stopAll.Load() || e.stopNew.Load() {
		log.Printf("execution: entries halted, dropping signal %s %s", sig.Pair.Symbol, sig.Side)
		return nil
	}

	// The signal id doubles as the client order id, making resubmission of
	// the same signal idempotent at the order manager.
	order := types.Order{
		ID:        uuid.NewString(),
		ClientID:  sig.ID,
		Pair:      sig.Pair,
		CreatedAt: time.Now(),
	}
	registered, fresh := e.Orders.Register(order)
	if !fresh {
		log.Printf("execution: duplicate signal %s ignored (order %s)", sig.ID, registered.State)
		return nil
	}

	pc := &PipelineContext{Signal: sig, Order: registered}
	if err := e.entryChain.Run(ctx, pc); err != nil {
		e.failOrder(pc, err)
		return nil
	}

	e.Bus.Publish(events.New(events.EventOrderPlaced, pc.Order))

	if err := e.reconciler.Handle(ctx, pc); err != nil {
		e.failOrder(pc, err)
		return nil
	}

	e.Bus.Publish(events.New(events.EventOrderFilled, pc.Order))
	e.audit(ctx, pc.Order)

	pos := e.seedPosition(sig, pc.Order)
	e.Bus.Publish(events.New(events.EventPositionOpened, pos))
	return nil
}

// onCloseRequest serves a close intent from the position monitor: a
// reduce-only market order on the opposite side. The fill flows back to the
// monitor through OrderFilled with the position id attached.
func (e *Engine) onCloseRequest(ctx context.Context, ev events.Event) error {
	req, ok := ev.Payload.(types.CloseRequest)
	if !ok {
		return nil
	}

	side := types.SideSell
	if req.Side == types.Short {
		side = types.SideBuy
	}
	order := types.Order{
		ID:          uuid.NewString(),
		ClientID:    "close-" + req.PositionID,
		Pair:        req.Pair,
		Side:        side,
		Type:        "MARKET",
		Quantity:    req.Quantity,
		PositionID:  req.PositionID,
		CloseReason: req.Reason,
		CreatedAt:   time.Now(),
	}
	registered, fresh := e.Orders.Register(order)
	if !fresh {
		return nil // close already in flight or done
	}

	pc := &PipelineContext{Order: registered}
	placer := &Placer{Gateway: e.Gateway, Policy: e.Opts.Retry, Orders: e.Orders}
	if err := placer.Handle(ctx, pc); err != nil {
		e.failOrder(pc, err)
		return nil
	}
	e.Bus.Publish(events.New(events.EventOrderPlaced, pc.Order))

	if err := e.reconciler.Handle(ctx, pc); err != nil {
		e.failOrder(pc, err)
		return nil
	}

	e.Bus.Publish(events.New(events.EventOrderFilled, pc.Order))
	e.audit(ctx, pc.Order)
	return nil
}

// failOrder moves the order to its terminal failed state and publishes
// OrderFailed with the classified reason.
func (e *Engine) failOrder(pc *PipelineContext, err error) {
	var se *StageError
	reason := ReasonVenue
	detail := err.Error()
	if errors.As(err, &se) {
		reason = se.Reason
	}

	if o, terr := e.Orders.Transition(pc.Order.ClientID, types.OrderFailed, func(t *types.Order) {
		t.LastError = detail
	}); terr == nil {
		pc.Order = o
	} else {
		pc.Order.State = types.OrderFailed
		pc.Order.LastError = detail
	}

	e.Bus.Publish(events.New(events.EventOrderFailed, types.OrderFailedEvent{
		Order:  pc.Order,
		Reason: reason,
		Detail: detail,
	}))
}

// audit records the fill in the pair database (trades_history); the
// authoritative position store remains the position monitor.
func (e *Engine) audit(ctx context.Context, o types.Order) {
	d, err := e.Pool.Acquire(o.Pair)
	if err != nil {
		log.Printf("execution: audit acquire %s: %v", o.Pair, err)
		return
	}
	defer e.Pool.Release(d)
	if err := d.InsertTradeHistory(ctx, uuid.NewString(), o.ClientID, string(o.Side), o.AvgFillPrice, o.FilledQty, 0); err != nil {
		log.Printf("execution: audit trade %s: %v", o.ClientID, err)
	}
	if o.PositionID != "" {
		audit := db.PositionAudit{
			ID:         o.PositionID,
			Side:       string(o.Side),
			EntryPrice: o.AvgFillPrice,
			Quantity:   o.FilledQty,
			EntryTime:  o.CreatedAt,
			State:      string(types.PositionClosing),
			ExitReason: o.CloseReason,
		}
		if err := d.UpsertPositionAudit(ctx, audit); err != nil {
			log.Printf("execution: audit position %s: %v", o.PositionID, err)
		}
	}
}

// seedPosition builds the position handed to the monitor from signal and
// fill.
func (e *Engine) seedPosition(sig *decision.Signal, o types.Order) types.Position {
	class := types.AssetRegular
	if e.Classify != nil {
		class = e.Classify(sig.Pair.Symbol)
	}
	trailing := 0.005
	if e.TrailingPct != nil {
		trailing = e.TrailingPct(class)
	}

	entry := o.AvgFillPrice
	if entry <= 0 {
		entry = sig.EntryPrice
	}
	pos := types.Position{
		ID:                  uuid.NewString(),
		Pair:                sig.Pair,
		Side:                sig.Side,
		EntryPrice:          entry,
		Quantity:            o.FilledQty,
		EntryTime:           time.Now(),
		AssetClass:          class,
		Source:              "signal",
		TrailingDistancePct: trailing,
		LastPrice:           entry,
		State:               types.PositionOpen,
	}
	if sig.Side == types.Long {
		pos.HighestMark = entry
		pos.TrailingStopPrice = entry * (1 - trailing)
	} else {
		pos.LowestMark = entry
		pos.TrailingStopPrice = entry * (1 + trailing)
	}
	return pos
}
