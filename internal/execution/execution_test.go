package execution

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"confluence-core/internal/decision"
	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

func testPair() types.Pair {
	return types.Pair{Venue: "sim", Market: types.MarketSpot, Symbol: "BTCUSDT"}
}

func testSignal() *decision.Signal {
	return &decision.Signal{
		ID:              "sig-1",
		Pair:            testPair(),
		Side:            types.Long,
		EntryPrice:      100,
		ConfluenceScore: 5.0,
		SuggestedStop:   98,
		CreatedAt:       time.Now(),
	}
}

type fixedBalance float64

func (f fixedBalance) Balance() float64 { return float64(f) }

// stubGateway scripts PlaceOrder/GetOrder behavior per test.
type stubGateway struct {
	common.Gateway

	placeCalls  atomic.Int32
	placeErrs   []error // consumed in order; nil means success
	orderStatus []common.OrderStatus
	getCalls    atomic.Int32
	fillPrice   float64
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.VenueOrder, error) {
	n := int(s.placeCalls.Add(1)) - 1
	if n < len(s.placeErrs) && s.placeErrs[n] != nil {
		return common.VenueOrder{}, s.placeErrs[n]
	}
	return common.VenueOrder{VenueID: "v-1", ClientID: req.ClientID, Symbol: req.Pair.Symbol, Status: common.StatusNew}, nil
}

func (s *stubGateway) GetOrder(ctx context.Context, symbol, venueID string) (common.VenueOrder, error) {
	n := int(s.getCalls.Add(1)) - 1
	status := common.StatusFilled
	if n < len(s.orderStatus) {
		status = s.orderStatus[n]
	}
	price := s.fillPrice
	if price == 0 {
		price = 100
	}
	return common.VenueOrder{VenueID: venueID, Status: status, FilledQty: 1, AvgFillPrice: price}, nil
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond, JitterFrac: 0.25}
}

func TestOrderStateMachineForwardOnly(t *testing.T) {
	m := NewOrderManager()
	o, fresh := m.Register(types.Order{ClientID: "c1", Pair: testPair()})
	if !fresh || o.State != types.OrderPending {
		t.Fatalf("register: fresh=%v state=%s", fresh, o.State)
	}

	steps := []types.OrderState{types.OrderSubmitted, types.OrderActive, types.OrderPartial, types.OrderPartial, types.OrderFilled}
	for _, s := range steps {
		if _, err := m.Transition("c1", s, nil); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	// Terminal orders cannot move again and fall out of the live set.
	if _, err := m.Transition("c1", types.OrderCancelled, nil); err == nil {
		t.Fatalf("transition out of FILLED must fail")
	}
	if len(m.Live()) != 0 {
		t.Fatalf("filled order still live")
	}
	if len(m.Closed()) != 1 {
		t.Fatalf("closed ring has %d orders, expected 1", len(m.Closed()))
	}
}

func TestOrderStateNoBackwardTransition(t *testing.T) {
	m := NewOrderManager()
	m.Register(types.Order{ClientID: "c1", Pair: testPair()})
	if _, err := m.Transition("c1", types.OrderActive, nil); err != nil {
		t.Fatalf("to active: %v", err)
	}
	if _, err := m.Transition("c1", types.OrderSubmitted, nil); err == nil {
		t.Fatalf("backward transition must fail")
	}
}

func TestRegisterIdempotentPerClientID(t *testing.T) {
	m := NewOrderManager()
	if _, fresh := m.Register(types.Order{ClientID: "c1", Pair: testPair()}); !fresh {
		t.Fatalf("first register must be fresh")
	}
	if _, fresh := m.Register(types.Order{ClientID: "c1", Pair: testPair()}); fresh {
		t.Fatalf("second register with same client id must not be fresh")
	}

	// Idempotence survives the order closing.
	m.Transition("c1", types.OrderFailed, nil)
	if _, fresh := m.Register(types.Order{ClientID: "c1", Pair: testPair()}); fresh {
		t.Fatalf("register after close must still be deduplicated")
	}
}

func TestByVenueIDResolvesLiveOrders(t *testing.T) {
	m := NewOrderManager()
	m.Register(types.Order{ClientID: "c1", Pair: testPair()})
	m.Transition("c1", types.OrderActive, func(ord *types.Order) { ord.VenueID = "v-9" })

	o, ok := m.ByVenueID("v-9")
	if !ok || o.ClientID != "c1" {
		t.Fatalf("lookup by venue id failed: %+v ok=%v", o, ok)
	}
	if _, ok := m.ByVenueID("v-unknown"); ok {
		t.Fatalf("unknown venue id resolved")
	}

	// Terminal orders leave the venue index with their live entry.
	m.Transition("c1", types.OrderFailed, nil)
	if _, ok := m.ByVenueID("v-9"); ok {
		t.Fatalf("closed order still resolvable by venue id")
	}
}

func TestValidatorRejections(t *testing.T) {
	v := &Validator{MinConfluence: 3.0, KnownVenues: map[string]bool{"sim": true}}

	tests := []struct {
		name   string
		mutate func(*decision.Signal)
	}{
		{"weak confluence", func(s *decision.Signal) { s.ConfluenceScore = 2.9 }},
		{"bad symbol", func(s *decision.Signal) { s.Pair.Symbol = "btc usdt!" }},
		{"bad side", func(s *decision.Signal) { s.Side = "SIDEWAYS" }},
		{"stop above entry for long", func(s *decision.Signal) { s.SuggestedStop = 101 }},
		{"unknown venue", func(s *decision.Signal) { s.Pair.Venue = "nowhere" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := testSignal()
			tt.mutate(sig)
			err := v.Handle(context.Background(), &PipelineContext{Signal: sig})
			if err == nil {
				t.Fatalf("expected rejection")
			}
			var se *StageError
			if !asStage(err, &se) || se.Reason != ReasonValidation {
				t.Fatalf("reason=%v, expected validation", err)
			}
		})
	}

	if err := v.Handle(context.Background(), &PipelineContext{Signal: testSignal()}); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}
}

func asStage(err error, target **StageError) bool {
	se, ok := err.(*StageError)
	if ok {
		*target = se
	}
	return ok
}

func TestRiskSizerLimitsAndDefaults(t *testing.T) {
	newSizer := func(open int) *RiskSizer {
		return &RiskSizer{
			Balance:       fixedBalance(100000),
			OpenPositions: func() int { return open },
			MaxConcurrent: 3,
			SizePct:       2,
			MaxSizePct:    5,
			MinRewardRisk: 1.5,
		}
	}

	// Max concurrent positions.
	pc := &PipelineContext{Signal: testSignal()}
	if err := newSizer(3).Handle(context.Background(), pc); err == nil {
		t.Fatalf("expected rejection at position limit")
	}

	// Sizing: 2% of 100k at price 100 -> 20 units.
	pc = &PipelineContext{Signal: testSignal()}
	if err := newSizer(0).Handle(context.Background(), pc); err != nil {
		t.Fatalf("sizer: %v", err)
	}
	if pc.Order.Quantity != 20 {
		t.Fatalf("qty=%v, expected 20", pc.Order.Quantity)
	}
	if pc.Order.Side != types.SideBuy {
		t.Fatalf("side=%s, expected BUY for LONG", pc.Order.Side)
	}

	// Default stop imposed at 2% adverse when the signal has none.
	sig := testSignal()
	sig.SuggestedStop = 0
	pc = &PipelineContext{Signal: sig}
	if err := newSizer(0).Handle(context.Background(), pc); err != nil {
		t.Fatalf("sizer: %v", err)
	}
	if math.Abs(pc.Order.StopPrice-98) > 1e-9 {
		t.Fatalf("default stop=%v, expected 98", pc.Order.StopPrice)
	}

	// Reward/risk floor using the suggested target.
	sig = testSignal()
	sig.SuggestedTarget = 101 // reward 1 vs risk 2
	pc = &PipelineContext{Signal: sig}
	if err := newSizer(0).Handle(context.Background(), pc); err == nil {
		t.Fatalf("expected reward/risk rejection")
	}
}

func TestPlacerRetriesTransientErrors(t *testing.T) {
	gw := &stubGateway{placeErrs: []error{
		common.NewVenueError(common.KindTransient, "sim", "timeout"),
		common.NewVenueError(common.KindRateLimit, "sim", "slow down"),
		nil,
	}}
	m := NewOrderManager()
	o, _ := m.Register(types.Order{ClientID: "c1", Pair: testPair(), Side: types.SideBuy, Type: "MARKET", Quantity: 1})

	p := &Placer{Gateway: gw, Policy: fastRetry(), Orders: m}
	pc := &PipelineContext{Order: o}
	if err := p.Handle(context.Background(), pc); err != nil {
		t.Fatalf("place: %v", err)
	}
	if gw.placeCalls.Load() != 3 {
		t.Fatalf("place calls=%d, expected 3", gw.placeCalls.Load())
	}
	if pc.Order.State != types.OrderActive || pc.Order.VenueID != "v-1" {
		t.Fatalf("order after place: %+v", pc.Order)
	}
	if pc.Order.RetryCount != 2 {
		t.Fatalf("retry count=%d, expected 2", pc.Order.RetryCount)
	}
}

func TestPlacerDoesNotRetryPermanentErrors(t *testing.T) {
	gw := &stubGateway{placeErrs: []error{
		common.NewVenueError(common.KindInsufficientBalance, "sim", "broke"),
		nil,
	}}
	m := NewOrderManager()
	o, _ := m.Register(types.Order{ClientID: "c1", Pair: testPair(), Side: types.SideBuy, Type: "MARKET", Quantity: 1})

	p := &Placer{Gateway: gw, Policy: fastRetry(), Orders: m}
	if err := p.Handle(context.Background(), &PipelineContext{Order: o}); err == nil {
		t.Fatalf("expected failure")
	}
	if gw.placeCalls.Load() != 1 {
		t.Fatalf("place calls=%d, permanent errors must not retry", gw.placeCalls.Load())
	}
}

func TestReconcilerAcceptsPartialThenFilled(t *testing.T) {
	gw := &stubGateway{
		orderStatus: []common.OrderStatus{common.StatusActive, common.StatusPartial, common.StatusFilled},
		fillPrice:   100.5,
	}
	m := NewOrderManager()
	o, _ := m.Register(types.Order{ClientID: "c1", Pair: testPair(), Side: types.SideBuy, Type: "MARKET", Quantity: 1})
	m.Transition("c1", types.OrderSubmitted, nil)
	o, _ = m.Transition("c1", types.OrderActive, func(ord *types.Order) { ord.VenueID = "v-1" })

	r := &Reconciler{Gateway: gw, Orders: m, Timeout: time.Second, PollInterval: time.Millisecond}
	pc := &PipelineContext{Signal: testSignal(), Order: o}
	if err := r.Handle(context.Background(), pc); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if pc.Order.State != types.OrderFilled || pc.Order.AvgFillPrice != 100.5 {
		t.Fatalf("order after reconcile: %+v", pc.Order)
	}
	// 100.5 vs entry 100: 0.5% slippage, under the 1% excess threshold.
	if pc.SlipExcess {
		t.Fatalf("0.5%% slippage flagged as excess")
	}
}

func TestReconcilerFlagsExcessSlippage(t *testing.T) {
	gw := &stubGateway{fillPrice: 102} // 2% off the signal entry
	m := NewOrderManager()
	o, _ := m.Register(types.Order{ClientID: "c1", Pair: testPair(), Side: types.SideBuy, Type: "MARKET", Quantity: 1})
	m.Transition("c1", types.OrderSubmitted, nil)
	o, _ = m.Transition("c1", types.OrderActive, func(ord *types.Order) { ord.VenueID = "v-1" })

	r := &Reconciler{Gateway: gw, Orders: m, Timeout: time.Second, PollInterval: time.Millisecond}
	pc := &PipelineContext{Signal: testSignal(), Order: o}
	if err := r.Handle(context.Background(), pc); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !pc.SlipExcess {
		t.Fatalf("2%% slippage not flagged")
	}

	// With hard reject configured, the same fill fails the pipeline.
	gw2 := &stubGateway{fillPrice: 102}
	m2 := NewOrderManager()
	o2, _ := m2.Register(types.Order{ClientID: "c2", Pair: testPair(), Side: types.SideBuy, Type: "MARKET", Quantity: 1})
	m2.Transition("c2", types.OrderSubmitted, nil)
	o2, _ = m2.Transition("c2", types.OrderActive, func(ord *types.Order) { ord.VenueID = "v-1" })
	r2 := &Reconciler{Gateway: gw2, Orders: m2, Timeout: time.Second, PollInterval: time.Millisecond, HardReject: true}
	if err := r2.Handle(context.Background(), &PipelineContext{Signal: testSignal(), Order: o2}); err == nil {
		t.Fatalf("hard reject expected on excess slippage")
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()

	// Backoff grows geometrically and respects the cap, within jitter.
	for attempt, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		d := p.Delay(attempt, 0)
		lo := time.Duration(float64(base) * 0.74)
		hi := time.Duration(float64(base) * 1.26)
		if d < lo || d > hi {
			t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}

	// A venue Retry-After hint wins.
	if d := p.Delay(1, 7*time.Second); d != 7*time.Second {
		t.Fatalf("hint ignored: %v", d)
	}
}
