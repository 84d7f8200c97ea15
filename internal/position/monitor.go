// Package position owns every open position from PositionOpened onward:
// marking on each tick, advancing trailing stops, enforcing the portfolio
// risk policies, and reconciling against venue state on startup.
package position

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"confluence-core/internal/events"
	"confluence-core/pkg/config"
	"confluence-core/pkg/db"
	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// VenueRef binds a configured venue name to its gateway and market segment
// for reconciliation.
type VenueRef struct {
	Gateway common.Gateway
	Market  types.MarketType
}

// managed wraps one position with its own lock. Updates to a position are
// serialized by this lock; there is no global lock on the hot path.
type managed struct {
	mu  sync.Mutex
	pos types.Position
}

// Monitor is the always-on position owner.
type Monitor struct {
	Bus    *events.Bus
	Pool   *db.Pool
	Venues map[string]VenueRef
	Params config.RiskParams

	CheckInterval time.Duration
	ReconTimeout  time.Duration
	InitialEquity float64
	LeaderSymbols []string // market leaders for correlated-dump detection
	LeaderDropPct float64  // rolling drop that counts as a leader dump
	LeaderWindow  time.Duration
	Classify      func(symbol string) types.AssetClass

	mu        sync.RWMutex
	positions map[string]*managed // id -> position
	bySymbol  map[string][]string // symbol -> position ids
	closed    []types.Position    // recent closed, newest last

	leaders *leaderTracker
	breaker breakerState
	health  healthState

	dayStartEquity float64
	realizedToday  float64
	dayAnchor      time.Time

	policyFailures map[string]int
	ready          atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// Name identifies the component.
func (m *Monitor) Name() string { return "position-monitor" }

// Start reconciles against every configured venue, then installs live
// subscriptions and launches the risk loop. Live events are not handled
// until reconciliation completes.
func (m *Monitor) Start(ctx context.Context) error {
	if m.CheckInterval <= 0 {
		m.CheckInterval = 10 * time.Second
	}
	if m.ReconTimeout <= 0 {
		m.ReconTimeout = 30 * time.Second
	}
	if m.LeaderDropPct == 0 {
		m.LeaderDropPct = 0.015
	}
	if m.LeaderWindow <= 0 {
		m.LeaderWindow = 5 * time.Minute
	}
	if len(m.LeaderSymbols) == 0 {
		m.LeaderSymbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	m.positions = make(map[string]*managed)
	m.bySymbol = make(map[string][]string)
	m.policyFailures = make(map[string]int)
	m.leaders = newLeaderTracker(m.LeaderSymbols, m.LeaderWindow)
	m.dayStartEquity = m.InitialEquity
	m.dayAnchor = startOfDay(time.Now())

	if err := m.Reconcile(ctx); err != nil {
		log.Printf("position: startup reconciliation incomplete: %v", err)
	}
	m.ready.Store(true)

	m.unsubs = append(m.unsubs,
		m.Bus.Subscribe(events.EventPositionOpened, "position-open", m.onOpened),
		m.Bus.Subscribe(events.EventOrderFilled, "position-close-confirm", m.onOrderFilled),
		m.Bus.Subscribe(events.EventOrderFailed, "position-close-failed", m.onOrderFailed),
		m.Bus.Subscribe(events.EventTradeTick, "position-marks", m.onTick),
	)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.runPolicies(loopCtx)
			}
		}
	}()
	return nil
}

// Stop removes subscriptions and terminates the risk loop.
func (m *Monitor) Stop(ctx context.Context) error {
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenCount is the read-only contract consumed by the execution risk sizer.
func (m *Monitor) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Open returns copies of all open positions.
func (m *Monitor) Open() []types.Position {
	m.mu.RLock()
	ids := make([]*managed, 0, len(m.positions))
	for _, mp := range m.positions {
		ids = append(ids, mp)
	}
	m.mu.RUnlock()

	out := make([]types.Position, 0, len(ids))
	for _, mp := range ids {
		mp.mu.Lock()
		out = append(out, mp.pos)
		mp.mu.Unlock()
	}
	return out
}

// Closed returns copies of recently closed positions, newest last.
func (m *Monitor) Closed() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, len(m.closed))
	copy(out, m.closed)
	return out
}

// --- event handlers ---

func (m *Monitor) onOpened(_ context.Context, ev events.Event) error {
	pos, ok := ev.Payload.(types.Position)
	if !ok || !m.ready.Load() {
		return nil
	}
	m.track(pos)
	log.Printf("position: tracking %s %s qty=%.6f entry=%.4f trail=%.2f%%",
		pos.Pair.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.TrailingDistancePct*100)
	return nil
}

func (m *Monitor) track(pos types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.positions[pos.ID]; exists {
		return
	}
	m.positions[pos.ID] = &managed{pos: pos}
	m.bySymbol[pos.Pair.Symbol] = append(m.bySymbol[pos.Pair.Symbol], pos.ID)
}

// onOrderFilled finalizes a close when the fill belongs to a close order.
func (m *Monitor) onOrderFilled(_ context.Context, ev events.Event) error {
	o, ok := ev.Payload.(types.Order)
	if !ok || o.PositionID == "" || !m.ready.Load() {
		return nil
	}
	m.finalizeClose(o.PositionID, o.CloseReason, o.AvgFillPrice)
	return nil
}

// onOrderFailed reverts a CLOSING position so a later policy pass retries.
func (m *Monitor) onOrderFailed(_ context.Context, ev events.Event) error {
	fe, ok := ev.Payload.(types.OrderFailedEvent)
	if !ok || fe.Order.PositionID == "" || !m.ready.Load() {
		return nil
	}
	m.mu.RLock()
	mp := m.positions[fe.Order.PositionID]
	m.mu.RUnlock()
	if mp == nil {
		return nil
	}
	mp.mu.Lock()
	if mp.pos.State == types.PositionClosing {
		mp.pos.State = types.PositionOpen
		log.Printf("position: close of %s failed (%s), will retry", mp.pos.ID, fe.Reason)
	}
	mp.mu.Unlock()
	return nil
}

func (m *Monitor) onTick(_ context.Context, ev events.Event) error {
	t, ok := ev.Payload.(types.Tick)
	if !ok || !m.ready.Load() {
		return nil
	}

	m.leaders.observe(t.Pair.Symbol, t.Price, t.Timestamp)

	m.mu.RLock()
	ids := m.bySymbol[t.Pair.Symbol]
	mps := make([]*managed, 0, len(ids))
	for _, id := range ids {
		if mp, ok := m.positions[id]; ok {
			mps = append(mps, mp)
		}
	}
	m.mu.RUnlock()

	for _, mp := range mps {
		m.mark(mp, t.Price)
	}
	return nil
}

// mark updates one position with a new price under its own lock, advancing
// the trailing stop and triggering the close when hit.
func (m *Monitor) mark(mp *managed, price float64) {
	mp.mu.Lock()
	if mp.pos.State != types.PositionOpen {
		mp.mu.Unlock()
		return
	}
	hit := updateTrailing(&mp.pos, price)
	pos := mp.pos
	if hit {
		mp.pos.State = types.PositionClosing
	}
	mp.mu.Unlock()

	if hit {
		log.Printf("position: trailing stop hit on %s %s at %.4f (stop %.4f)",
			pos.Pair.Symbol, pos.Side, price, pos.TrailingStopPrice)
		m.Bus.Publish(events.New(events.EventTrailingStopHit, pos))
		m.requestClose(pos, types.ExitTrailingStop)
	}
}

// requestClose publishes the close intent; execution drives the venue call
// and the fill comes back via OrderFilled.
func (m *Monitor) requestClose(pos types.Position, reason string) {
	m.Bus.Publish(events.New(events.EventClosePosition, types.CloseRequest{
		PositionID: pos.ID,
		Pair:       pos.Pair,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Reason:     reason,
	}))
}

// forceClose moves an open position to CLOSING and requests the close.
func (m *Monitor) forceClose(mp *managed, reason string) {
	mp.mu.Lock()
	if mp.pos.State != types.PositionOpen {
		mp.mu.Unlock()
		return
	}
	mp.pos.State = types.PositionClosing
	pos := mp.pos
	mp.mu.Unlock()
	m.requestClose(pos, reason)
}

// finalizeClose marks the position CLOSED with its exit reason and realized
// PnL, maintaining the closed-position invariant, and emits PositionClosed.
func (m *Monitor) finalizeClose(positionID, reason string, fillPrice float64) {
	m.mu.Lock()
	mp, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.positions, positionID)
	m.mu.Unlock()

	mp.mu.Lock()
	if fillPrice <= 0 {
		fillPrice = mp.pos.LastPrice
	}
	if fillPrice <= 0 {
		fillPrice = mp.pos.EntryPrice
	}
	if reason == "" {
		reason = types.ExitManual
	}
	mp.pos.State = types.PositionClosed
	mp.pos.ExitReason = reason
	mp.pos.RealizedPnL = mp.pos.PnLAt(fillPrice)
	mp.pos.LastPrice = fillPrice
	mp.pos.ClosedAt = time.Now()
	pos := mp.pos
	mp.mu.Unlock()

	m.mu.Lock()
	ids := m.bySymbol[pos.Pair.Symbol]
	for i, id := range ids {
		if id == positionID {
			m.bySymbol[pos.Pair.Symbol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	m.closed = append(m.closed, pos)
	if len(m.closed) > 500 {
		m.closed = m.closed[len(m.closed)-500:]
	}
	m.realizedToday += pos.RealizedPnL
	m.mu.Unlock()

	m.persistAudit(pos)
	log.Printf("position: closed %s %s reason=%s pnl=%.4f",
		pos.Pair.Symbol, pos.Side, pos.ExitReason, pos.RealizedPnL)
	m.Bus.Publish(events.New(events.EventPositionClosed, pos))
}

func (m *Monitor) persistAudit(pos types.Position) {
	d, err := m.Pool.Acquire(pos.Pair)
	if err != nil {
		log.Printf("position: audit acquire %s: %v", pos.Pair, err)
		return
	}
	defer m.Pool.Release(d)

	audit := db.PositionAudit{
		ID:         pos.ID,
		Side:       string(pos.Side),
		EntryPrice: pos.EntryPrice,
		Quantity:   pos.Quantity,
		EntryTime:  pos.EntryTime,
		State:      string(pos.State),
		ExitReason: pos.ExitReason,
	}
	audit.RealizedPnL.Float64 = pos.RealizedPnL
	audit.RealizedPnL.Valid = pos.State == types.PositionClosed
	if err := d.UpsertPositionAudit(context.Background(), audit); err != nil {
		log.Printf("position: audit %s: %v", pos.ID, err)
	}
}

func startOfDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}
