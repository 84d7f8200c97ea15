package position

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"confluence-core/internal/events"
	"confluence-core/pkg/types"
)

// Policy thresholds.
const (
	dumpSignalsRequired   = 2
	dumpFlipDominance     = 2.5
	dumpFlipWindow        = 3 * time.Minute
	dumpMomentumBreakPct  = 0.005
	correlationCloseFloor = 0.7
)

// breakerState latches the drawdown circuit breaker for the trading day.
type breakerState struct {
	level   int // highest level fired today, 0 = none
	stopped bool
}

// healthState tracks the stop-new-entries threshold so StopNewEntries is
// published on the crossing, not on every check. The tighten and close-worst
// actions run on every check below their thresholds.
type healthState struct {
	score     float64
	stopNewOn bool
}

// DumpEvidence is the payload detail for DumpDetected.
type DumpEvidence struct {
	Symbol         string
	PositionID     string
	VolumeReversal bool
	OrderFlowFlip  bool
	MomentumBreak  bool
}

// CorrelatedDumpEvent is the payload for CorrelatedDumpDetected.
type CorrelatedDumpEvent struct {
	Leader  string
	DropPct float64
	Closed  []string // position ids force-closed
}

// HealthReport is the payload for PortfolioHealthDegraded.
type HealthReport struct {
	Score   float64
	Actions []string
}

// BreakerEvent is the payload for CircuitBreakerTriggered.
type BreakerEvent struct {
	Level       int
	DailyPnLPct float64
}

// runPolicies evaluates the five portfolio sub-policies. Each failure is
// isolated; two consecutive failures of the same policy raise SystemError.
func (m *Monitor) runPolicies(ctx context.Context) {
	policies := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"dump-detector", m.checkDumps},
		{"correlated-dump", m.checkCorrelatedDump},
		{"portfolio-health", m.checkHealth},
		{"circuit-breaker", m.checkDrawdown},
		{"hold-time", m.checkHoldTimes},
	}

	for _, p := range policies {
		err := runIsolated(ctx, p.fn)
		if err != nil {
			log.Printf("position: policy %s failed: %v", p.name, err)
			m.policyFailures[p.name]++
			if m.policyFailures[p.name] >= 2 {
				m.Bus.Publish(events.New(events.EventSystemError, events.SystemError{
					Component: "position-monitor",
					Reason:    "policy_failure",
					Detail:    fmt.Sprintf("%s failed %d consecutive runs: %v", p.name, m.policyFailures[p.name], err),
				}))
			}
			continue
		}
		m.policyFailures[p.name] = 0
	}
}

func runIsolated(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// --- 1. dump detector ---

// checkDumps evaluates three dump signals per open position; two of three
// force the close without waiting for the trailing stop.
func (m *Monitor) checkDumps(ctx context.Context) error {
	for _, mp := range m.snapshotManaged() {
		mp.mu.Lock()
		pos := mp.pos
		mp.mu.Unlock()
		if pos.State != types.PositionOpen {
			continue
		}

		ev, err := m.dumpSignals(ctx, pos)
		if err != nil {
			return err
		}
		fired := 0
		for _, b := range []bool{ev.VolumeReversal, ev.OrderFlowFlip, ev.MomentumBreak} {
			if b {
				fired++
			}
		}
		if fired >= dumpSignalsRequired {
			log.Printf("position: dump detected on %s (volume=%v flip=%v momentum=%v)",
				pos.Pair.Symbol, ev.VolumeReversal, ev.OrderFlowFlip, ev.MomentumBreak)
			m.Bus.Publish(events.New(events.EventDumpDetected, ev))
			m.forceClose(mp, types.ExitDumpDetected)
		}
	}
	return nil
}

func (m *Monitor) dumpSignals(ctx context.Context, pos types.Position) (DumpEvidence, error) {
	ev := DumpEvidence{Symbol: pos.Pair.Symbol, PositionID: pos.ID}

	d, err := m.Pool.Acquire(pos.Pair)
	if err != nil {
		return ev, err
	}
	defer m.Pool.Release(d)

	adverse := pos.Side == types.Long // adverse flow for LONG is selling

	// Volume reversal: three consecutive 1m candles with adverse volume
	// dominating.
	candles, err := d.RecentCandles(ctx, types.TF1m, 6)
	if err != nil {
		return ev, err
	}
	if len(candles) >= 3 {
		last3 := candles[len(candles)-3:]
		reversal := true
		for _, c := range last3 {
			if adverse && c.SellVolume <= c.BuyVolume {
				reversal = false
			}
			if !adverse && c.BuyVolume <= c.SellVolume {
				reversal = false
			}
		}
		ev.VolumeReversal = reversal
	}

	// Order-flow flip: dominance crossed from favorable to adverse within
	// the flip window.
	flows, err := d.LatestOrderFlow(ctx, 64)
	if err != nil {
		return ev, err
	}
	cutoff := time.Now().Add(-dumpFlipWindow)
	var sawFavorable, sawAdverseAfter bool
	for _, f := range flows {
		if f.Timestamp.Before(cutoff) || !f.ImbalanceOK {
			continue
		}
		favorable := f.Imbalance >= dumpFlipDominance       // buy-dominant
		adverseDom := f.Imbalance <= 1/dumpFlipDominance    // sell-dominant
		if !adverse {
			favorable, adverseDom = adverseDom, favorable
		}
		if favorable && !sawAdverseAfter {
			sawFavorable = true
		}
		if adverseDom && sawFavorable {
			sawAdverseAfter = true
		}
	}
	ev.OrderFlowFlip = sawFavorable && sawAdverseAfter

	// Momentum break: price beyond half a percent off the recent extreme.
	if len(candles) > 0 && pos.LastPrice > 0 {
		if adverse {
			high := candles[0].High
			for _, c := range candles {
				if c.High > high {
					high = c.High
				}
			}
			ev.MomentumBreak = pos.LastPrice < high*(1-dumpMomentumBreakPct)
		} else {
			low := candles[0].Low
			for _, c := range candles {
				if c.Low < low {
					low = c.Low
				}
			}
			ev.MomentumBreak = pos.LastPrice > low*(1+dumpMomentumBreakPct)
		}
	}

	return ev, nil
}

// --- 2. correlated-dump exit ---

// checkCorrelatedDump closes correlated positions when a market leader drops
// hard inside the rolling window.
func (m *Monitor) checkCorrelatedDump(context.Context) error {
	leader, drop := m.leaders.worstDrop()
	if leader == "" || drop < m.LeaderDropPct {
		return nil
	}

	ev := CorrelatedDumpEvent{Leader: leader, DropPct: drop * 100}
	for _, mp := range m.snapshotManaged() {
		mp.mu.Lock()
		pos := mp.pos
		mp.mu.Unlock()
		if pos.State != types.PositionOpen {
			continue
		}
		corr := m.Params.Correlation[pos.AssetClass]
		if corr >= correlationCloseFloor {
			ev.Closed = append(ev.Closed, pos.ID)
			m.forceClose(mp, types.ExitCorrelatedDump)
		}
	}

	log.Printf("position: correlated dump via %s (-%.2f%%), closing %d positions",
		leader, drop*100, len(ev.Closed))
	m.Bus.Publish(events.New(events.EventCorrelatedDump, ev))
	return nil
}

// --- 3. portfolio health ---

// checkHealth scores the portfolio and acts on the banded thresholds.
func (m *Monitor) checkHealth(context.Context) error {
	open := m.Open()
	if len(open) == 0 {
		m.mu.Lock()
		m.health.score = 100
		m.mu.Unlock()
		return nil
	}

	score := m.healthScore(open)

	m.mu.Lock()
	m.health.score = score
	firstCross := score < m.Params.HealthStopNew && !m.health.stopNewOn
	m.health.stopNewOn = score < m.Params.HealthStopNew
	m.mu.Unlock()

	var actions []string
	if score < m.Params.HealthStopNew {
		actions = append(actions, "stop_new_entries")
		if firstCross {
			m.Bus.Publish(events.New(events.EventStopNewEntries, nil))
		}
	}

	if score < m.Params.HealthTighten {
		actions = append(actions, "tighten_trailing")
		m.tightenAll(0.003)
	}

	if score < m.Params.HealthClose {
		actions = append(actions, "close_worst_two")
		m.closeWorst(2, types.ExitHealthForced)
	}

	if len(actions) > 0 {
		log.Printf("position: portfolio health %.1f, actions %v", score, actions)
		m.Bus.Publish(events.New(events.EventHealthDegraded, HealthReport{Score: score, Actions: actions}))
	}
	return nil
}

// healthScore combines PnL, win quality, concentration and hold-time spread
// into [0,100].
func (m *Monitor) healthScore(open []types.Position) float64 {
	equity := m.equityBase()

	var totalPnL, exposure float64
	exposureBySymbol := make(map[string]float64)
	inProfit := 0
	now := time.Now()
	var nearMaxAge int
	for _, p := range open {
		totalPnL += p.UnrealizedPnL
		notional := p.EntryPrice * p.Quantity
		exposure += notional
		exposureBySymbol[p.Pair.Symbol] += notional
		if p.UnrealizedPnL > 0 {
			inProfit++
		}
		if maxHold := m.Params.MaxHold[p.AssetClass]; maxHold > 0 {
			if now.Sub(p.EntryTime) > maxHold*3/4 {
				nearMaxAge++
			}
		}
	}

	// 40%: unrealized PnL normalized linearly between -5% and +5% of equity.
	pnlPct := 0.0
	if equity > 0 {
		pnlPct = totalPnL / equity * 100
	}
	pnlScore := (pnlPct + 5) / 10 * 100
	if pnlScore < 0 {
		pnlScore = 0
	}
	if pnlScore > 100 {
		pnlScore = 100
	}

	// 30%: share of positions in profit.
	winScore := float64(inProfit) / float64(len(open)) * 100

	// 20%: concentration penalty from the largest single-symbol share.
	concScore := 100.0
	if exposure > 0 {
		var maxShare float64
		for _, v := range exposureBySymbol {
			if share := v / exposure; share > maxShare {
				maxShare = share
			}
		}
		concScore = 100 - maxShare*100
	}

	// 10%: hold-time spread, penalizing when everything is near max age.
	holdScore := 100 - float64(nearMaxAge)/float64(len(open))*100

	return 0.4*pnlScore + 0.3*winScore + 0.2*concScore + 0.1*holdScore
}

func (m *Monitor) tightenAll(distance float64) {
	for _, mp := range m.snapshotManaged() {
		mp.mu.Lock()
		if mp.pos.State == types.PositionOpen {
			tighten(&mp.pos, distance)
		}
		mp.mu.Unlock()
	}
}

// closeWorst force-closes the n positions with the lowest unrealized PnL.
func (m *Monitor) closeWorst(n int, reason string) {
	type ranked struct {
		mp  *managed
		pnl float64
	}
	var list []ranked
	for _, mp := range m.snapshotManaged() {
		mp.mu.Lock()
		if mp.pos.State == types.PositionOpen {
			list = append(list, ranked{mp: mp, pnl: mp.pos.UnrealizedPnL})
		}
		mp.mu.Unlock()
	}
	sort.Slice(list, func(i, j int) bool { return list[i].pnl < list[j].pnl })
	for i := 0; i < n && i < len(list); i++ {
		m.forceClose(list[i].mp, reason)
	}
}

// --- 4. drawdown circuit breaker ---

// checkDrawdown compares the day's PnL to start-of-day equity and fires the
// latched breaker levels.
func (m *Monitor) checkDrawdown(context.Context) error {
	m.rollTradingDay()

	m.mu.RLock()
	dayStart := m.dayStartEquity
	realized := m.realizedToday
	m.mu.RUnlock()
	if dayStart <= 0 {
		return nil
	}

	var unrealized float64
	open := m.Open()
	for _, p := range open {
		unrealized += p.UnrealizedPnL
	}
	pnlPct := (realized + unrealized) / dayStart * 100

	levels := m.Params.BreakerLevels
	level := 0
	switch {
	case len(levels) == 3 && pnlPct <= -levels[2]:
		level = 3
	case len(levels) >= 2 && pnlPct <= -levels[1]:
		level = 2
	case len(levels) >= 1 && pnlPct <= -levels[0]:
		level = 1
	}
	m.mu.Lock()
	if level == 0 || level <= m.breaker.level {
		m.mu.Unlock()
		return nil // latched for the day until a manual reset
	}
	m.breaker.level = level
	if level == 3 {
		m.breaker.stopped = true
	}
	m.mu.Unlock()

	log.Printf("position: circuit breaker level %d (daily pnl %.2f%%)", level, pnlPct)
	m.Bus.Publish(events.New(events.EventCircuitBreaker, BreakerEvent{Level: level, DailyPnLPct: pnlPct}))
	m.Bus.Publish(events.New(events.EventStopNewEntries, nil))

	switch level {
	case 1:
		m.closeWorst((len(open)+1)/2, types.ExitCircuitBreaker)
	case 2:
		m.closeWorst(len(open), types.ExitCircuitBreaker)
	case 3:
		m.closeWorst(len(open), types.ExitCircuitBreaker)
		m.Bus.Publish(events.New(events.EventStopAllTrading, nil))
	}
	return nil
}

// ResetBreaker clears the latched breaker; operator action only.
func (m *Monitor) ResetBreaker() {
	m.mu.Lock()
	m.breaker = breakerState{}
	m.mu.Unlock()
	log.Println("position: circuit breaker manually reset")
}

// BreakerLevel reports the latched breaker level, 0 when clear.
func (m *Monitor) BreakerLevel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breaker.level
}

// HealthScore reports the last computed portfolio health score.
func (m *Monitor) HealthScore() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health.score
}

// rollTradingDay resets daily tracking at midnight. The breaker latch
// survives until the manual reset.
func (m *Monitor) rollTradingDay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	today := startOfDay(time.Now())
	if today.After(m.dayAnchor) {
		m.dayAnchor = today
		m.dayStartEquity += m.realizedToday
		m.realizedToday = 0
	}
}

// equityBase approximates current equity for normalization.
func (m *Monitor) equityBase() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dayStartEquity + m.realizedToday
}

// --- 5. hold-time enforcer ---

// checkHoldTimes closes positions past their asset-class maximum age.
func (m *Monitor) checkHoldTimes(context.Context) error {
	now := time.Now()
	for _, mp := range m.snapshotManaged() {
		mp.mu.Lock()
		pos := mp.pos
		mp.mu.Unlock()
		if pos.State != types.PositionOpen {
			continue
		}
		maxHold := m.Params.MaxHold[pos.AssetClass]
		if maxHold <= 0 {
			continue
		}
		if held := now.Sub(pos.EntryTime); held > maxHold {
			log.Printf("position: %s held %v, max %v for %s", pos.Pair.Symbol, held.Round(time.Second), maxHold, pos.AssetClass)
			m.Bus.Publish(events.New(events.EventMaxHoldTimeExceeded, pos))
			m.forceClose(mp, types.ExitMaxHoldTime)
		}
	}
	return nil
}

// snapshotManaged returns the managed entries under a short global lock.
func (m *Monitor) snapshotManaged() []*managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managed, 0, len(m.positions))
	for _, mp := range m.positions {
		out = append(out, mp)
	}
	return out
}
