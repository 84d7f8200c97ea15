package events

import "time"

// Type enumerates high-level topics inside the trading core.
type Type string

const (
	EventTradeTick           Type = "market.trade_tick"
	EventCandleCompleted     Type = "market.candle_completed"
	EventConnectionLost      Type = "market.connection_lost"
	EventAnalyticsUpdated    Type = "analytics.updated"
	EventSignalGenerated     Type = "decision.signal_generated"
	EventOrderPlaced         Type = "order.placed"
	EventOrderFilled         Type = "order.filled"
	EventOrderFailed         Type = "order.failed"
	EventOrderCancelled      Type = "order.cancelled"
	EventPositionOpened      Type = "position.opened"
	EventPositionClosed      Type = "position.closed"
	EventTrailingStopHit     Type = "position.trailing_stop_hit"
	EventClosePosition       Type = "position.close_requested"
	EventDumpDetected        Type = "risk.dump_detected"
	EventCorrelatedDump      Type = "risk.correlated_dump"
	EventHealthDegraded      Type = "risk.health_degraded"
	EventCircuitBreaker      Type = "risk.circuit_breaker"
	EventMaxHoldTimeExceeded Type = "risk.max_hold_time"
	EventStopNewEntries      Type = "risk.stop_new_entries"
	EventStopAllTrading      Type = "risk.stop_all_trading"
	EventSystemError         Type = "system.error"
)

// Event is an immutable envelope routed by the bus. The bus never mutates
// events; payloads are treated as value copies by consumers.
type Event struct {
	Type      Type
	Timestamp time.Time
	Payload   any
}

// New stamps a payload with its topic and the current time.
func New(t Type, payload any) Event {
	return Event{Type: t, Timestamp: time.Now(), Payload: payload}
}

// SystemError is the payload for EventSystemError.
type SystemError struct {
	Component string
	Reason    string
	Detail    string
	Fatal     bool
}

// ConnectionLost is the payload for EventConnectionLost.
type ConnectionLost struct {
	Venue string
	Since time.Time
}
