// Package common defines the venue adapter contract. Concrete venue
// REST/RPC implementations live outside the core; the engine depends only on
// the Gateway interface and the error taxonomy.
package common

import (
	"context"
	"time"

	"confluence-core/pkg/types"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusActive    OrderStatus = "ACTIVE"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	ClientID   string
	Pair       types.Pair
	Side       types.Side
	Type       OrderType
	Quantity   float64
	LimitPrice float64 // required for LIMIT
	StopPrice  float64 // required for STOP
	ReduceOnly bool
}

// VenueOrder is the venue's view of an order.
type VenueOrder struct {
	VenueID      string
	ClientID     string
	Symbol       string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	UpdatedAt    time.Time
}

// VenuePosition is an authoritative open position reported by a venue.
type VenuePosition struct {
	Symbol     string
	Side       types.Side
	Quantity   float64
	EntryPrice float64
}

// Ticker is a venue price snapshot.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// SymbolInfo describes venue trading rules for a symbol.
type SymbolInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Gateway abstracts a trading venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (VenueOrder, error)
	CancelOrder(ctx context.Context, symbol, venueID string) error
	GetOrder(ctx context.Context, symbol, venueID string) (VenueOrder, error)
	GetBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]VenuePosition, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}
