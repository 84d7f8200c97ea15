// Package sim implements the venue gateway contract against an in-memory
// book. It exists so the execution path can run end to end without network
// access; fills, latency, slippage and failures are all configurable.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"confluence-core/pkg/exchanges/common"
	"confluence-core/pkg/types"
)

// Request weights mirror typical venue accounting: orders cost more budget
// than queries.
const (
	orderWeight = 2
	queryWeight = 1
)

// Config tunes the simulated venue.
type Config struct {
	Venue          string
	InitialBalance float64
	FeeRate        float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps    float64 // basis points applied against the taker
	FillDelay      time.Duration
	PartialFirst   bool // report PARTIAL once before FILLED
	RequestsPerSec float64
}

var _ common.Gateway = (*Gateway)(nil)

// Gateway is the simulated venue.
type Gateway struct {
	cfg     Config
	limiter *rate.Limiter
	usage   *common.UsageTracker
	rng     *rand.Rand

	mu        sync.Mutex
	balance   float64
	prices    map[string]float64
	orders    map[string]*simOrder
	positions map[string]common.VenuePosition
	failNext  error
}

type simOrder struct {
	order    common.VenueOrder
	placedAt time.Time
	reported int // GetOrder polls answered so far
}

// New creates a simulated gateway.
func New(cfg Config) *Gateway {
	if cfg.Venue == "" {
		cfg.Venue = "sim"
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 50
	}
	return &Gateway{
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)),
		usage:     common.NewUsageTracker(1200, time.Minute),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		balance:   cfg.InitialBalance,
		prices:    make(map[string]float64),
		orders:    make(map[string]*simOrder),
		positions: make(map[string]common.VenuePosition),
	}
}

// SetPrice moves the simulated mark for a symbol.
func (g *Gateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

// FailNext makes the next PlaceOrder return err once. Used by tests and
// fault drills.
func (g *Gateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

// SeedPosition installs an authoritative venue position (reconciliation
// drills).
func (g *Gateway) SeedPosition(p common.VenuePosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[p.Symbol] = p
}

// PlaceOrder fills market orders at the mark plus slippage.
func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.VenueOrder, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return common.VenueOrder{}, &common.VenueError{Kind: common.KindTransient, Venue: g.cfg.Venue, Msg: "rate wait", Err: err}
	}
	g.usage.Record(orderWeight)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return common.VenueOrder{}, err
	}

	// Idempotent per client id: a replay returns the existing order.
	if existing, ok := g.orders[req.ClientID]; ok {
		return existing.order, nil
	}

	price, ok := g.prices[req.Pair.Symbol]
	if !ok {
		return common.VenueOrder{}, common.NewVenueError(common.KindInvalidOrder, g.cfg.Venue,
			fmt.Sprintf("unknown symbol %s", req.Pair.Symbol))
	}
	if req.Quantity <= 0 {
		return common.VenueOrder{}, common.NewVenueError(common.KindInvalidOrder, g.cfg.Venue, "quantity must be positive")
	}

	slip := price * g.cfg.SlippageBps / 10000 * g.rng.Float64()
	fillPrice := price + slip
	if req.Side == types.SideSell {
		fillPrice = price - slip
	}

	notional := fillPrice * req.Quantity
	fee := notional * g.cfg.FeeRate
	if req.Side == types.SideBuy && !req.ReduceOnly && notional+fee > g.balance {
		return common.VenueOrder{}, common.NewVenueError(common.KindInsufficientBalance, g.cfg.Venue,
			fmt.Sprintf("need %.2f, have %.2f", notional+fee, g.balance))
	}

	vo := common.VenueOrder{
		VenueID:      uuid.NewString(),
		ClientID:     req.ClientID,
		Symbol:       req.Pair.Symbol,
		Status:       common.StatusNew,
		UpdatedAt:    time.Now(),
	}
	so := &simOrder{order: vo, placedAt: time.Now()}
	g.orders[req.ClientID] = so
	g.orders[vo.VenueID] = so

	// Fills resolve on subsequent GetOrder polls when a delay is set.
	so.order.FilledQty = req.Quantity
	so.order.AvgFillPrice = fillPrice
	if g.cfg.FillDelay == 0 && !g.cfg.PartialFirst {
		so.order.Status = common.StatusFilled
	}
	g.applyFill(req, fillPrice, fee)

	return so.order, nil
}

func (g *Gateway) applyFill(req common.OrderRequest, fillPrice, fee float64) {
	notional := fillPrice * req.Quantity
	if req.Side == types.SideBuy {
		g.balance -= notional + fee
	} else {
		g.balance += notional - fee
	}

	pos := g.positions[req.Pair.Symbol]
	if pos.Symbol == "" {
		pos = common.VenuePosition{Symbol: req.Pair.Symbol, Side: req.Side, EntryPrice: fillPrice}
	}
	if pos.Side == req.Side {
		total := pos.Quantity + req.Quantity
		if total > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + fillPrice*req.Quantity) / total
		}
		pos.Quantity = total
	} else {
		pos.Quantity -= req.Quantity
		if pos.Quantity <= 1e-9 {
			delete(g.positions, req.Pair.Symbol)
			return
		}
	}
	g.positions[req.Pair.Symbol] = pos
}

// GetOrder reports fill progress, honoring FillDelay and PartialFirst.
func (g *Gateway) GetOrder(ctx context.Context, symbol, venueID string) (common.VenueOrder, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return common.VenueOrder{}, &common.VenueError{Kind: common.KindTransient, Venue: g.cfg.Venue, Msg: "rate wait", Err: err}
	}
	g.usage.Record(queryWeight)

	g.mu.Lock()
	defer g.mu.Unlock()

	so, ok := g.orders[venueID]
	if !ok {
		return common.VenueOrder{}, common.NewVenueError(common.KindOrderNotFound, g.cfg.Venue, venueID)
	}

	if so.order.Status != common.StatusFilled {
		elapsed := time.Since(so.placedAt)
		switch {
		case elapsed < g.cfg.FillDelay:
			// still working
		case g.cfg.PartialFirst && so.reported == 0:
			so.order.Status = common.StatusPartial
			so.reported++
		default:
			so.order.Status = common.StatusFilled
		}
	}
	return so.order, nil
}

// CancelOrder cancels a resting order.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, venueID string) error {
	g.usage.Record(orderWeight)
	g.mu.Lock()
	defer g.mu.Unlock()
	so, ok := g.orders[venueID]
	if !ok {
		return common.NewVenueError(common.KindOrderNotFound, g.cfg.Venue, venueID)
	}
	if so.order.Status == common.StatusFilled {
		return common.NewVenueError(common.KindInvalidOrder, g.cfg.Venue, "order already filled")
	}
	so.order.Status = common.StatusCancelled
	return nil
}

// GetBalance returns the quote balance.
func (g *Gateway) GetBalance(ctx context.Context) (float64, error) {
	g.usage.Record(queryWeight)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

// GetPositions returns the authoritative open positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]common.VenuePosition, error) {
	g.usage.Record(queryWeight)
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.VenuePosition, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p)
	}
	return out, nil
}

// GetTicker returns the simulated mark.
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	g.usage.Record(queryWeight)
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.prices[symbol]
	if !ok {
		return common.Ticker{}, common.NewVenueError(common.KindInvalidOrder, g.cfg.Venue,
			fmt.Sprintf("unknown symbol %s", symbol))
	}
	return common.Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, Time: time.Now()}, nil
}

// GetSymbolInfo returns fixed trading rules.
func (g *Gateway) GetSymbolInfo(ctx context.Context, symbol string) (common.SymbolInfo, error) {
	g.usage.Record(queryWeight)
	return common.SymbolInfo{Symbol: symbol, TickSize: 0.01, StepSize: 1e-6, MinQty: 1e-6, MinNotional: 5}, nil
}

// Usage reports weight spent against the venue budget in the current
// window, for the status surface.
func (g *Gateway) Usage() (used, limit int) {
	return g.usage.Usage()
}
