package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"confluence-core/pkg/types"
)

// Write API. Callers batch by reusing one acquired handle for multiple
// writes to the same pair; each handle serializes its own writes.

// InsertTick appends one trade print.
func (d *PairDB) InsertTick(ctx context.Context, t types.Tick) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO ticks (timestamp, price, volume, side, trade_id) VALUES (?, ?, ?, ?, ?)`,
		t.Timestamp.UnixMilli(), t.Price, t.Volume, string(t.Side), t.TradeID)
	if err != nil {
		return fmt.Errorf("insert tick: %w", err)
	}
	return nil
}

// InsertTicks writes a batch of ticks in one transaction.
func (d *PairDB) InsertTicks(ctx context.Context, ticks []types.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tick batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ticks (timestamp, price, volume, side, trade_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare tick batch: %w", err)
	}
	defer stmt.Close()
	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Timestamp.UnixMilli(), t.Price, t.Volume, string(t.Side), t.TradeID); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert tick batch: %w", err)
		}
	}
	return tx.Commit()
}

func candleTable(tf types.Timeframe) string {
	switch tf {
	case types.TF5m:
		return "candles_5m"
	case types.TF15m:
		return "candles_15m"
	default:
		return "candles_1m"
	}
}

// UpsertCandle writes or replaces a candle keyed by open_time.
func (d *PairDB) UpsertCandle(ctx context.Context, c types.Candle) error {
	_, err := d.DB.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (open_time, open, high, low, close, volume, buy_volume, sell_volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(open_time) DO UPDATE SET
		   open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
		   volume=excluded.volume, buy_volume=excluded.buy_volume, sell_volume=excluded.sell_volume`,
		candleTable(c.Timeframe)),
		c.OpenTime.UnixMilli(), c.Open, c.High, c.Low, c.Close, c.Volume, c.BuyVolume, c.SellVolume)
	if err != nil {
		return fmt.Errorf("upsert candle %s: %w", c.Timeframe, err)
	}
	return nil
}

// InsertOrderFlow appends one order flow sample. An undefined imbalance is
// stored as NULL.
func (d *PairDB) InsertOrderFlow(ctx context.Context, of types.OrderFlow) error {
	imbalance := sql.NullFloat64{Float64: of.Imbalance, Valid: of.ImbalanceOK}
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO order_flow (timestamp, cvd, imbalance, buy_volume, sell_volume, net_volume)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		of.Timestamp.UnixMilli(), of.CVD, imbalance, of.BuyVolume, of.SellVolume, of.NetVolume)
	if err != nil {
		return fmt.Errorf("insert order flow: %w", err)
	}
	return nil
}

// InsertProfile appends one market profile sample with its histogram.
func (d *PairDB) InsertProfile(ctx context.Context, mp types.MarketProfile) error {
	blob, err := json.Marshal(mp.Histogram)
	if err != nil {
		return fmt.Errorf("marshal histogram: %w", err)
	}
	_, err = d.DB.ExecContext(ctx,
		`INSERT INTO market_profile (timestamp, poc, vah, val, histogram_blob) VALUES (?, ?, ?, ?, ?)`,
		mp.Timestamp.UnixMilli(), mp.POC, mp.VAH, mp.VAL, blob)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

// UpsertZone writes or updates a supply/demand zone.
func (d *PairDB) UpsertZone(ctx context.Context, z types.Zone) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO supply_demand_zones (id, type, price_low, price_high, strength, test_count, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   strength=excluded.strength, test_count=excluded.test_count, state=excluded.state`,
		z.ID, string(z.Type), z.PriceLow, z.PriceHigh, z.Strength, z.TestCount, string(z.State), z.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert zone: %w", err)
	}
	return nil
}

// UpsertFVG writes or updates a fair value gap.
func (d *PairDB) UpsertFVG(ctx context.Context, g types.FairValueGap) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO fair_value_gaps (id, direction, gap_low, gap_high, fill_pct, filled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET fill_pct=excluded.fill_pct, filled=excluded.filled`,
		g.ID, string(g.Direction), g.GapLow, g.GapHigh, g.FillPct, string(g.Filled), g.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert fvg: %w", err)
	}
	return nil
}

// PositionAudit is the execution-local audit row; the authoritative position
// store is the position monitor.
type PositionAudit struct {
	ID          string
	Side        string
	EntryPrice  float64
	Quantity    float64
	EntryTime   time.Time
	State       string
	ExitReason  string
	RealizedPnL sql.NullFloat64
}

// UpsertPositionAudit records the current state of a position.
func (d *PairDB) UpsertPositionAudit(ctx context.Context, p PositionAudit) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO positions (id, side, entry_price, quantity, entry_time, state, exit_reason, realized_pnl, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   quantity=excluded.quantity, state=excluded.state,
		   exit_reason=excluded.exit_reason, realized_pnl=excluded.realized_pnl,
		   updated_at=excluded.updated_at`,
		p.ID, p.Side, p.EntryPrice, p.Quantity, p.EntryTime.UnixMilli(),
		p.State, p.ExitReason, p.RealizedPnL, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert position audit: %w", err)
	}
	return nil
}

// InsertTradeHistory appends one executed trade for audit.
func (d *PairDB) InsertTradeHistory(ctx context.Context, id, orderID, side string, price, qty, fee float64) error {
	_, err := d.DB.ExecContext(ctx,
		`INSERT INTO trades_history (id, order_id, side, price, qty, fee, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, orderID, side, price, qty, fee, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert trade history: %w", err)
	}
	return nil
}
