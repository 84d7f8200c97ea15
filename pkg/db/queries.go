package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"confluence-core/pkg/types"
)

// Read API: named query templates parameterized by lookback window. Every
// query runs against a single pair database.

// TicksSince returns ticks at or after the cutoff, oldest first.
func (d *PairDB) TicksSince(ctx context.Context, since time.Time) ([]types.Tick, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT timestamp, price, volume, side, trade_id FROM ticks
		 WHERE timestamp >= ? ORDER BY timestamp ASC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []types.Tick
	for rows.Next() {
		var (
			ts   int64
			t    types.Tick
			side string
		)
		if err := rows.Scan(&ts, &t.Price, &t.Volume, &side, &t.TradeID); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Timestamp = time.UnixMilli(ts)
		t.Side = types.Side(side)
		t.Pair = d.Pair
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentCandles returns the newest limit candles for a timeframe, oldest
// first.
func (d *PairDB) RecentCandles(ctx context.Context, tf types.Timeframe, limit int) ([]types.Candle, error) {
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT open_time, open, high, low, close, volume, buy_volume, sell_volume
		 FROM %s ORDER BY open_time DESC LIMIT ?`, candleTable(tf)), limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		var (
			ts int64
			c  types.Candle
		)
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.BuyVolume, &c.SellVolume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.OpenTime = time.UnixMilli(ts)
		c.Timeframe = tf
		c.Pair = d.Pair
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CVDWindow sums signed volume over the lookback window.
func (d *PairDB) CVDWindow(ctx context.Context, since time.Time) (buyVol, sellVol float64, err error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN side = 'BUY' THEN volume ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN side = 'SELL' THEN volume ELSE 0 END), 0)
		 FROM ticks WHERE timestamp >= ?`, since.UnixMilli())
	if err := row.Scan(&buyVol, &sellVol); err != nil {
		return 0, 0, fmt.Errorf("cvd window: %w", err)
	}
	return buyVol, sellVol, nil
}

// LatestOrderFlow returns the newest order flow samples, oldest first.
func (d *PairDB) LatestOrderFlow(ctx context.Context, limit int) ([]types.OrderFlow, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT timestamp, cvd, imbalance, buy_volume, sell_volume, net_volume
		 FROM order_flow ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query order flow: %w", err)
	}
	defer rows.Close()

	var out []types.OrderFlow
	for rows.Next() {
		var (
			ts  int64
			imb sql.NullFloat64
			of  types.OrderFlow
		)
		if err := rows.Scan(&ts, &of.CVD, &imb, &of.BuyVolume, &of.SellVolume, &of.NetVolume); err != nil {
			return nil, fmt.Errorf("scan order flow: %w", err)
		}
		of.Timestamp = time.UnixMilli(ts)
		of.Imbalance = imb.Float64
		of.ImbalanceOK = imb.Valid
		out = append(out, of)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ActiveZones returns unbroken zones, newest first.
func (d *PairDB) ActiveZones(ctx context.Context) ([]types.Zone, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, type, price_low, price_high, strength, test_count, state, created_at
		 FROM supply_demand_zones WHERE state != 'BROKEN' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	var out []types.Zone
	for rows.Next() {
		var (
			ts          int64
			z           types.Zone
			ztyp, state string
		)
		if err := rows.Scan(&z.ID, &ztyp, &z.PriceLow, &z.PriceHigh, &z.Strength, &z.TestCount, &state, &ts); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		z.Type = types.ZoneType(ztyp)
		z.State = types.ZoneState(state)
		z.CreatedAt = time.UnixMilli(ts)
		out = append(out, z)
	}
	return out, rows.Err()
}

// OpenFVGs returns gaps not yet fully filled, newest first.
func (d *PairDB) OpenFVGs(ctx context.Context) ([]types.FairValueGap, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT id, direction, gap_low, gap_high, fill_pct, filled, created_at
		 FROM fair_value_gaps WHERE filled != 'FILLED' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query fvgs: %w", err)
	}
	defer rows.Close()

	var out []types.FairValueGap
	for rows.Next() {
		var (
			ts        int64
			g         types.FairValueGap
			dir, fill string
		)
		if err := rows.Scan(&g.ID, &dir, &g.GapLow, &g.GapHigh, &g.FillPct, &fill, &ts); err != nil {
			return nil, fmt.Errorf("scan fvg: %w", err)
		}
		g.Direction = types.FVGDirection(dir)
		g.Filled = types.FVGFill(fill)
		g.CreatedAt = time.UnixMilli(ts)
		out = append(out, g)
	}
	return out, rows.Err()
}

// MultiTFCloses returns recent closes per timeframe for trend computation.
func (d *PairDB) MultiTFCloses(ctx context.Context, limit int) (map[types.Timeframe][]float64, error) {
	out := make(map[types.Timeframe][]float64, 3)
	for _, tf := range types.Timeframes() {
		candles, err := d.RecentCandles(ctx, tf, limit)
		if err != nil {
			return nil, err
		}
		closes := make([]float64, len(candles))
		for i, c := range candles {
			closes[i] = c.Close
		}
		out[tf] = closes
	}
	return out, nil
}

// CountTicksOlderThan supports the retention invariant check.
func (d *PairDB) CountTicksOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticks WHERE timestamp < ?`, cutoff.UnixMilli()).Scan(&n)
	return n, err
}

// LastTickTime returns the newest tick timestamp, or zero when empty.
func (d *PairDB) LastTickTime(ctx context.Context) (time.Time, error) {
	var ts sql.NullInt64
	err := d.DB.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM ticks`).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ts.Int64), nil
}
