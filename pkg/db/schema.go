package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS ticks (
    timestamp INTEGER NOT NULL,
    price REAL NOT NULL,
    volume REAL NOT NULL,
    side TEXT NOT NULL,
    trade_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_ticks_timestamp ON ticks(timestamp);

CREATE TABLE IF NOT EXISTS candles_1m (
    open_time INTEGER PRIMARY KEY,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    buy_volume REAL DEFAULT 0,
    sell_volume REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS candles_5m (
    open_time INTEGER PRIMARY KEY,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    buy_volume REAL DEFAULT 0,
    sell_volume REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS candles_15m (
    open_time INTEGER PRIMARY KEY,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL,
    buy_volume REAL DEFAULT 0,
    sell_volume REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS order_flow (
    timestamp INTEGER NOT NULL,
    cvd REAL NOT NULL,
    imbalance REAL,
    buy_volume REAL NOT NULL,
    sell_volume REAL NOT NULL,
    net_volume REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_flow_timestamp ON order_flow(timestamp);

CREATE TABLE IF NOT EXISTS market_profile (
    timestamp INTEGER NOT NULL,
    poc REAL NOT NULL,
    vah REAL NOT NULL,
    val REAL NOT NULL,
    histogram_blob BLOB
);
CREATE INDEX IF NOT EXISTS idx_market_profile_timestamp ON market_profile(timestamp);

CREATE TABLE IF NOT EXISTS supply_demand_zones (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    price_low REAL NOT NULL,
    price_high REAL NOT NULL,
    strength REAL NOT NULL,
    test_count INTEGER DEFAULT 0,
    state TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fair_value_gaps (
    id TEXT PRIMARY KEY,
    direction TEXT NOT NULL,
    gap_low REAL NOT NULL,
    gap_high REAL NOT NULL,
    fill_pct REAL DEFAULT 0,
    filled TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    entry_time INTEGER NOT NULL,
    state TEXT NOT NULL,
    exit_reason TEXT,
    realized_pnl REAL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades_history (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    fee REAL DEFAULT 0,
    created_at INTEGER NOT NULL
);
`

// migrate bootstraps the per-pair schema; keep lightweight for fast startup.
func (d *PairDB) migrate() error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema for %s: %w", d.Pair, err)
	}
	return nil
}
