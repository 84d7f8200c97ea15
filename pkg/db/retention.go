package db

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"confluence-core/pkg/types"
)

// RetentionPolicy carries per-table retention windows.
type RetentionPolicy struct {
	Ticks         time.Duration // default 15m
	Candles1m     time.Duration // default 15m
	CandlesHigher time.Duration // default 1h
	OrderFlow     time.Duration // default 15m
	MarketProfile time.Duration // default 15m
	FVG           time.Duration // default 24h
	MaxZones      int           // active zones kept per pair, default 50
}

// DefaultRetention returns the standard short retention windows.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Ticks:         15 * time.Minute,
		Candles1m:     15 * time.Minute,
		CandlesHigher: time.Hour,
		OrderFlow:     15 * time.Minute,
		MarketProfile: 15 * time.Minute,
		FVG:           24 * time.Hour,
		MaxZones:      50,
	}
}

// Cleaner deletes expired rows on a fixed cadence across every pair found on
// disk. A cycle is skipped when the previous one is still running.
type Cleaner struct {
	pool     *Pool
	baseDir  string
	policy   RetentionPolicy
	interval time.Duration
	onError  func(reason, detail string)

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCleaner creates the retention component. onError surfaces persistent
// storage failures (may be nil).
func NewCleaner(pool *Pool, baseDir string, policy RetentionPolicy, interval time.Duration, onError func(reason, detail string)) *Cleaner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if policy.MaxZones <= 0 {
		policy.MaxZones = 50
	}
	return &Cleaner{pool: pool, baseDir: baseDir, policy: policy, interval: interval, onError: onError}
}

// Name identifies the component.
func (c *Cleaner) Name() string { return "storage-cleaner" }

// Start launches the cleanup loop.
func (c *Cleaner) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop terminates the loop and waits for an in-flight cycle.
func (c *Cleaner) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes one cleanup cycle unless one is already in flight.
func (c *Cleaner) RunOnce(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		log.Println("retention: previous cycle still running, skipping")
		return
	}
	defer c.running.Store(false)

	pairs := c.discoverPairs()
	var deleted int64
	for _, pair := range pairs {
		n, err := c.cleanPair(ctx, pair)
		if err != nil {
			log.Printf("retention: clean %s: %v", pair, err)
			if c.onError != nil {
				c.onError("storage", err.Error())
			}
			continue
		}
		deleted += n
	}
	if deleted > 0 {
		log.Printf("retention: pruned %d rows across %d pairs", deleted, len(pairs))
	}
}

// discoverPairs unions the pool's open pairs with pair databases on disk.
func (c *Cleaner) discoverPairs() []types.Pair {
	seen := make(map[types.Pair]bool)
	for _, p := range c.pool.Pairs() {
		seen[p] = true
	}

	filepath.WalkDir(c.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Name() != FileName {
			return nil
		}
		rel, err := filepath.Rel(c.baseDir, filepath.Dir(path))
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) == 3 {
			seen[types.Pair{Venue: parts[0], Market: types.MarketType(parts[1]), Symbol: parts[2]}] = true
		}
		return nil
	})

	out := make([]types.Pair, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	return out
}

func (c *Cleaner) cleanPair(ctx context.Context, pair types.Pair) (int64, error) {
	d, err := c.pool.Acquire(pair)
	if err != nil {
		return 0, err
	}
	defer c.pool.Release(d)

	now := time.Now()
	var total int64

	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM ticks WHERE timestamp < ?`, []any{now.Add(-c.policy.Ticks).UnixMilli()}},
		{`DELETE FROM candles_1m WHERE open_time < ?`, []any{now.Add(-c.policy.Candles1m).UnixMilli()}},
		{`DELETE FROM candles_5m WHERE open_time < ?`, []any{now.Add(-c.policy.CandlesHigher).UnixMilli()}},
		{`DELETE FROM candles_15m WHERE open_time < ?`, []any{now.Add(-c.policy.CandlesHigher).UnixMilli()}},
		{`DELETE FROM order_flow WHERE timestamp < ?`, []any{now.Add(-c.policy.OrderFlow).UnixMilli()}},
		{`DELETE FROM market_profile WHERE timestamp < ?`, []any{now.Add(-c.policy.MarketProfile).UnixMilli()}},
		{`DELETE FROM supply_demand_zones WHERE state = 'BROKEN'`, nil},
		{`DELETE FROM supply_demand_zones WHERE id NOT IN (
		    SELECT id FROM supply_demand_zones ORDER BY created_at DESC LIMIT ?)`, []any{c.policy.MaxZones}},
		{`DELETE FROM fair_value_gaps WHERE filled = 'FILLED' OR created_at < ?`, []any{now.Add(-c.policy.FVG).UnixMilli()}},
	}

	for _, s := range steps {
		res, err := d.DB.ExecContext(ctx, s.query, s.args...)
		if err != nil {
			return total, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}
