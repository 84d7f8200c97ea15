// Package db implements the per-pair storage engine: one embedded SQLite
// database per trading pair, addressed by filesystem path, shared through a
// global LRU connection pool.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"confluence-core/pkg/types"
)

// FileName is the database file inside each pair directory. Symbol identity
// is the path, not a column.
const FileName = "trading.ddb"

// PairDB wraps the SQL handle for a single pair.
type PairDB struct {
	Pair types.Pair
	DB   *sql.DB

	pool     *Pool
	lastUsed time.Time
	refs     int
}

// PathFor returns the on-disk location of a pair database.
func PathFor(baseDir string, pair types.Pair) string {
	return filepath.Join(baseDir, pair.Venue, string(pair.Market), pair.Symbol, FileName)
}

// open creates (if needed) and opens the pair database.
func open(baseDir string, pair types.Pair) (*PairDB, error) {
	if pair.Venue == "" || pair.Market == "" || pair.Symbol == "" {
		return nil, errors.New("db: pair is incomplete")
	}

	path := PathFor(baseDir, pair)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create pair directory: %w", err)
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1) // SQLite prefers a single writer.
	handle.SetConnMaxLifetime(time.Hour)

	d := &PairDB{Pair: pair, DB: handle}
	if err := d.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying handle.
func (d *PairDB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
