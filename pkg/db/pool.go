package db

import (
	"container/list"
	"fmt"
	"log"
	"sync"
	"time"

	"confluence-core/pkg/types"
)

// PoolStats is a read-only view of pool counters.
type PoolStats struct {
	Open        int
	Capacity    int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Utilization float64
}

type poolEntry struct {
	db      *PairDB
	element *list.Element // position in the LRU list; nil while held
}

// Pool is a global LRU cache of pair database handles. Handles are exclusive
// while held: Acquire removes the handle from the eviction list and Release
// puts it back. Release never closes; only eviction does.
type Pool struct {
	mu      sync.Mutex
	baseDir string
	cap     int
	entries map[types.Pair]*poolEntry
	lru     *list.List // least recently used at the back

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewPool creates a pool with at most capacity open pair databases.
func NewPool(baseDir string, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 200
	}
	return &Pool{
		baseDir: baseDir,
		cap:     capacity,
		entries: make(map[types.Pair]*poolEntry),
		lru:     list.New(),
	}
}

// Acquire returns an open handle for the pair, creating it on miss and
// evicting the least recently used idle handle when the pool is full. A
// failed open is retried once before the error is surfaced.
func (p *Pool) Acquire(pair types.Pair) (*PairDB, error) {
	p.mu.Lock()
	if e, ok := p.entries[pair]; ok {
		p.hits++
		e.db.refs++
		if e.element != nil {
			p.lru.Remove(e.element)
			e.element = nil
		}
		p.mu.Unlock()
		return e.db, nil
	}
	p.misses++

	if len(p.entries) >= p.cap {
		p.evictLocked()
	}
	p.mu.Unlock()

	// Open outside the pool lock; opening touches the filesystem.
	d, err := open(p.baseDir, pair)
	if err != nil {
		log.Printf("pool: open %s failed, retrying once: %v", pair, err)
		d, err = open(p.baseDir, pair)
		if err != nil {
			return nil, fmt.Errorf("pool: open %s: %w", pair, err)
		}
	}
	d.pool = p
	d.refs = 1
	d.lastUsed = time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.entries[pair]; ok {
		// Lost a race with a concurrent Acquire for the same pair.
		existing.db.refs++
		if existing.element != nil {
			p.lru.Remove(existing.element)
			existing.element = nil
		}
		go d.Close()
		return existing.db, nil
	}
	p.entries[pair] = &poolEntry{db: d}
	return d, nil
}

// Release returns a handle to the pool. The handle stays open and cached;
// it becomes an eviction candidate once no caller holds it.
func (p *Pool) Release(d *PairDB) {
	if d == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[d.Pair]
	if !ok || e.db != d {
		return
	}
	if e.db.refs > 0 {
		e.db.refs--
	}
	e.db.lastUsed = time.Now()
	if e.db.refs == 0 && e.element == nil {
		e.element = p.lru.PushFront(d.Pair)
	}
}

// evictLocked closes the least recently used idle handle. The pool lock is
// held; the pair's own handle is idle by construction, so no pair lock is
// taken during the close.
func (p *Pool) evictLocked() {
	back := p.lru.Back()
	if back == nil {
		return // every handle is held; allow temporary overshoot
	}
	pair := back.Value.(types.Pair)
	e := p.entries[pair]
	p.lru.Remove(back)
	delete(p.entries, pair)
	p.evictions++
	if err := e.db.Close(); err != nil {
		log.Printf("pool: close evicted %s: %v", pair, err)
	}
}

// Pairs lists every pair with an open handle.
func (p *Pool) Pairs() []types.Pair {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Pair, 0, len(p.entries))
	for pair := range p.entries {
		out = append(out, pair)
	}
	return out
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Open:        len(p.entries),
		Capacity:    p.cap,
		Hits:        p.hits,
		Misses:      p.misses,
		Evictions:   p.evictions,
		Utilization: float64(len(p.entries)) / float64(p.cap),
	}
}

// Close shuts every cached handle. Callers must have released their handles.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for pair, e := range p.entries {
		if err := e.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.entries, pair)
	}
	p.lru.Init()
	return firstErr
}
