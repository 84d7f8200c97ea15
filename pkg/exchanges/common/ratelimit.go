package common

import (
	"strconv"
	"sync"
	"time"
)

// UsageTracker paces requests against a venue's weight budget over a rolling
// window. Callers record the weight of requests they issue; when the venue
// reports its own absolute usage (response header), Observe folds it in and
// the higher of the two readings wins. The window resets once its span has
// elapsed, mirroring venue-side accounting.
type UsageTracker struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	start  time.Time
	used   int
}

// NewUsageTracker creates a tracker for the given weight budget per window
// (e.g. 1200 per minute).
func NewUsageTracker(limit int, window time.Duration) *UsageTracker {
	if limit <= 0 {
		limit = 1200
	}
	if window <= 0 {
		window = time.Minute
	}
	return &UsageTracker{limit: limit, window: window, start: time.Now()}
}

// roll resets the window when its span has elapsed. Callers hold the lock.
func (t *UsageTracker) roll(now time.Time) {
	if now.Sub(t.start) >= t.window {
		t.start = now
		t.used = 0
	}
}

// Record adds locally issued request weight.
func (t *UsageTracker) Record(weight int) {
	if weight <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(time.Now())
	t.used += weight
}

// Observe folds in a venue-reported absolute usage value, as carried in
// weight headers. Unparseable values are ignored.
func (t *UsageTracker) Observe(header string) {
	n, err := strconv.Atoi(header)
	if err != nil || n < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(time.Now())
	if n > t.used {
		t.used = n
	}
}

// Usage returns the weight spent in the current window and the budget.
func (t *UsageTracker) Usage() (used, limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll(time.Now())
	return t.used, t.limit
}

// NearLimit reports usage at or above 80% of the budget, the point where
// callers should start shedding non-essential requests.
func (t *UsageTracker) NearLimit() bool {
	used, limit := t.Usage()
	return used*5 >= limit*4
}
