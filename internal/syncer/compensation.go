package syncer

import (
	"sync"
	"time"
)

// CompensationQueue collects symbols whose exposure shrank since the last
// pass. Requests for the same symbol coalesce to the earliest start.
type CompensationQueue struct {
	mu       sync.Mutex
	pending  map[string]time.Time
	lookback time.Duration
	now      func() time.Time
}

// NewCompensationQueue bounds every request to lookback before now.
func NewCompensationQueue(lookback time.Duration) *CompensationQueue {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &CompensationQueue{pending: make(map[string]time.Time), lookback: lookback, now: time.Now}
}

// Request schedules symbol for compensation starting at since. A zero or
// too old since is clamped to the lookback.
func (q *CompensationQueue) Request(symbol string, since time.Time) {
	floor := q.now().Add(-q.lookback)
	if since.IsZero() || since.Before(floor) {
		since = floor
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.pending[symbol]; !ok || since.Before(cur) {
		q.pending[symbol] = since
	}
}

// Drain returns and clears the pending requests.
func (q *CompensationQueue) Drain() map[string]time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = make(map[string]time.Time)
	return out
}

// Len is the number of symbols waiting.
func (q *CompensationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
