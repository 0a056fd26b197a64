// Package quota counts conversions per user per calendar month.
package quota

import (
	"sync"
	"time"
)

// DefaultMonthlyLimit is the free-tier allowance.
const DefaultMonthlyLimit = 10

// Limiter is an in-memory monthly counter. Each user has an independent
// entry with its own lock, so concurrent increments for one user never
// lose updates and different users never wait on each other.
type Limiter struct {
	limit int
	now   func() time.Time
	users sync.Map // userID -> *entry
}

type entry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(limit int, opts ...Option) *Limiter {
	if limit < 0 {
		limit = 0
	}
	l := &Limiter{limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) entry(userID string) *entry {
	if e, ok := l.users.Load(userID); ok {
		return e.(*entry)
	}
	e, _ := l.users.LoadOrStore(userID, &entry{resetAt: l.now()})
	return e.(*entry)
}

// rollover resets the counter when now falls in a different calendar
// month than the last reset. Caller holds e.mu.
func (e *entry) rollover(now time.Time) {
	if now.Year() != e.resetAt.Year() || now.Month() != e.resetAt.Month() {
		e.count = 0
		e.resetAt = now
	}
}

// Allow reports whether userID may start another conversion.
func (l *Limiter) Allow(userID string) bool {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(l.now())
	return e.count < l.limit
}

func (l *Limiter) Increment(userID string) {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(l.now())
	e.count++
}

func (l *Limiter) Remaining(userID string) int {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(l.now())
	return max(0, l.limit-e.count)
}

// Used returns the number of conversions charged this month.
func (l *Limiter) Used(userID string) int {
	e := l.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover(l.now())
	return e.count
}
