package quota

import (
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestLimiterAllowAndRemaining(t *testing.T) {
	l := NewLimiter(3)

	if got := l.Remaining("u"); got != 3 {
		t.Fatalf("fresh remaining = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if !l.Allow("u") {
			t.Fatalf("denied at %d", i)
		}
		l.Increment("u")
	}
	if l.Allow("u") {
		t.Fatal("allowed past the limit")
	}
	if got := l.Remaining("u"); got != 0 {
		t.Fatalf("remaining = %d, want 0", got)
	}
	if !l.Allow("other") {
		t.Fatal("limit leaked across users")
	}
}

func TestLimiterMonthRollover(t *testing.T) {
	c := &clock{t: time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)}
	l := NewLimiter(2, WithClock(c.now))

	l.Increment("u")
	l.Increment("u")
	if l.Allow("u") {
		t.Fatal("allowed past the limit")
	}

	c.set(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC))
	if !l.Allow("u") {
		t.Fatal("count not reset in a new month")
	}
	if got := l.Remaining("u"); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}

	l.Increment("u")
	c.set(time.Date(2027, time.February, 10, 0, 0, 0, 0, time.UTC))
	if got := l.Used("u"); got != 0 {
		t.Fatalf("same month next year kept count %d", got)
	}
}

func TestLimiterConcurrentIncrements(t *testing.T) {
	l := NewLimiter(1000)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Increment("u")
		}()
	}
	wg.Wait()
	if got := l.Used("u"); got != 200 {
		t.Fatalf("used = %d, want 200", got)
	}
}
