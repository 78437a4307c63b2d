package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}

	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_ClockGoingBackwardsDoesNotRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)
	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(-time.Minute)
	if b.Allow(1) {
		t.Fatalf("expected no refill when the clock moves backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill one second after the new reference point")
	}
}

func TestConnLimiter_MessagesAndBytes(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewConnLimiter(clk, 2, 100)

	if !l.AllowMessage(10) || !l.AllowMessage(10) {
		t.Fatalf("expected burst of 2 messages")
	}
	if l.AllowMessage(10) {
		t.Fatalf("expected third message to be rejected")
	}

	clk.Advance(time.Second)
	if l.AllowMessage(500) {
		t.Fatalf("expected oversized frame to exceed byte budget")
	}
}

func TestConnLimiter_ZeroDisables(t *testing.T) {
	l := NewConnLimiter(nil, 0, 0)
	for i := 0; i < 1000; i++ {
		if !l.AllowMessage(1 << 20) {
			t.Fatalf("expected unlimited limiter to allow message %d", i)
		}
	}
	var nilLimiter *ConnLimiter
	if !nilLimiter.AllowMessage(1) {
		t.Fatalf("expected nil limiter to allow")
	}
}
