package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly X
// nano-tokens per elapsed nanosecond with no float rounding.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer number of tokens per second as observed
// by its Clock. It is safe for concurrent use.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	nanoTokens int64
	last       time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock:      clock,
		capacity:   max(capacity, 0),
		rate:       max(rate, 0),
		nanoTokens: toNano(capacity),
		last:       clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.nanoTokens < cost {
		return false
	}
	b.nanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if !now.After(b.last) {
		// Clock went backwards or did not move.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate == 0 || b.capacity == 0 {
		return
	}
	full := toNano(b.capacity)
	need := full - b.nanoTokens
	if need <= 0 {
		b.nanoTokens = full
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/b.rate+1 {
		b.nanoTokens = full
		return
	}
	b.nanoTokens = min(b.nanoTokens+elapsed*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
