package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// microTokens is the fixed-point scale: one token is 1e6 micro-tokens, so a
// refill of r tokens/sec adds r micro-tokens per microsecond.
const microTokens int64 = 1_000_000

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits events to a sustained rate with a bounded burst.
//
// A zero or negative rate disables limiting; Allow always succeeds.
type TokenBucket struct {
	clock Clock

	burst int64 // micro-tokens
	rate  int64 // tokens/sec

	mu        sync.Mutex
	available int64 // micro-tokens
	last      time.Time
}

// NewTokenBucket returns a bucket that starts full. burst <= 0 defaults to the
// rate, so one second worth of events may arrive at once.
func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 0 {
		perSecond = 0
	}
	if burst <= 0 {
		burst = perSecond
	}
	capacity := toMicro(burst)
	return &TokenBucket{
		clock:     clock,
		burst:     capacity,
		rate:      perSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens when available and reports whether it did.
func (b *TokenBucket) Allow(n int64) bool {
	if b == nil || b.rate == 0 || n <= 0 {
		return true
	}
	cost := toMicro(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		// The clock stalled or went backwards; only move the reference point.
		if elapsed < 0 {
			b.last = now
		}
		return
	}
	b.last = now

	missing := b.burst - b.available
	if missing <= 0 {
		return
	}
	us := elapsed.Microseconds()
	if us >= missing/b.rate+1 {
		b.available = b.burst
		return
	}
	b.available += us * b.rate
	if b.available > b.burst {
		b.available = b.burst
	}
}

func toMicro(tokens int64) int64 {
	if tokens > maxInt64/microTokens {
		return maxInt64
	}
	return tokens * microTokens
}
