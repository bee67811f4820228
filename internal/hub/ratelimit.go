package hub

import (
	"sync"
	"time"
)

// tokenBucket is a per-connection inbound rate limiter: N messages per
// second, applied before parse.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	last       time.Time
}

func newTokenBucket(ratePerSecond int) *tokenBucket {
	rate := float64(ratePerSecond)
	if rate <= 0 {
		rate = 100
	}
	return &tokenBucket{tokens: rate, capacity: rate, refillRate: rate, last: time.Now()}
}

// Allow reports whether one message may be admitted now, consuming a
// token if so.
func (b *tokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
