package arpsync

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter gates upstream requests. The crawl acquires one token per HTTP
// attempt, retries included.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// tokenBucket refills at rate tokens/sec up to capacity. A fresh bucket starts
// full so a crawl can burst its first requests without waiting.
type tokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newTokenBucket(rate float64, capacity float64) *tokenBucket {
	if rate <= 0 {
		rate = 3.0
	}
	if capacity <= 0 {
		capacity = math.Ceil(rate)
	}
	return &tokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		last:     time.Now(),
	}
}

func (b *tokenBucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		// Re-check after waiting; another goroutine may have drained the
		// bucket in the meantime.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
