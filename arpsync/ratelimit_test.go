package arpsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTokenBucketDefaults(t *testing.T) {
	b := newTokenBucket(0, 0)
	if b.rate != 3.0 {
		t.Fatalf("expected default rate 3.0, got %v", b.rate)
	}
	if b.capacity != 3 {
		t.Fatalf("expected default capacity 3, got %v", b.capacity)
	}
	if b.tokens != b.capacity {
		t.Fatalf("expected a fresh bucket to start full, got %v/%v", b.tokens, b.capacity)
	}

	// Fractional rates round the derived capacity up so at least one full
	// token fits.
	b = newTokenBucket(2.5, 0)
	if b.capacity != 3 {
		t.Fatalf("expected capacity ceil(2.5)=3, got %v", b.capacity)
	}
}

func TestTokenBucketBoundsAdmissionRate(t *testing.T) {
	const rate = 100.0
	b := newTokenBucket(rate, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	admitted := 0
	for time.Since(start) < 150*time.Millisecond {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire error: %v", err)
		}
		admitted++
	}
	elapsed := time.Since(start)

	// Burst capacity plus refill over the window, with one token of slack
	// for scheduling jitter.
	limit := int(2+rate*elapsed.Seconds()) + 1
	if admitted > limit {
		t.Fatalf("admitted %d requests in %v, limit %d", admitted, elapsed, limit)
	}
	if admitted < 3 {
		t.Fatalf("expected at least the burst capacity to be admitted, got %d", admitted)
	}
}

func TestTokenBucketAcquireHonorsContext(t *testing.T) {
	b := newTokenBucket(0.5, 1)
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("draining Acquire error: %v", err)
	}

	// The next token is ~2s away; the context expires first.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Acquire(ctx)
	waited := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if waited > time.Second {
		t.Fatalf("Acquire waited %v past its context deadline", waited)
	}
}

func TestTokenBucketConcurrentAcquire(t *testing.T) {
	b := newTokenBucket(1000, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const workers = 50
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Acquire(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Acquire error: %v", err)
		}
	}
}
