// Package resiliency provides retry and circuit-breaking primitives for
// store-facing operations:
// - Exponential Backoff & Jitter
// - Circuit Breaking
package resiliency

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// Retrier runs an operation with bounded retries, exponential backoff with
// jitter, and a circuit breaker in front of the backing store.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	breaker     *CircuitBreaker

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// NewRetrier creates a Retrier making at most maxAttempts attempts, starting
// with baseDelay between the first and second.
func NewRetrier(name string, maxAttempts int, baseDelay time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		breaker:     NewCircuitBreaker(name, 5, 10*time.Second),
	}
}

// Do executes fn until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is canceled.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	if !r.breaker.Allow() {
		return fmt.Errorf("circuit breaker open for %s", r.breaker.name)
	}

	var err error
	for i := 0; i < r.maxAttempts; i++ {
		err = fn(ctx)
		if err == nil {
			r.breaker.Success()
			return nil
		}
		if r.Retryable != nil && !r.Retryable(err) {
			break
		}
		if i == r.maxAttempts-1 {
			break
		}

		// backoff: base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * r.baseDelay
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			r.breaker.Failure()
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	r.breaker.Failure()
	return err
}
