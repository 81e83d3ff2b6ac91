// Package retry implements exponential backoff with deterministic,
// seed-derived jitter. Delays are a pure function of (policy, seed, attempt),
// which keeps retry timing reproducible in tests.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Policy configures backoff. It is a pure value object with no mutable state.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential term.
	MaxDelay time.Duration
	// JitterRatio bounds the jitter term as a fraction of the capped
	// exponential delay. 0 disables jitter.
	JitterRatio float64
}

// DefaultPolicy returns the policy shared by the orchestrator and gateway
// unless configuration overrides it.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		JitterRatio: 0.2,
	}
}

// ExhaustedError reports that every attempt allowed by the policy failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Backoff returns the delay taken after failed attempt number `attempt`
// (1-based): BaseDelay * 2^(attempt-1), capped at MaxDelay, plus a
// deterministic jitter term derived from the seed.
func (p Policy) Backoff(seed string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Bit shift for the power of two, capped to avoid overflow.
	exp := attempt - 1
	if exp > 30 {
		exp = 30
	}
	delay := p.BaseDelay * time.Duration(int64(1)<<exp)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	return delay + p.jitter(seed, attempt, delay)
}

// jitter derives a delay in [0, JitterRatio*capped) from a PRF over the seed
// and attempt index. Not a PRNG: two processes with the same inputs compute
// the same jitter.
func (p Policy) jitter(seed string, attempt int, capped time.Duration) time.Duration {
	maxJitter := int64(float64(capped) * p.JitterRatio)
	if maxJitter <= 0 {
		return 0
	}

	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(int64(basis % uint64(maxJitter)))
}

// Do invokes fn up to MaxAttempts times, sleeping the policy's backoff between
// attempts. Only errors accepted by retryable are retried; any other error is
// returned as-is from the failing attempt. When the final attempt fails with a
// retryable error, Do returns an *ExhaustedError wrapping it.
//
// The backoff sleep honors ctx; cancellation surfaces as ctx.Err().
func Do(ctx context.Context, p Policy, seed string, retryable func(error) bool, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff(seed, attempt)); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: last}
}

// IsExhausted reports whether err is (or wraps) an ExhaustedError.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
