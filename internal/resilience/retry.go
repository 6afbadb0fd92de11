// Package resilience classifies external-call failures and provides the
// retry and backoff primitives used by the lead pipeline.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how many times a failed call is attempted and how far
// apart the attempts are. The zero value is usable: see normalized.
type Policy struct {
	// Attempts counts the first try.
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Factor   float64
	// Jitter spreads each delay by ±Jitter of itself.
	Jitter float64

	// Retryable defaults to IsRetryable.
	Retryable func(err error) bool
	OnRetry   func(attempt int, err error)
}

// StagePolicy schedules deferred re-entry of a pipeline stage. The delay
// for the n-th failure grows from base and never exceeds limit.
func StagePolicy(maxRetries int, base, limit time.Duration) Policy {
	return Policy{
		Attempts: maxRetries,
		Base:     base,
		Cap:      limit,
		Factor:   2,
		Jitter:   0.25,
	}
}

// MessagePolicy retries approach-message generation inline. Every failure
// is retried: a bad reply is as likely to be fixed by asking again as a
// dropped connection is.
func MessagePolicy(attempts int) Policy {
	return Policy{
		Attempts:  attempts,
		Base:      500 * time.Millisecond,
		Cap:       10 * time.Second,
		Factor:    2,
		Jitter:    0.25,
		Retryable: func(error) bool { return true },
		OnRetry:   LogRetry("approach_message"),
	}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	p.Base = max(p.Base, 0)
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	p.Jitter = min(max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = IsRetryable
	}
	return p
}

// Delay returns the wait after the n-th consecutive failure (n from 0).
func (p Policy) Delay(n int) time.Duration {
	p = p.normalized()
	d := min(float64(p.Base)*math.Pow(p.Factor, float64(n)), float64(p.Cap))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	return time.Duration(max(d, 0))
}

// Retry calls fn until it succeeds or p gives up. The error of the last
// attempt is returned; ctx ending during a wait returns that error too.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	var zero T
	for n := 0; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if n+1 >= p.Attempts || ctx.Err() != nil || !p.Retryable(err) {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(n+1, err)
		}

		t := time.NewTimer(p.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, err
		case <-t.C:
		}
	}
}

// LogRetry returns an OnRetry hook that logs at warn level.
func LogRetry(op string, fields ...zap.Field) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying",
			append([]zap.Field{
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			}, fields...)...,
		)
	}
}
