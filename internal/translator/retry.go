package translator

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
	// DefaultRetryAfter applies to rate-limit errors that carry no wait hint.
	DefaultRetryAfter = 60 * time.Second
)

// Class is the retry decision for one failure.
type Class struct {
	Retryable bool
	// MinDelay is a lower bound imposed by the failure itself (Retry-After).
	MinDelay time.Duration
}

// RetryClassifier decides whether a failure is transient.
type RetryClassifier interface {
	Classify(err error) Class
}

// DefaultClassifier treats rate limits, timeouts and network failures as
// transient and everything else, including unknown errors, as fatal.
type DefaultClassifier struct {
	// RateLimitDelay replaces DefaultRetryAfter when set.
	RateLimitDelay time.Duration
}

func (c DefaultClassifier) Classify(err error) Class {
	if err == nil {
		return Class{}
	}
	switch TypeOf(err) {
	case ErrRateLimit:
		delay := retryAfterOf(err)
		if delay <= 0 {
			delay = c.RateLimitDelay
		}
		if delay <= 0 {
			delay = DefaultRetryAfter
		}
		return Class{Retryable: true, MinDelay: delay}
	case ErrTimeout, ErrNetwork:
		return Class{Retryable: true}
	default:
		return Class{}
	}
}

func retryAfterOf(err error) time.Duration {
	var tErr *Error
	if errors.As(err, &tErr) {
		return tErr.RetryAfter
	}
	return 0
}

// Backoff computes exponential delays: base * 2^attempt, capped at max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int, class Class) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	delay := base
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, maxDelay)
	return max(delay, class.MinDelay)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
