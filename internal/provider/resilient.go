package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

type ResilientConfig struct {
	Name string
	// RequestsPerSecond <= 0 disables client-side rate limiting.
	RequestsPerSecond float64
	Burst             int
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func (c ResilientConfig) withDefaults() ResilientConfig {
	if c.Name == "" {
		c.Name = "provider"
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// Resilient throttles calls to an upstream provider and stops calling it
// while it is failing. An open breaker surfaces as a retryable NetworkError.
type Resilient struct {
	inner   translator.Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

type resilientBatch struct {
	*Resilient
	batch translator.BatchProvider
}

// Wrap returns a resilient provider that also implements BatchProvider when
// inner does.
func Wrap(inner translator.Provider, cfg ResilientConfig) translator.Provider {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	r := &Resilient{
		inner:   inner,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			IsSuccessful: countsAsSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("Circuit breaker %s: %s -> %s", name, from, to)
			},
		}),
	}
	return r.with(inner)
}

func (r *Resilient) with(inner translator.Provider) translator.Provider {
	shared := &Resilient{inner: inner, limiter: r.limiter, breaker: r.breaker}
	if batch, ok := inner.(translator.BatchProvider); ok {
		return &resilientBatch{Resilient: shared, batch: batch}
	}
	return shared
}

// ForModel re-targets the wrapped provider while sharing the limiter and breaker.
func (r *Resilient) ForModel(model string) translator.Provider {
	scoped, ok := r.inner.(ModelScoped)
	if !ok {
		return r.with(r.inner)
	}
	return r.with(scoped.ForModel(model))
}

func (r *Resilient) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	out, err := r.breaker.Execute(func() (any, error) {
		return r.inner.Translate(ctx, text, sourceLang, targetLang)
	})
	if err != nil {
		return "", breakerError(err)
	}
	return out.(string), nil
}

func (r *resilientBatch) TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	out, err := r.breaker.Execute(func() (any, error) {
		return r.batch.TranslateBatch(ctx, texts, sourceLang, targetLang)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return out.([]string), nil
}

func (r *Resilient) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("rate limiter: %w", ctxErr)
		}
		return translator.WrapError(err, translator.ErrTimeout, "rate limiter wait exceeds deadline")
	}
	return nil
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return translator.NewNetworkError("provider circuit breaker open", err)
	}
	return err
}

// countsAsSuccess keeps caller mistakes from tripping the breaker: only
// upstream trouble counts as a failure.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	switch translator.TypeOf(err) {
	case translator.ErrNetwork, translator.ErrTimeout, translator.ErrRateLimit, translator.ErrUnknown:
		return false
	default:
		return true
	}
}
