package translator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier_Classify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		minDelay  time.Duration
	}{
		{name: "rate limit with hint", err: NewRateLimitError("slow down", 5*time.Second), retryable: true, minDelay: 5 * time.Second},
		{name: "rate limit without hint", err: NewRateLimitError("slow down", 0), retryable: true, minDelay: DefaultRetryAfter},
		{name: "timeout", err: NewTimeoutError("deadline"), retryable: true},
		{name: "network", err: NewNetworkError("reset", errors.New("econnreset")), retryable: true},
		{name: "wrapped network", err: fmt.Errorf("call: %w", NewNetworkError("reset", nil)), retryable: true},
		{name: "context deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "validation", err: NewValidationError("bad input"), retryable: false},
		{name: "authentication", err: NewAuthenticationError("bad key"), retryable: false},
		{name: "config", err: NewConfigError("missing"), retryable: false},
		{name: "context canceled", err: context.Canceled, retryable: false},
		{name: "unknown", err: errors.New("boom"), retryable: false},
		{name: "nil", err: nil, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := DefaultClassifier{}.Classify(tt.err)
			assert.Equal(t, tt.retryable, class.Retryable)
			assert.Equal(t, tt.minDelay, class.MinDelay)
		})
	}
}

func TestDefaultClassifier_RateLimitDelayOverride(t *testing.T) {
	class := DefaultClassifier{RateLimitDelay: time.Second}.Classify(NewRateLimitError("x", 0))
	assert.Equal(t, time.Second, class.MinDelay)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0, Class{}))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1, Class{}))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2, Class{}))
	assert.Equal(t, time.Second, b.Delay(10, Class{}))
	assert.Equal(t, 3*time.Second, b.Delay(0, Class{MinDelay: 3 * time.Second}))
}

func TestBackoff_Defaults(t *testing.T) {
	assert.Equal(t, DefaultBaseDelay, Backoff{}.Delay(0, Class{}))
}

func TestError_FormattingAndMatching(t *testing.T) {
	err := WrapError(errors.New("socket closed"), ErrNetwork, "request failed")
	assert.Contains(t, err.Error(), "[Network] request failed")
	assert.Contains(t, err.Error(), "socket closed")

	cancelled := cancelledError(context.Canceled)
	assert.True(t, errors.Is(cancelled, ErrCancelledTranslation))
	assert.True(t, errors.Is(cancelled, context.Canceled))
	assert.False(t, errors.Is(err, ErrCancelledTranslation))

	assert.Equal(t, ErrRateLimit, TypeOf(NewRateLimitError("x", time.Second)))
	assert.Equal(t, ErrUnknown, TypeOf(errors.New("x")))
	assert.Equal(t, "Authentication", ErrAuthentication.String())
}
