package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/slide-translator/internal/cache"
)

type countingProvider struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, text string) (string, error)
}

func newCountingProvider(fn func(ctx context.Context, text string) (string, error)) *countingProvider {
	return &countingProvider{calls: make(map[string]int), fn: fn}
}

func (p *countingProvider) Translate(ctx context.Context, text, _, _ string) (string, error) {
	p.mu.Lock()
	p.calls[text]++
	p.mu.Unlock()
	return p.fn(ctx, text)
}

func (p *countingProvider) Calls(text string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[text]
}

type batchProvider struct {
	*countingProvider
	batchCalls atomic.Int32
	batchFn    func(texts []string) ([]string, error)
}

func (p *batchProvider) TranslateBatch(_ context.Context, texts []string, _, _ string) ([]string, error) {
	p.batchCalls.Add(1)
	return p.batchFn(texts)
}

func fastBackoff() OrchestratorOption {
	return WithBackoff(Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond})
}

func ja(text string) string { return "ja:" + text }

func TestTranslateMany_IsolatesPermanentFailures(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		if text == "T2" {
			return "", NewNetworkError("connection reset", nil)
		}
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider, fastBackoff())
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		progress []float64
	)
	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"T1", "T2", "T3"}), "en", "ja", Options{
		MaxRetries: 2,
		OnProgress: func(f float64) {
			mu.Lock()
			progress = append(progress, f)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	results := outcome.Translations()
	require.Len(t, results, 2)
	assert.Equal(t, "ja:T1", results[0].Translated)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, "ja:T3", results[1].Translated)
	assert.Equal(t, 2, results[1].Index)

	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "T2", outcome.Failures[0].Unit.Text)
	assert.Equal(t, 3, outcome.Failures[0].Attempts)
	assert.True(t, IsErrorType(outcome.Failures[0].Err, ErrNetwork))
	assert.Equal(t, 3, provider.Calls("T2"))

	require.Len(t, progress, 3)
	assert.Equal(t, 1.0, progress[2])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
}

func TestTranslateMany_FatalErrorIsNotRetried(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		if text == "bad" {
			return "", NewValidationError("unsupported text")
		}
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider, fastBackoff())
	require.NoError(t, err)

	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"ok", "bad"}), "en", "ja", Options{MaxRetries: 5})
	require.NoError(t, err)
	assert.Len(t, outcome.Results, 1)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, 1, provider.Calls("bad"))
	assert.Equal(t, 1, outcome.Failures[0].Attempts)
}

func TestTranslateMany_RetriesTransientUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		if attempts.Add(1) < 3 {
			return "", NewTimeoutError("upstream timeout")
		}
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider, fastBackoff())
	require.NoError(t, err)

	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"hello"}), "en", "ja", Options{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "ja:hello", outcome.Results[0].Translated)
	assert.Empty(t, outcome.Failures)
}

func TestTranslateMany_CancelledBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		started <- struct{}{}
		<-release
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider, fastBackoff())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var progressCalls atomic.Int32

	errCh := make(chan error, 1)
	go func() {
		_, err := o.TranslateMany(ctx, UnitsFromTexts([]string{"a", "b", "c", "d"}), "en", "ja", Options{
			Concurrency: 1,
			OnProgress:  func(float64) { progressCalls.Add(1) },
		})
		errCh <- err
	}()

	<-started
	cancel()
	close(release)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCancelledTranslation))
		assert.True(t, IsErrorType(err, ErrCancelled))
	case <-time.After(2 * time.Second):
		t.Fatal("TranslateMany did not return after cancellation")
	}
	// Only the in-flight unit was allowed to run.
	assert.Equal(t, 1, provider.Calls("a"))
	assert.Equal(t, 0, provider.Calls("d"))
	assert.LessOrEqual(t, progressCalls.Load(), int32(1))
}

func TestTranslateMany_AlreadyCancelledContext(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := o.TranslateMany(ctx, UnitsFromTexts([]string{"a"}), "en", "ja", Options{})
	assert.Nil(t, outcome)
	assert.ErrorIs(t, err, ErrCancelledTranslation)
	assert.Equal(t, 0, provider.Calls("a"))
}

func TestTranslateMany_RespectsConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts(texts), "en", "ja", Options{Concurrency: 3})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 20)
	for i, r := range outcome.Results {
		assert.Equal(t, i, r.Index)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestTranslateMany_UsesCache(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		return ja(text), nil
	})
	c, err := cache.New(10, time.Hour)
	require.NoError(t, err)
	o, err := NewOrchestrator(provider, WithCache(c))
	require.NoError(t, err)

	units := UnitsFromTexts([]string{"hello", "world"})
	_, err = o.TranslateMany(context.Background(), units, "en", "ja", Options{})
	require.NoError(t, err)
	outcome, err := o.TranslateMany(context.Background(), units, "en", "ja", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.Calls("hello"))
	assert.Equal(t, 1, provider.Calls("world"))
	require.Len(t, outcome.Results, 2)
	assert.True(t, outcome.Results[0].Cached)
	assert.Equal(t, int64(2), c.Stats().Hits)
}

func TestTranslateMany_EmptyInputAndBlankUnits(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	outcome, err := o.TranslateMany(context.Background(), nil, "en", "ja", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Total())

	for _, source := range []string{AutoDetect, ""} {
		outcome, err = o.TranslateMany(context.Background(), nil, source, "ja", Options{})
		require.NoError(t, err, "source %q", source)
		assert.Equal(t, 0, outcome.Total())
	}

	c, err := cache.New(10, time.Minute)
	require.NoError(t, err)
	o, err = NewOrchestrator(provider, WithCache(c))
	require.NoError(t, err)

	outcome, err = o.TranslateMany(context.Background(), UnitsFromTexts([]string{"  ", "x"}), "en", "ja", Options{})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "  ", outcome.Results[0].Translated)
	assert.False(t, outcome.Results[0].Cached)
	assert.Equal(t, 0, provider.Calls("  "))
}

func TestTranslateMany_InvalidLanguage(t *testing.T) {
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	_, err = o.TranslateMany(context.Background(), UnitsFromTexts([]string{"a"}), "en", "not a language!", Options{})
	assert.True(t, IsErrorType(err, ErrValidation))
}

func TestTranslateMany_DetectsSourceLanguage(t *testing.T) {
	var gotSource atomic.Value
	provider := ProviderFunc(func(_ context.Context, text, source, _ string) (string, error) {
		gotSource.Store(source)
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	text := "The quick brown fox jumps over the lazy dog while the children are playing in the garden."
	_, err = o.TranslateMany(context.Background(), UnitsFromTexts([]string{text}), AutoDetect, "ja", Options{})
	require.NoError(t, err)
	assert.Equal(t, "en", gotSource.Load())
}

func TestTranslateMany_BatchProvider(t *testing.T) {
	bp := &batchProvider{
		countingProvider: newCountingProvider(func(_ context.Context, text string) (string, error) {
			return ja(text), nil
		}),
		batchFn: func(texts []string) ([]string, error) {
			out := make([]string, len(texts))
			for i, text := range texts {
				out[i] = ja(text)
			}
			return out, nil
		},
	}
	o, err := NewOrchestrator(bp)
	require.NoError(t, err)

	texts := []string{"a", "b", "c", "d", "e"}
	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts(texts), "en", "ja", Options{BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 5)
	assert.Equal(t, "ja:e", outcome.Results[4].Translated)
	// Groups of 2, 2 and a trailing single unit.
	assert.Equal(t, int32(2), bp.batchCalls.Load())
	assert.Equal(t, 1, bp.Calls("e"))
}

func TestTranslateMany_BatchFailureFallsBackToUnits(t *testing.T) {
	bp := &batchProvider{
		countingProvider: newCountingProvider(func(_ context.Context, text string) (string, error) {
			if strings.HasPrefix(text, "bad") {
				return "", NewValidationError("rejected")
			}
			return ja(text), nil
		}),
		batchFn: func(texts []string) ([]string, error) {
			return nil, NewValidationError("batch rejected")
		},
	}
	o, err := NewOrchestrator(bp, fastBackoff())
	require.NoError(t, err)

	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"good", "bad-1", "fine"}), "en", "ja", Options{BatchSize: 3})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 2)
	assert.Equal(t, "ja:good", outcome.Results[0].Translated)
	assert.Equal(t, "ja:fine", outcome.Results[1].Translated)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, 1, outcome.Failures[0].Unit.Index)
}

func TestTranslateMany_BatchAttemptsCountAgainstUnitBudget(t *testing.T) {
	tests := []struct {
		name        string
		batchErr    error
		wantBatch   int32
		wantSingles int
	}{
		{name: "transient batch errors", batchErr: NewNetworkError("reset", errors.New("conn reset")), wantBatch: 3, wantSingles: 0},
		{name: "rejected batch", batchErr: NewValidationError("batch rejected"), wantBatch: 1, wantSingles: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp := &batchProvider{
				countingProvider: newCountingProvider(func(_ context.Context, text string) (string, error) {
					return "", NewNetworkError("reset", errors.New("conn reset"))
				}),
				batchFn: func([]string) ([]string, error) { return nil, tt.batchErr },
			}
			o, err := NewOrchestrator(bp, fastBackoff())
			require.NoError(t, err)

			outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"bad-1", "bad-2"}), "en", "ja", Options{BatchSize: 2, MaxRetries: 2})
			require.NoError(t, err)
			require.Len(t, outcome.Failures, 2)

			assert.Equal(t, tt.wantBatch, bp.batchCalls.Load())
			for _, f := range outcome.Failures {
				calls := int(bp.batchCalls.Load()) + bp.Calls(f.Unit.Text)
				assert.LessOrEqual(t, calls, 3, f.Unit.Text)
				assert.Equal(t, tt.wantSingles, bp.Calls(f.Unit.Text))
				assert.Equal(t, 3, f.Attempts)
			}
		})
	}
}

func TestTranslateMany_FatalBatchErrorSkipsSingles(t *testing.T) {
	bp := &batchProvider{
		countingProvider: newCountingProvider(func(_ context.Context, text string) (string, error) {
			return ja(text), nil
		}),
		batchFn: func([]string) ([]string, error) { return nil, NewAuthenticationError("bad key") },
	}
	o, err := NewOrchestrator(bp, fastBackoff())
	require.NoError(t, err)

	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("unit-%d", i)
	}
	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts(texts), "en", "ja", Options{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, int32(1), bp.batchCalls.Load())
	require.Len(t, outcome.Failures, 10)
	for _, f := range outcome.Failures {
		assert.Zero(t, bp.Calls(f.Unit.Text))
		assert.True(t, IsErrorType(f.Err, ErrAuthentication))
		assert.Equal(t, 1, f.Attempts)
	}
}

func TestTranslateMany_SharesInFlightDuplicates(t *testing.T) {
	release := make(chan struct{})
	provider := newCountingProvider(func(_ context.Context, text string) (string, error) {
		<-release
		return ja(text), nil
	})
	o, err := NewOrchestrator(provider)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	outcome, err := o.TranslateMany(context.Background(), UnitsFromTexts([]string{"same", "same", "same"}), "en", "ja", Options{Concurrency: 3})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 3)
	assert.LessOrEqual(t, provider.Calls("same"), 3)
	assert.GreaterOrEqual(t, provider.Calls("same"), 1)
}

func TestNewOrchestrator_RequiresProvider(t *testing.T) {
	_, err := NewOrchestrator(nil)
	assert.True(t, IsErrorType(err, ErrConfig))
}
