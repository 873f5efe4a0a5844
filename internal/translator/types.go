package translator

import (
	"context"
)

// Provider is the upstream translation strategy.
type Provider interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// BatchProvider is implemented by providers that accept several texts per call.
// The returned slice must have the same length and order as texts.
type BatchProvider interface {
	Provider
	TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text, sourceLang, targetLang string) (string, error)

func (f ProviderFunc) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	return f(ctx, text, sourceLang, targetLang)
}

// Unit is one text fragment and its position in the submitted sequence.
type Unit struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// UnitsFromTexts numbers texts in order.
func UnitsFromTexts(texts []string) []Unit {
	units := make([]Unit, len(texts))
	for i, text := range texts {
		units[i] = Unit{Text: text, Index: i}
	}
	return units
}

type Result struct {
	Index      int    `json:"index"`
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Cached     bool   `json:"cached,omitempty"`
}

// UnitFailure records a unit that failed permanently.
type UnitFailure struct {
	Unit     Unit  `json:"unit"`
	Err      error `json:"-"`
	Attempts int   `json:"attempts"`
}

// Outcome holds successes and failures, each in input order.
type Outcome struct {
	Results  []Result
	Failures []UnitFailure
}

// Translations returns only the successfully translated units.
func (o *Outcome) Translations() []Result {
	if o == nil {
		return nil
	}
	return o.Results
}

func (o *Outcome) Total() int {
	if o == nil {
		return 0
	}
	return len(o.Results) + len(o.Failures)
}

type Options struct {
	// Concurrency caps simultaneously in-flight provider calls.
	Concurrency int
	// BatchSize groups units per call when the provider is a BatchProvider.
	BatchSize int
	// MaxRetries is the number of retries after the first attempt.
	// Zero selects the default; a negative value disables retries.
	MaxRetries int
	// OnProgress receives completed/total once per finished unit.
	OnProgress func(fraction float64)
}

const (
	DefaultConcurrency = 5
	DefaultBatchSize   = 10
	DefaultMaxRetries  = 3
)

func (o Options) withDefaults(d Options) Options {
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}
