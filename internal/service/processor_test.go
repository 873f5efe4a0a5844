package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/slide-translator/internal/cache"
	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/extract"
	"github.com/MimeLyc/slide-translator/internal/glossary"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/translator"
)

type staticExtractor map[string][]string

func (s staticExtractor) Extract(_ context.Context, file jobs.FileRef) ([]string, error) {
	texts, ok := s[file.Name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return texts, nil
}

type modelRecorder struct {
	model string
	seen  *sync.Map
}

func (m modelRecorder) Translate(_ context.Context, text, _, targetLang string) (string, error) {
	m.seen.Store(m.model, true)
	return m.model + "/" + targetLang + ":" + text, nil
}

func (m modelRecorder) ForModel(model string) translator.Provider {
	return modelRecorder{model: model, seen: m.seen}
}

type processorFixture struct {
	processor *FileProcessor
	ledger    *credits.Ledger
	outDir    string
	calls     *atomic.Int32
}

func newProcessorFixture(t *testing.T, texts staticExtractor, p translator.Provider) *processorFixture {
	t.Helper()
	calls := &atomic.Int32{}
	counted := translator.ProviderFunc(func(ctx context.Context, text, src, tgt string) (string, error) {
		calls.Add(1)
		return p.Translate(ctx, text, src, tgt)
	})

	ledger := credits.NewLedger(credits.NewMemoryStore())
	require.NoError(t, ledger.SetBalance(context.Background(), "u1", 10))

	tc, err := cache.New(100, time.Hour)
	require.NoError(t, err)

	outDir := t.TempDir()
	proc, err := NewFileProcessor(ProcessorConfig{
		Extractor: texts,
		Writer:    extract.JSONWriter{Dir: outDir},
		Ledger:    ledger,
		Provider:  counted,
		Cache:     tc,
		Defaults:  translator.Options{Concurrency: 2, MaxRetries: -1},
	})
	require.NoError(t, err)
	return &processorFixture{processor: proc, ledger: ledger, outDir: outDir, calls: calls}
}

func (f *processorFixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func testJob(opts jobs.Options) *jobs.BatchJob {
	if opts.TargetLang == "" {
		opts.TargetLang = "fr"
	}
	if opts.SourceLang == "" {
		opts.SourceLang = "en"
	}
	return &jobs.BatchJob{ID: "job-1", UserID: "u1", Status: jobs.StatusProcessing, Options: opts}
}

func TestFileProcessor_TranslatesAndCharges(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"Hello", "World", "Bye"}}, translator.ProviderFunc(
		func(_ context.Context, text, _, tgt string) (string, error) { return tgt + ":" + text, nil },
	))

	res, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	require.NoError(t, err)
	assert.Equal(t, "deck.pptx", res.Name)
	assert.Equal(t, 3, res.Translated)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, int64(3), res.Credits)
	assert.Equal(t, filepath.Join(f.outDir, "deck.fr.json"), res.OutputPath)
	assert.FileExists(t, res.OutputPath)
	assert.Equal(t, int64(7), f.balance(t))
}

func TestFileProcessor_RefundsFailedUnits(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"T1", "T2", "T3"}}, translator.ProviderFunc(
		func(_ context.Context, text, _, _ string) (string, error) {
			if text == "T2" {
				return "", translator.NewValidationError("rejected")
			}
			return "ok:" + text, nil
		},
	))

	res, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Translated)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int64(2), res.Credits)
	assert.Equal(t, int64(8), f.balance(t))
}

func TestFileProcessor_AllUnitsFailed(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"a", "b"}}, translator.ProviderFunc(
		func(context.Context, string, string, string) (string, error) {
			return "", translator.NewAuthenticationError("bad key")
		},
	))

	res, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	require.Error(t, err)
	assert.True(t, translator.IsErrorType(err, translator.ErrAuthentication))
	assert.Equal(t, int64(0), res.Credits)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, int64(10), f.balance(t))
	assert.Empty(t, res.OutputPath)
}

func TestFileProcessor_InsufficientCredits(t *testing.T) {
	texts := make([]string, 11)
	for i := range texts {
		texts[i] = "text"
	}
	f := newProcessorFixture(t, staticExtractor{"big.pptx": texts}, translator.ProviderFunc(
		func(_ context.Context, text, _, _ string) (string, error) { return text, nil },
	))

	_, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "big.pptx", Path: "/in/big.pptx"})
	var insufficient *credits.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(11), insufficient.Required)
	assert.Equal(t, int64(10), insufficient.Available)
	assert.Zero(t, f.calls.Load())
	assert.Equal(t, int64(10), f.balance(t))
}

func TestFileProcessor_EmptyFileIsFree(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"blank.pptx": {}}, translator.ProviderFunc(
		func(_ context.Context, text, _, _ string) (string, error) { return text, nil },
	))

	res, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "blank.pptx", Path: "/in/blank.pptx"})
	require.NoError(t, err)
	assert.Zero(t, res.Credits)
	assert.FileExists(t, res.OutputPath)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestFileProcessor_ExtractionError(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{}, translator.ProviderFunc(
		func(_ context.Context, text, _, _ string) (string, error) { return text, nil },
	))

	_, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "gone.pptx", Path: "/in/gone.pptx"})
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestFileProcessor_CancelledRefundsEverything(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"a", "b", "c"}}, translator.ProviderFunc(
		func(_ context.Context, text, _, _ string) (string, error) { return text, nil },
	))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.processor.ProcessFile(ctx, testJob(jobs.Options{}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	assert.ErrorIs(t, err, translator.ErrCancelledTranslation)
	assert.Equal(t, int64(10), f.balance(t))
}

func TestFileProcessor_ModelAndOutputDirPerJob(t *testing.T) {
	seen := &sync.Map{}
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"Hi"}}, modelRecorder{model: "default", seen: seen})
	// The fixture wraps the provider in a ProviderFunc, which hides ForModel.
	f.processor.cfg.Provider = modelRecorder{model: "default", seen: seen}

	jobDir := filepath.Join(t.TempDir(), "job-out")
	res, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{Model: "gpt-4o", OutputDir: jobDir}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(jobDir, "deck.fr.json"), res.OutputPath)

	_, used := seen.Load("gpt-4o")
	assert.True(t, used)
	_, usedDefault := seen.Load("default")
	assert.False(t, usedDefault)

	first, err := f.processor.orchestratorFor("gpt-4o")
	require.NoError(t, err)
	again, err := f.processor.orchestratorFor("gpt-4o")
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestFileProcessor_AppliesClosestGlossary(t *testing.T) {
	root := t.TempDir()
	deckDir := filepath.Join(root, "q3")
	require.NoError(t, os.MkdirAll(deckDir, 0o755))
	require.NoError(t, glossary.Save(filepath.Join(root, "glossary.en-fr.json"), glossary.Glossary{"Acme Cloud": "Acme Nuage"}))

	var seen sync.Map
	f := newProcessorFixture(t, staticExtractor{"deck.json": {"Acme Cloud growth"}}, translator.ProviderFunc(
		func(ctx context.Context, text, _, _ string) (string, error) {
			seen.Store(text, glossary.FromContext(ctx))
			return "ok", nil
		},
	))

	_, err := f.processor.ProcessFile(context.Background(), testJob(jobs.Options{}), jobs.FileRef{Name: "deck.json", Path: filepath.Join(deckDir, "deck.json")})
	require.NoError(t, err)

	got, ok := seen.Load("Acme Cloud growth")
	require.True(t, ok)
	assert.Equal(t, glossary.Glossary{"Acme Cloud": "Acme Nuage"}, got)

	_, err = f.processor.ProcessFile(context.Background(), testJob(jobs.Options{TargetLang: "de"}), jobs.FileRef{Name: "deck.json", Path: filepath.Join(deckDir, "deck.json")})
	require.NoError(t, err)
}

func TestNewFileProcessor_Validation(t *testing.T) {
	ledger := credits.NewLedger(credits.NewMemoryStore())
	_, err := NewFileProcessor(ProcessorConfig{Writer: extract.JSONWriter{}, Ledger: ledger, Provider: translator.ProviderFunc(nil)})
	assert.Error(t, err)
	_, err = NewFileProcessor(ProcessorConfig{Extractor: staticExtractor{}, Ledger: ledger, Provider: translator.ProviderFunc(nil)})
	assert.Error(t, err)
	_, err = NewFileProcessor(ProcessorConfig{Extractor: staticExtractor{}, Writer: extract.JSONWriter{}, Provider: translator.ProviderFunc(nil)})
	assert.Error(t, err)
	_, err = NewFileProcessor(ProcessorConfig{Extractor: staticExtractor{}, Writer: extract.JSONWriter{}, Ledger: ledger})
	assert.Error(t, err)
}

func TestFileProcessor_HeartbeatsWhileTranslating(t *testing.T) {
	f := newProcessorFixture(t, staticExtractor{"deck.pptx": {"One", "Two", "Three"}}, translator.ProviderFunc(
		func(_ context.Context, text, _, tgt string) (string, error) { return tgt + ":" + text, nil },
	))

	var beats atomic.Int32
	ctx := jobs.WithHeartbeat(context.Background(), func() { beats.Add(1) })
	_, err := f.processor.ProcessFile(ctx, testJob(jobs.Options{}), jobs.FileRef{Name: "deck.pptx", Path: "/in/deck.pptx"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), beats.Load())
}
