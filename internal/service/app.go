package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MimeLyc/slide-translator/internal/cache"
	"github.com/MimeLyc/slide-translator/internal/config"
	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/extract"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/persistence"
	"github.com/MimeLyc/slide-translator/internal/provider"
	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// App is the wired application: stores, ledger, translation pipeline and
// the batch worker, built from one Config.
type App struct {
	Config       *config.Config
	Jobs         *jobs.Service
	Ledger       *credits.Ledger
	Cache        *cache.TranslationCache
	Orchestrator *translator.Orchestrator
	Processor    *FileProcessor

	jobStore jobs.Store
	closers  []io.Closer
}

// Overrides replace individual collaborators, mostly for tests.
type Overrides struct {
	Provider  translator.Provider
	Extractor extract.Extractor
	Writer    extract.Writer
	JobStore  jobs.Store
	Credits   credits.Store
}

func New(ctx context.Context, cfg *config.Config, ov Overrides) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	jobStore, creditStore, err := app.openStores(ctx, ov)
	if err != nil {
		return nil, err
	}
	app.jobStore = jobStore
	app.Jobs = jobs.NewService(jobStore)
	app.Ledger = credits.NewLedger(creditStore)

	app.Cache, err = cache.New(cfg.Cache.MaxSize, cfg.Cache.TTL)
	if err != nil {
		return nil, err
	}

	upstream := ov.Provider
	if upstream == nil {
		upstream, err = NewProvider(cfg.Provider)
		if err != nil {
			return nil, err
		}
	}

	defaults := translator.Options{
		Concurrency: cfg.Translate.Concurrency,
		BatchSize:   cfg.Translate.BatchSize,
		MaxRetries:  cfg.Translate.MaxRetries,
	}
	app.Orchestrator, err = translator.NewOrchestrator(upstream, translator.WithCache(app.Cache), translator.WithDefaults(defaults))
	if err != nil {
		return nil, err
	}

	extractor := ov.Extractor
	if extractor == nil {
		extractor = NewExtractor(cfg.Extract)
	}
	writer := ov.Writer
	if writer == nil {
		writer = extract.JSONWriter{Dir: cfg.Extract.OutputDir}
	}
	app.Processor, err = NewFileProcessor(ProcessorConfig{
		Extractor: extractor,
		Writer:    writer,
		Ledger:    app.Ledger,
		Provider:  upstream,
		Cache:     app.Cache,
		Defaults:  defaults,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// NewWorker builds the batch worker over the app's store and processor.
func (a *App) NewWorker(opts ...jobs.WorkerOption) (*jobs.Worker, error) {
	base := []jobs.WorkerOption{
		jobs.WithPollInterval(a.Config.Worker.PollInterval),
		jobs.WithStallThreshold(a.Config.Worker.StallThreshold),
		jobs.WithSweepSchedule(a.Config.Worker.SweepCron),
	}
	return jobs.NewWorker(a.jobStore, a.Processor, append(base, opts...)...)
}

// TranslateTexts translates ad-hoc texts through the shared orchestrator,
// charging the user one credit per non-blank unit and refunding failures.
func (a *App) TranslateTexts(ctx context.Context, userID string, texts []string, sourceLang, targetLang string) (*translator.Outcome, error) {
	if len(texts) == 0 {
		return &translator.Outcome{}, nil
	}
	units := translator.UnitsFromTexts(texts)
	billable := 0
	for _, u := range units {
		if strings.TrimSpace(u.Text) != "" {
			billable++
		}
	}
	required := credits.CalculateRequiredCredits(billable)
	if required > 0 {
		if _, err := a.Ledger.ConsumeCredits(ctx, userID, required); err != nil {
			return nil, err
		}
	}
	outcome, err := a.Orchestrator.TranslateMany(ctx, units, sourceLang, targetLang, translator.Options{})
	refund := required
	if err == nil {
		refund = int64(len(outcome.Failures))
	}
	if refund > 0 {
		if _, rerr := a.Ledger.RefundCredits(context.WithoutCancel(ctx), userID, refund); rerr != nil {
			log.Error("Failed to refund %d credits to %s: %v", refund, userID, rerr)
		}
	}
	return outcome, err
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStores(ctx context.Context, ov Overrides) (jobs.Store, credits.Store, error) {
	if ov.JobStore != nil && ov.Credits != nil {
		return ov.JobStore, ov.Credits, nil
	}

	var (
		jobStore    jobs.Store
		creditStore credits.Store
	)
	switch a.Config.Store.Driver {
	case config.StoreSQLite:
		store, err := persistence.NewSQLiteStore(a.Config.Store.DBPath())
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store)
		jobStore, creditStore = store, store
		log.Info("Using sqlite store at %s", a.Config.Store.DBPath())
	case config.StorePostgres:
		store, err := persistence.NewPostgresStore(ctx, a.Config.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, store)
		jobStore, creditStore = store, store
		log.Info("Using postgres store")
	case config.StoreMemory:
		jobStore, creditStore = jobs.NewMemoryStore(), credits.NewMemoryStore()
		log.Warn("Using in-memory store, jobs and credits are lost on exit")
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", a.Config.Store.Driver)
	}

	if ov.JobStore != nil {
		jobStore = ov.JobStore
	}
	if ov.Credits != nil {
		creditStore = ov.Credits
	}
	return jobStore, creditStore, nil
}

// NewProvider builds the configured upstream wrapped with rate limiting and
// a circuit breaker.
func NewProvider(cfg config.ProviderConfig) (translator.Provider, error) {
	var inner translator.Provider
	switch cfg.Kind {
	case config.ProviderEcho:
		inner = provider.Echo{}
	case config.ProviderOpenAI:
		client, err := provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.APIURL,
			Model:       cfg.Model,
			Timeout:     cfg.Timeout,
			Temperature: float32(cfg.Temperature),
		})
		if err != nil {
			return nil, err
		}
		inner = client
	default:
		return nil, translator.NewConfigError(fmt.Sprintf("unsupported provider %q", cfg.Kind))
	}

	threshold := uint32(0)
	if cfg.BreakerThreshold > 0 {
		threshold = uint32(cfg.BreakerThreshold)
	}
	return provider.Wrap(inner, provider.ResilientConfig{
		Name:              cfg.Kind,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		FailureThreshold:  threshold,
		OpenTimeout:       cfg.BreakerTimeout,
	}), nil
}

// NewExtractor routes .json documents to JSONExtractor and everything else to
// the configured external command, if any.
func NewExtractor(cfg config.ExtractConfig) extract.Extractor {
	router := extract.ByExtension{Extractors: map[string]extract.Extractor{".json": extract.JSONExtractor{}}}
	if cfg.Command != "" {
		cmd := extract.NewCommandExtractor(cfg.Command, cfg.Args...)
		if cfg.Timeout > 0 {
			cmd.Timeout = cfg.Timeout
		}
		router.Fallback = cmd
	}
	return router
}
