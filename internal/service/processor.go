package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/extract"
	"github.com/MimeLyc/slide-translator/internal/glossary"
	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/provider"
	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// ProcessorConfig collects the collaborators of a FileProcessor.
type ProcessorConfig struct {
	Extractor extract.Extractor
	Writer    extract.Writer
	Ledger    *credits.Ledger
	Provider  translator.Provider
	Cache     translator.Cache
	// Defaults apply to jobs that leave concurrency or retries unset.
	Defaults      translator.Options
	Orchestrators []translator.OrchestratorOption
}

// FileProcessor translates one file of a batch job: it extracts the text,
// charges one credit per unit, translates and writes the result. Credits of
// units that fail are refunded.
type FileProcessor struct {
	cfg ProcessorConfig

	mu            sync.Mutex
	orchestrators map[string]*translator.Orchestrator
}

var _ jobs.FileProcessor = (*FileProcessor)(nil)

func NewFileProcessor(cfg ProcessorConfig) (*FileProcessor, error) {
	switch {
	case cfg.Extractor == nil:
		return nil, errors.New("extractor is required")
	case cfg.Writer == nil:
		return nil, errors.New("writer is required")
	case cfg.Ledger == nil:
		return nil, errors.New("credit ledger is required")
	case cfg.Provider == nil:
		return nil, errors.New("translation provider is required")
	}
	return &FileProcessor{cfg: cfg, orchestrators: make(map[string]*translator.Orchestrator)}, nil
}

func (p *FileProcessor) ProcessFile(ctx context.Context, job *jobs.BatchJob, file jobs.FileRef) (jobs.FileResult, error) {
	res := jobs.FileResult{Name: file.Name}

	texts, err := p.cfg.Extractor.Extract(ctx, file)
	if err != nil {
		return res, fmt.Errorf("extract %s: %w", file.Name, err)
	}
	writer := p.writerFor(job)
	if len(texts) == 0 {
		log.Info("Job %s: %s has no text to translate", job.ID, file.Name)
		res.OutputPath, err = writer.Write(ctx, file, job.Options.TargetLang, nil)
		return res, err
	}

	units := translator.UnitsFromTexts(texts)
	required := credits.CalculateRequiredCredits(len(units))
	if _, err := p.cfg.Ledger.ConsumeCredits(ctx, job.UserID, required); err != nil {
		return res, err
	}
	ctx = withGlossary(ctx, job, file, units)

	orch, err := p.orchestratorFor(job.Options.Model)
	if err != nil {
		p.refund(ctx, job, required)
		return res, err
	}
	outcome, err := orch.TranslateMany(ctx, units, job.Options.SourceLang, job.Options.TargetLang, translator.Options{
		Concurrency: job.Options.Concurrency,
		MaxRetries:  job.Options.MaxRetries,
		OnProgress:  func(float64) { jobs.Heartbeat(ctx) },
	})
	if err != nil {
		p.refund(ctx, job, required)
		return res, fmt.Errorf("translate %s: %w", file.Name, err)
	}

	res.Translated = len(outcome.Results)
	res.Failed = len(outcome.Failures)
	res.Credits = required - int64(res.Failed)
	p.refund(ctx, job, int64(res.Failed))

	if res.Translated == 0 {
		res.Credits = 0
		return res, fmt.Errorf("translate %s: all %d units failed: %w", file.Name, res.Failed, outcome.Failures[0].Err)
	}

	res.OutputPath, err = writer.Write(ctx, file, job.Options.TargetLang, outcome.Results)
	if err != nil {
		p.refund(ctx, job, res.Credits)
		res.Credits = 0
		return res, fmt.Errorf("write %s: %w", file.Name, err)
	}
	log.Info("Job %s: %s translated %d/%d units to %s", job.ID, file.Name, res.Translated, len(texts), res.OutputPath)
	return res, nil
}

// withGlossary attaches the closest glossary for the job's language pair,
// searched upwards from the file's directory.
func withGlossary(ctx context.Context, job *jobs.BatchJob, file jobs.FileRef, units []translator.Unit) context.Context {
	source := job.Options.SourceLang
	if source == "" || strings.EqualFold(source, translator.AutoDetect) {
		if source = translator.DetectLanguage(units); source == "" {
			return ctx
		}
	}
	path := glossary.FindInAncestors(filepath.Dir(file.Path), source, job.Options.TargetLang)
	if path == "" {
		return ctx
	}
	g, err := glossary.Load(path)
	if err != nil {
		log.Warn("Job %s: ignoring glossary %s: %v", job.ID, path, err)
		return ctx
	}
	log.Debug("Job %s: using glossary %s (%d terms) for %s", job.ID, path, len(g), file.Name)
	return glossary.NewContext(ctx, g)
}

func (p *FileProcessor) writerFor(job *jobs.BatchJob) extract.Writer {
	if scoped, ok := p.cfg.Writer.(extract.DirScoped); ok && job.Options.OutputDir != "" {
		return scoped.InDir(job.Options.OutputDir)
	}
	return p.cfg.Writer
}

// orchestratorFor returns one orchestrator per model; they share the cache.
func (p *FileProcessor) orchestratorFor(model string) (*translator.Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if orch, ok := p.orchestrators[model]; ok {
		return orch, nil
	}

	upstream := p.cfg.Provider
	if scoped, ok := upstream.(provider.ModelScoped); ok && model != "" {
		upstream = scoped.ForModel(model)
	}
	opts := []translator.OrchestratorOption{translator.WithDefaults(p.cfg.Defaults)}
	if p.cfg.Cache != nil {
		opts = append(opts, translator.WithCache(p.cfg.Cache))
	}
	opts = append(opts, p.cfg.Orchestrators...)

	orch, err := translator.NewOrchestrator(upstream, opts...)
	if err != nil {
		return nil, err
	}
	p.orchestrators[model] = orch
	return orch, nil
}

func (p *FileProcessor) refund(ctx context.Context, job *jobs.BatchJob, amount int64) {
	if amount <= 0 {
		return
	}
	if _, err := p.cfg.Ledger.RefundCredits(context.WithoutCancel(ctx), job.UserID, amount); err != nil {
		log.Error("Job %s: failed to refund %d credits to %s: %v", job.ID, amount, job.UserID, err)
	}
}
