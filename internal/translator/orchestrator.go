package translator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"

	"github.com/MimeLyc/slide-translator/internal/cache"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

// AutoDetect asks TranslateMany to detect the source language.
const AutoDetect = "auto"

// Cache is the subset of cache.TranslationCache the orchestrator needs.
type Cache interface {
	Get(key cache.Key) (string, bool)
	Set(key cache.Key, value string) error
}

// Orchestrator fans translation calls out over a bounded worker pool.
// It is safe for concurrent use; one instance is shared by the request path
// and the batch worker.
type Orchestrator struct {
	provider   Provider
	cache      Cache
	classifier RetryClassifier
	backoff    Backoff
	defaults   Options

	inflight singleflight.Group
}

type OrchestratorOption func(*Orchestrator)

func WithCache(c Cache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = c }
}

func WithClassifier(c RetryClassifier) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

func WithBackoff(b Backoff) OrchestratorOption {
	return func(o *Orchestrator) { o.backoff = b }
}

// WithDefaults sets the options used when a call leaves a field unset.
func WithDefaults(d Options) OrchestratorOption {
	return func(o *Orchestrator) { o.defaults = d }
}

func NewOrchestrator(provider Provider, opts ...OrchestratorOption) (*Orchestrator, error) {
	if provider == nil {
		return nil, NewConfigError("translation provider is required")
	}
	o := &Orchestrator{
		provider:   provider,
		classifier: DefaultClassifier{},
		backoff:    Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay},
		defaults: Options{
			Concurrency: DefaultConcurrency,
			BatchSize:   DefaultBatchSize,
			MaxRetries:  DefaultMaxRetries,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// unitOutcome is the tagged per-unit result produced inside the pool.
type unitOutcome struct {
	done     bool
	result   Result
	failure  *UnitFailure
	canceled bool
}

type progress struct {
	mu        sync.Mutex
	completed int
	total     int
	report    func(float64)
}

func (p *progress) unitDone() {
	if p.report == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed++
	p.report(float64(p.completed) / float64(p.total))
}

// TranslateMany translates units from sourceLang to targetLang.
//
// Units that fail permanently are reported in Outcome.Failures and do not
// abort the call. If ctx is cancelled, no further units are dispatched,
// in-flight provider calls are allowed to finish, and the call returns an
// error matching ErrCancelledTranslation instead of a partial outcome.
func (o *Orchestrator) TranslateMany(
	ctx context.Context,
	units []Unit,
	sourceLang string,
	targetLang string,
	opts Options,
) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelledError(err)
	}

	if len(units) == 0 {
		return &Outcome{}, nil
	}
	sourceLang, targetLang, err := resolveLanguages(units, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}

	opts = opts.withDefaults(o.defaults)
	groups := o.group(units, opts.BatchSize)

	outcomes := make([]unitOutcome, len(units))
	prog := &progress{total: len(units), report: opts.OnProgress}
	// Provider calls already started run to completion even after cancellation.
	callCtx := context.WithoutCancel(ctx)

	var (
		g           errgroup.Group
		interrupted atomic.Bool
	)
	g.SetLimit(opts.Concurrency)

	offset := 0
	for _, grp := range groups {
		if ctx.Err() != nil {
			interrupted.Store(true)
			break
		}
		start := offset
		offset += len(grp)
		g.Go(func() error {
			o.translateGroup(ctx, callCtx, grp, outcomes[start:start+len(grp)], sourceLang, targetLang, opts, prog)
			return nil
		})
	}
	_ = g.Wait()

	for _, oc := range outcomes {
		if !oc.done || oc.canceled {
			interrupted.Store(true)
			break
		}
	}
	if interrupted.Load() {
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return nil, cancelledError(cause)
	}

	ret := &Outcome{
		Results:  make([]Result, 0, len(units)),
		Failures: make([]UnitFailure, 0),
	}
	for _, oc := range outcomes {
		if oc.failure != nil {
			ret.Failures = append(ret.Failures, *oc.failure)
			continue
		}
		ret.Results = append(ret.Results, oc.result)
	}
	if len(ret.Failures) > 0 {
		log.Warn("Translated %d/%d units %s->%s, %d failed", len(ret.Results), len(units), sourceLang, targetLang, len(ret.Failures))
	}
	return ret, nil
}

// group splits units into dispatch groups: one unit each unless the provider
// supports batched calls.
func (o *Orchestrator) group(units []Unit, batchSize int) [][]Unit {
	size := 1
	if _, ok := o.provider.(BatchProvider); ok && batchSize > 1 {
		size = batchSize
	}
	groups := make([][]Unit, 0, (len(units)+size-1)/size)
	for i := 0; i < len(units); i += size {
		groups = append(groups, units[i:min(i+size, len(units))])
	}
	return groups
}

func (o *Orchestrator) translateGroup(
	ctx context.Context,
	callCtx context.Context,
	units []Unit,
	out []unitOutcome,
	sourceLang string,
	targetLang string,
	opts Options,
	prog *progress,
) {
	if ctx.Err() != nil {
		for i := range out {
			out[i] = unitOutcome{canceled: true}
		}
		return
	}

	misses := make([]int, 0, len(units))
	for i, u := range units {
		if translated, ok := o.lookup(u, sourceLang, targetLang); ok {
			out[i] = unitOutcome{done: true, result: Result{Index: u.Index, Original: u.Text, Translated: translated, Cached: strings.TrimSpace(u.Text) != ""}}
			prog.unitDone()
			continue
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return
	}

	var (
		spent    int
		batchErr error
	)
	if bp, ok := o.provider.(BatchProvider); ok && len(misses) > 1 {
		var fallback bool
		fallback, spent, batchErr = o.translateBatch(ctx, callCtx, bp, units, misses, out, sourceLang, targetLang, opts, prog)
		if !fallback {
			return
		}
		if ctx.Err() != nil {
			for _, i := range misses {
				out[i] = unitOutcome{canceled: true}
			}
			return
		}
	}

	// Singles, or the fallback when a batched call could not be used. Batch
	// attempts count against each unit's retry budget.
	for n, i := range misses {
		if n > 0 && ctx.Err() != nil {
			out[i] = unitOutcome{canceled: true}
			continue
		}
		out[i] = o.translateUnit(ctx, callCtx, units[i], sourceLang, targetLang, opts.MaxRetries, spent, batchErr)
		if out[i].canceled {
			continue
		}
		prog.unitDone()
	}
}

// translateBatch fills out for every miss, or reports fallback when the misses
// should be retried one by one. spent is the number of batch calls made.
// Only a length mismatch or a Validation error falls back; any other failure
// fails every miss with the batch error.
func (o *Orchestrator) translateBatch(
	ctx context.Context,
	callCtx context.Context,
	bp BatchProvider,
	units []Unit,
	misses []int,
	out []unitOutcome,
	sourceLang string,
	targetLang string,
	opts Options,
	prog *progress,
) (fallback bool, spent int, lastErr error) {
	texts := make([]string, len(misses))
	for j, i := range misses {
		texts[j] = units[i].Text
	}

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := o.backoff.Delay(attempt-1, o.classifier.Classify(lastErr))
			if err := sleep(ctx, delay); err != nil {
				for _, i := range misses {
					out[i] = unitOutcome{canceled: true}
				}
				return false, spent, lastErr
			}
		}
		spent++
		translated, err := bp.TranslateBatch(callCtx, texts, sourceLang, targetLang)
		if err == nil && len(translated) != len(texts) {
			log.Warn("Batch translation returned %d texts for %d inputs, falling back to single units", len(translated), len(texts))
			return true, spent, NewValidationError(fmt.Sprintf("batch returned %d translations for %d texts", len(translated), len(texts)))
		}
		if err == nil {
			for j, i := range misses {
				u := units[i]
				o.store(u, sourceLang, targetLang, translated[j])
				out[i] = unitOutcome{done: true, result: Result{Index: u.Index, Original: u.Text, Translated: translated[j]}}
				prog.unitDone()
			}
			return false, spent, nil
		}
		lastErr = err
		if !o.classifier.Classify(err).Retryable {
			if IsErrorType(err, ErrValidation) {
				log.Warn("Batch of %d units rejected, retrying units individually: %v", len(texts), err)
				return true, spent, err
			}
			break
		}
		log.Debug("Batch of %d units failed on attempt %d: %v", len(texts), attempt+1, err)
	}

	log.Warn("Batch of %d units failed after %d attempt(s): %v", len(texts), spent, lastErr)
	for _, i := range misses {
		out[i] = unitOutcome{
			done:    true,
			failure: &UnitFailure{Unit: units[i], Err: lastErr, Attempts: spent},
		}
		prog.unitDone()
	}
	return false, spent, lastErr
}

// translateUnit calls the provider until the unit succeeds, fails fatally or
// has used maxRetries+1 attempts in total, spent of them already gone.
func (o *Orchestrator) translateUnit(
	ctx context.Context,
	callCtx context.Context,
	u Unit,
	sourceLang string,
	targetLang string,
	maxRetries int,
	spent int,
	lastErr error,
) unitOutcome {
	if strings.TrimSpace(u.Text) == "" {
		return unitOutcome{done: true, result: Result{Index: u.Index, Original: u.Text, Translated: u.Text}}
	}

	attempts := spent
	for attempts <= maxRetries {
		if attempts > spent {
			delay := o.backoff.Delay(attempts-1, o.classifier.Classify(lastErr))
			if err := sleep(ctx, delay); err != nil {
				return unitOutcome{canceled: true}
			}
		}
		attempts++
		translated, err := o.call(callCtx, u.Text, sourceLang, targetLang)
		if err == nil {
			o.store(u, sourceLang, targetLang, translated)
			return unitOutcome{done: true, result: Result{Index: u.Index, Original: u.Text, Translated: translated}}
		}
		lastErr = err
		if !o.classifier.Classify(err).Retryable {
			break
		}
		log.Debug("Unit %d failed on attempt %d/%d: %v", u.Index, attempts, maxRetries+1, err)
	}

	log.Warn("Unit %d failed after %d attempt(s): %v", u.Index, attempts, lastErr)
	return unitOutcome{
		done:    true,
		failure: &UnitFailure{Unit: u, Err: lastErr, Attempts: attempts},
	}
}

// call shares one provider request between identical concurrent units.
func (o *Orchestrator) call(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	key := sourceLang + "\x00" + targetLang + "\x00" + text
	v, err, _ := o.inflight.Do(key, func() (any, error) {
		return o.provider.Translate(ctx, text, sourceLang, targetLang)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (o *Orchestrator) lookup(u Unit, sourceLang, targetLang string) (string, bool) {
	if strings.TrimSpace(u.Text) == "" {
		return u.Text, true
	}
	if o.cache == nil {
		return "", false
	}
	return o.cache.Get(cache.Key{Text: u.Text, SourceLang: sourceLang, TargetLang: targetLang})
}

func (o *Orchestrator) store(u Unit, sourceLang, targetLang, translated string) {
	if o.cache == nil || u.Text == "" {
		return
	}
	if err := o.cache.Set(cache.Key{Text: u.Text, SourceLang: sourceLang, TargetLang: targetLang}, translated); err != nil {
		log.Warn("Failed to cache translation of unit %d: %v", u.Index, err)
	}
}

func resolveLanguages(units []Unit, sourceLang, targetLang string) (string, string, error) {
	target, err := normalizeLanguage(targetLang)
	if err != nil {
		return "", "", NewValidationError(fmt.Sprintf("invalid target language %q", targetLang))
	}

	if sourceLang == "" || strings.EqualFold(sourceLang, AutoDetect) {
		detected := DetectLanguage(units)
		if detected == "" {
			return "", "", NewValidationError("could not detect source language")
		}
		return detected, target, nil
	}
	source, err := normalizeLanguage(sourceLang)
	if err != nil {
		return "", "", NewValidationError(fmt.Sprintf("invalid source language %q", sourceLang))
	}
	return source, target, nil
}

func normalizeLanguage(code string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(code))
	if err != nil {
		return "", err
	}
	return tag.String(), nil
}

// DetectLanguage guesses the ISO 639-1 code of the units' combined text.
// It returns "" when nothing can be detected.
func DetectLanguage(units []Unit) string {
	var sb strings.Builder
	for _, u := range units {
		if sb.Len() > 2000 {
			break
		}
		sb.WriteString(u.Text)
		sb.WriteString("\n")
	}
	if strings.TrimSpace(sb.String()) == "" {
		return ""
	}
	return whatlanggo.DetectLang(sb.String()).Iso6391()
}
