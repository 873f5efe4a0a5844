package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/icron"
	"github.com/MimeLyc/slide-translator/pkg/log"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultStallThreshold = 30 * time.Minute
	DefaultSweepSchedule  = "@every 1m"
)

// FileProcessor translates one file of a job. A returned error marks the
// file failed unless it is fatal for the whole job.
type FileProcessor interface {
	ProcessFile(ctx context.Context, job *BatchJob, file FileRef) (FileResult, error)
}

type FileProcessorFunc func(ctx context.Context, job *BatchJob, file FileRef) (FileResult, error)

func (f FileProcessorFunc) ProcessFile(ctx context.Context, job *BatchJob, file FileRef) (FileResult, error) {
	return f(ctx, job, file)
}

// Ticker drives the polling loop. Tests substitute a manual implementation.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func NewTimeTicker(interval time.Duration) Ticker {
	return &timeTicker{t: time.NewTicker(interval)}
}

func (t *timeTicker) C() <-chan time.Time { return t.t.C }
func (t *timeTicker) Stop()               { t.t.Stop() }

type heartbeatKey struct{}

// WithHeartbeat returns a context whose Heartbeat calls beat.
func WithHeartbeat(ctx context.Context, beat func()) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, beat)
}

// Heartbeat tells the worker processing the current file that it is still
// making progress. It does nothing outside a worker.
func Heartbeat(ctx context.Context) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func()); ok {
		beat()
	}
}

type WorkerOption func(*Worker)

func WithTicker(t Ticker) WorkerOption {
	return func(w *Worker) { w.ticker = t }
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

func WithStallThreshold(d time.Duration) WorkerOption {
	return func(w *Worker) { w.stallThreshold = d }
}

func WithSweepSchedule(expr string) WorkerOption {
	return func(w *Worker) { w.sweepSchedule = expr }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// Worker claims pending jobs one at a time and feeds their files through a
// FileProcessor. A cron-scheduled sweep returns stalled jobs to the queue.
type Worker struct {
	store     Store
	processor FileProcessor

	ticker         Ticker
	pollInterval   time.Duration
	stallThreshold time.Duration
	sweepSchedule  string
	now            func() time.Time

	tickMu sync.Mutex

	heldMu   sync.Mutex
	held     string
	lastBeat time.Time
}

func NewWorker(store Store, processor FileProcessor, opts ...WorkerOption) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("file processor is required")
	}
	w := &Worker{
		store:          store,
		processor:      processor,
		pollInterval:   DefaultPollInterval,
		stallThreshold: DefaultStallThreshold,
		sweepSchedule:  DefaultSweepSchedule,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", w.pollInterval)
	}
	if w.stallThreshold <= 0 {
		return nil, fmt.Errorf("stall threshold must be positive, got %s", w.stallThreshold)
	}
	if _, err := icron.Parse(w.sweepSchedule); err != nil {
		return nil, fmt.Errorf("sweep schedule: %w", err)
	}
	return w, nil
}

// Run sweeps once, then polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := w.ticker
	if ticker == nil {
		ticker = NewTimeTicker(w.pollInterval)
	}
	defer ticker.Stop()

	if _, err := w.Sweep(ctx); err != nil {
		log.Error("Startup stall sweep failed: %v", err)
	}

	sweeper := icron.NewCron()
	if _, err := sweeper.AddFunc(w.sweepSchedule, func() {
		if _, err := w.Sweep(ctx); err != nil {
			log.Error("Stall sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule stall sweep: %w", err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	if info, err := icron.GetTriggerInfo(w.sweepSchedule, w.now()); err == nil {
		log.Info("Batch worker started (poll every %s, next stall sweep in %s)", w.pollInterval, info.TimeUntilNext.Round(time.Second))
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Batch worker stopping: %v", ctx.Err())
			return nil
		case <-ticker.C():
			if _, err := w.Tick(ctx); err != nil {
				log.Error("Worker tick failed: %v", err)
			}
		}
	}
}

// Tick claims the oldest pending job, if any, and processes it to an end
// state. It reports whether a job was claimed.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	if ctx.Err() != nil {
		return false, nil
	}
	job, err := w.store.ClaimOldestPending(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("claim pending job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log.Info("Claimed job %s for user %s (%d files, %d already done)", job.ID, job.UserID, job.TotalFiles, job.Done())
	w.process(ctx, job)
	return true, nil
}

// Sweep resets PROCESSING jobs without progress for longer than the stall
// threshold back to PENDING. The job this worker is processing is refreshed
// first and so never reset.
func (w *Worker) Sweep(ctx context.Context) (int64, error) {
	now := w.now()
	cutoff := now.Add(-w.stallThreshold)
	w.touch(true)
	n, err := w.store.ResetStalled(ctx, cutoff, ErrorDetails{
		Message:   fmt.Sprintf("reset to pending: no progress since %s", cutoff.UTC().Format(time.RFC3339)),
		Timestamp: now,
	})
	if err != nil {
		return 0, fmt.Errorf("reset stalled jobs: %w", err)
	}
	if n > 0 {
		log.Warn("Reset %d stalled job(s) to pending", n)
	}
	return n, nil
}

func (w *Worker) hold(id string) {
	w.heldMu.Lock()
	w.held = id
	w.lastBeat = time.Time{}
	w.heldMu.Unlock()
}

// touch refreshes UpdatedAt of the held job, at most once per quarter of the
// stall threshold unless force is set.
func (w *Worker) touch(force bool) {
	now := w.now()
	w.heldMu.Lock()
	id := w.held
	if id == "" || (!force && now.Sub(w.lastBeat) < w.stallThreshold/4) {
		w.heldMu.Unlock()
		return
	}
	w.lastBeat = now
	w.heldMu.Unlock()

	_, err := w.store.Update(context.Background(), id, Patch{IfStatus: StatusProcessing, UpdatedAt: now})
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		log.Warn("Failed to refresh job %s: %v", id, err)
	}
}

func (w *Worker) process(ctx context.Context, job *BatchJob) {
	w.hold(job.ID)
	defer w.hold("")
	fileCtx := WithHeartbeat(ctx, func() { w.touch(false) })

	processed, failed := job.ProcessedFiles, job.FailedFiles
	var results Results
	if job.Results != nil {
		results = *cloneResults(job.Results)
	}
	start := min(job.Done(), len(job.Files))
	if len(results.Files) > start {
		results.Files = results.Files[:start]
	}

	for i := start; i < len(job.Files); i++ {
		if ctx.Err() != nil {
			w.release(job.ID, "worker stopped before finishing the job")
			return
		}
		current, err := w.store.FindByID(ctx, job.ID)
		if err != nil {
			log.Error("Failed to re-read job %s: %v", job.ID, err)
			return
		}
		if current.Status != StatusProcessing {
			log.Info("Job %s is %s, stopping", job.ID, current.Status)
			return
		}

		file := job.Files[i]
		res, err := w.processor.ProcessFile(fileCtx, current, file)
		if res.Name == "" {
			res.Name = file.Name
		}
		if err != nil {
			// A file interrupted by shutdown is redone on resume, whatever the error.
			if ctx.Err() != nil {
				w.release(job.ID, "worker stopped while processing "+file.Name)
				return
			}
			if isFatal(err) {
				w.fail(job.ID, err)
				return
			}
			log.Warn("Job %s: file %s failed: %v", job.ID, file.Name, err)
			res.Error = err.Error()
			failed++
		} else {
			processed++
		}
		results.Files = append(results.Files, res)
		results.CreditsUsed += res.Credits

		// Progress writes must land even if shutdown races the last file.
		_, err = w.store.Update(context.WithoutCancel(ctx), job.ID, Patch{
			IfStatus:       StatusProcessing,
			ProcessedFiles: intPtr(processed),
			FailedFiles:    intPtr(failed),
			Results:        &results,
			UpdatedAt:      w.now(),
		})
		if errors.Is(err, ErrStatusConflict) {
			log.Info("Job %s changed state while processing %s, stopping", job.ID, file.Name)
			return
		}
		if err != nil {
			log.Error("Failed to record progress for job %s: %v", job.ID, err)
			return
		}
	}

	w.complete(context.WithoutCancel(ctx), job, processed, failed, results)
}

func (w *Worker) complete(ctx context.Context, job *BatchJob, processed, failed int, results Results) {
	now := w.now()
	results.Timestamp = now
	results.Message = fmt.Sprintf("processed %d of %d files, %d failed", processed, job.TotalFiles, failed)

	patch := Patch{
		IfStatus:    StatusProcessing,
		Status:      statusPtr(StatusCompleted),
		CompletedAt: timePtr(now),
		Results:     &results,
		UpdatedAt:   now,
	}
	if processed == 0 && failed > 0 {
		patch.Status = statusPtr(StatusFailed)
		patch.ErrorDetails = &ErrorDetails{Message: "all files failed", Timestamp: now}
	}
	if _, err := w.store.Update(ctx, job.ID, patch); err != nil {
		log.Error("Failed to complete job %s: %v", job.ID, err)
		return
	}
	log.Info("Job %s finished as %s: %s", job.ID, *patch.Status, results.Message)
}

func (w *Worker) fail(id string, cause error) {
	now := w.now()
	_, err := w.store.Update(context.Background(), id, Patch{
		IfStatus:     StatusProcessing,
		Status:       statusPtr(StatusFailed),
		CompletedAt:  timePtr(now),
		ErrorDetails: &ErrorDetails{Message: cause.Error(), Timestamp: now},
		UpdatedAt:    now,
	})
	if err != nil {
		log.Error("Failed to mark job %s failed: %v", id, err)
		return
	}
	log.Error("Job %s failed: %v", id, cause)
}

// release hands an interrupted job back to the queue so the next worker
// resumes it without waiting for the stall sweep.
func (w *Worker) release(id, reason string) {
	now := w.now()
	_, err := w.store.Update(context.Background(), id, Patch{
		IfStatus:     StatusProcessing,
		Status:       statusPtr(StatusPending),
		ErrorDetails: &ErrorDetails{Message: reason, Timestamp: now},
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		log.Error("Failed to release job %s: %v", id, err)
		return
	}
	log.Info("Released job %s: %s", id, reason)
}

// isFatal reports errors that make every remaining file pointless.
func isFatal(err error) bool {
	return credits.IsInsufficientCredits(err) ||
		errors.Is(err, credits.ErrAccountNotFound) ||
		translator.IsErrorType(err, translator.ErrAuthentication) ||
		translator.IsErrorType(err, translator.ErrConfig)
}
