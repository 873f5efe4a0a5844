package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/slide-translator/pkg/log"
)

// MaxFilesPerJob caps a single batch submission.
const MaxFilesPerJob = 20

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// Service is the client-facing side of the job queue: it creates jobs and
// reports on them, while Worker moves them through their lifecycle.
type Service struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) SubmitBatchJob(ctx context.Context, userID string, files []FileRef, opts Options) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("%w: at least one file is required", ErrInvalidRequest)
	}
	if len(files) > MaxFilesPerJob {
		return "", fmt.Errorf("%w: at most %d files per job, got %d", ErrInvalidRequest, MaxFilesPerJob, len(files))
	}
	if strings.TrimSpace(opts.TargetLang) == "" {
		return "", fmt.Errorf("%w: target language is required", ErrInvalidRequest)
	}
	for i, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			return "", fmt.Errorf("%w: file %d has no path", ErrInvalidRequest, i)
		}
	}

	job := s.newJob(userID, files, opts)
	if err := s.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	log.Info("Submitted job %s for user %s with %d files", job.ID, userID, job.TotalFiles)
	return job.ID, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*BatchJob, error) {
	return s.store.FindByID(ctx, jobID)
}

func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := s.store.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		ID:             job.ID,
		Status:         job.Status,
		TotalFiles:     job.TotalFiles,
		ProcessedFiles: job.ProcessedFiles,
		FailedFiles:    job.FailedFiles,
		ErrorDetails:   job.ErrorDetails,
		Results:        job.Results,
	}
	if job.TotalFiles > 0 {
		view.Progress = float64(job.Done()) / float64(job.TotalFiles)
	}
	return view, nil
}

// CancelJob moves a pending or processing job to CANCELLED. A worker holding
// the job notices before its next file.
func (s *Service) CancelJob(ctx context.Context, jobID string) (*BatchJob, error) {
	for range 3 {
		job, err := s.store.FindByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, fmt.Errorf("%w: %s", ErrJobTerminal, job.Status)
		}
		now := s.now()
		updated, err := s.store.Update(ctx, jobID, Patch{
			IfStatus:    job.Status,
			Status:      statusPtr(StatusCancelled),
			CompletedAt: timePtr(now),
			UpdatedAt:   now,
		})
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
		}
		log.Info("Cancelled job %s", jobID)
		return updated, nil
	}
	return nil, fmt.Errorf("cancel job %s: %w", jobID, ErrStatusConflict)
}

// RetryJob creates a fresh PENDING job from a failed, cancelled, or
// partially failed one.
func (s *Service) RetryJob(ctx context.Context, jobID string) (string, error) {
	job, err := s.store.FindByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch {
	case job.Status == StatusFailed, job.Status == StatusCancelled:
	case job.Status == StatusCompleted && job.FailedFiles > 0:
	default:
		return "", fmt.Errorf("%w: job %s is %s", ErrInvalidRequest, jobID, job.Status)
	}

	retry := s.newJob(job.UserID, job.Files, job.Options)
	retry.RetryOf = job.ID
	if err := s.store.Create(ctx, retry); err != nil {
		return "", fmt.Errorf("create retry job: %w", err)
	}
	log.Info("Created job %s as retry of %s", retry.ID, job.ID)
	return retry.ID, nil
}

func (s *Service) newJob(userID string, files []FileRef, opts Options) *BatchJob {
	now := s.now()
	refs := make([]FileRef, len(files))
	for i, f := range files {
		if f.Name == "" {
			f.Name = filepath.Base(f.Path)
		}
		refs[i] = f
	}
	return &BatchJob{
		ID:         s.newID(),
		UserID:     userID,
		Status:     StatusPending,
		TotalFiles: len(refs),
		Files:      refs,
		Options:    opts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
