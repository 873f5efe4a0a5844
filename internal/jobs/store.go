package jobs

import (
	"context"
	"time"
)

// Store persists batch jobs. Implementations must make ClaimOldestPending a
// single conditional PENDING to PROCESSING transition so that two workers can
// never claim the same job.
type Store interface {
	Create(ctx context.Context, job *BatchJob) error
	FindByID(ctx context.Context, id string) (*BatchJob, error)
	// FindOldestPending returns nil, nil when no job is pending.
	FindOldestPending(ctx context.Context) (*BatchJob, error)
	// ClaimOldestPending returns nil, nil when nothing was claimed.
	ClaimOldestPending(ctx context.Context, now time.Time) (*BatchJob, error)
	Update(ctx context.Context, id string, patch Patch) (*BatchJob, error)
	// ResetStalled moves PROCESSING jobs last updated before the cutoff back
	// to PENDING and returns how many were reset.
	ResetStalled(ctx context.Context, before time.Time, details ErrorDetails) (int64, error)
}
