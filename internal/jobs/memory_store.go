package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultMaxJobs = 1000

// MemoryStore keeps jobs in process memory. Terminal jobs beyond maxJobs are
// pruned oldest-first so a long-lived worker stays bounded.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*BatchJob
	seq     map[string]uint64
	nextSeq uint64
	maxJobs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*BatchJob),
		seq:     make(map[string]uint64),
		maxJobs: defaultMaxJobs,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *BatchJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.nextSeq++
	s.jobs[job.ID] = CloneJob(job)
	s.seq[job.ID] = s.nextSeq
	s.pruneTerminalJobsLocked()
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return CloneJob(job), nil
}

func (s *MemoryStore) FindOldestPending(_ context.Context) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CloneJob(s.oldestPendingLocked()), nil
}

func (s *MemoryStore) ClaimOldestPending(_ context.Context, now time.Time) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.oldestPendingLocked()
	if job == nil {
		return nil, nil
	}
	job.Status = StatusProcessing
	job.StartedAt = timePtr(now)
	job.UpdatedAt = now
	return CloneJob(job), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) (*BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if patch.IfStatus != "" && job.Status != patch.IfStatus {
		return CloneJob(job), ErrStatusConflict
	}
	patch.Apply(job)
	if job.Status.Terminal() {
		s.pruneTerminalJobsLocked()
	}
	return CloneJob(job), nil
}

func (s *MemoryStore) ResetStalled(_ context.Context, before time.Time, details ErrorDetails) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status != StatusProcessing || !job.UpdatedAt.Before(before) {
			continue
		}
		d := details
		job.Status = StatusPending
		job.ErrorDetails = &d
		job.UpdatedAt = details.Timestamp
		n++
	}
	return n, nil
}

func (s *MemoryStore) oldestPendingLocked() *BatchJob {
	var oldest *BatchJob
	for id, job := range s.jobs {
		if job.Status != StatusPending {
			continue
		}
		if oldest == nil ||
			job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && s.seq[id] < s.seq[oldest.ID]) {
			oldest = job
		}
	}
	return oldest
}

func (s *MemoryStore) pruneTerminalJobsLocked() {
	if s.maxJobs <= 0 || len(s.jobs) <= s.maxJobs {
		return
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(s.jobs))
	for id, job := range s.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := min(len(s.jobs)-s.maxJobs, len(terminal))
	for i := range toRemove {
		delete(s.jobs, terminal[i].id)
		delete(s.seq, terminal[i].id)
	}
}
