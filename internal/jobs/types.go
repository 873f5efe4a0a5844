package jobs

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStatusConflict is returned by Store.Update when Patch.IfStatus does
	// not match the stored status.
	ErrStatusConflict = errors.New("job status changed concurrently")
	ErrJobTerminal    = errors.New("job is already in a terminal state")
	ErrInvalidRequest = errors.New("invalid request")
)

type FileRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Options struct {
	SourceLang  string `json:"source_lang,omitempty"`
	TargetLang  string `json:"target_lang"`
	Model       string `json:"model,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
}

type ErrorDetails struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type FileResult struct {
	Name       string `json:"name"`
	OutputPath string `json:"output_path,omitempty"`
	Translated int    `json:"translated"`
	Failed     int    `json:"failed"`
	Credits    int64  `json:"credits"`
	Error      string `json:"error,omitempty"`
}

type Results struct {
	Message     string       `json:"message"`
	Files       []FileResult `json:"files"`
	CreditsUsed int64        `json:"credits_used"`
	Timestamp   time.Time    `json:"timestamp"`
}

type BatchJob struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	Status         Status        `json:"status"`
	TotalFiles     int           `json:"total_files"`
	ProcessedFiles int           `json:"processed_files"`
	FailedFiles    int           `json:"failed_files"`
	Files          []FileRef     `json:"files"`
	Options        Options       `json:"options"`
	RetryOf        string        `json:"retry_of,omitempty"`
	ErrorDetails   *ErrorDetails `json:"error_details,omitempty"`
	Results        *Results      `json:"results,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Done is the number of files that reached a per-file outcome.
func (j *BatchJob) Done() int {
	return j.ProcessedFiles + j.FailedFiles
}

// Patch is a partial update. Nil fields and a zero UpdatedAt are left
// untouched. When IfStatus is set the update only applies if the stored
// status equals it, otherwise Update returns ErrStatusConflict.
type Patch struct {
	IfStatus Status

	Status         *Status
	ProcessedFiles *int
	FailedFiles    *int
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorDetails   *ErrorDetails
	Results        *Results
	UpdatedAt      time.Time
}

// Apply mutates job in place; callers hold whatever lock guards job.
func (p Patch) Apply(job *BatchJob) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.ProcessedFiles != nil {
		job.ProcessedFiles = *p.ProcessedFiles
	}
	if p.FailedFiles != nil {
		job.FailedFiles = *p.FailedFiles
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		job.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		job.CompletedAt = &t
	}
	if p.ErrorDetails != nil {
		d := *p.ErrorDetails
		job.ErrorDetails = &d
	}
	if p.Results != nil {
		job.Results = cloneResults(p.Results)
	}
	if !p.UpdatedAt.IsZero() {
		job.UpdatedAt = p.UpdatedAt
	}
}

// StatusView is the client-facing projection of a job.
type StatusView struct {
	ID             string        `json:"id"`
	Status         Status        `json:"status"`
	Progress       float64       `json:"progress"`
	TotalFiles     int           `json:"total_files"`
	ProcessedFiles int           `json:"processed_files"`
	FailedFiles    int           `json:"failed_files"`
	ErrorDetails   *ErrorDetails `json:"error_details,omitempty"`
	Results        *Results      `json:"results,omitempty"`
}

func statusPtr(s Status) *Status { return &s }
func intPtr(n int) *int          { return &n }
func timePtr(t time.Time) *time.Time {
	return &t
}

// CloneJob returns a deep copy so callers never share mutable state with a store.
func CloneJob(job *BatchJob) *BatchJob {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Files = append([]FileRef(nil), job.Files...)
	if job.ErrorDetails != nil {
		d := *job.ErrorDetails
		tmp.ErrorDetails = &d
	}
	tmp.Results = cloneResults(job.Results)
	if job.StartedAt != nil {
		t := *job.StartedAt
		tmp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		tmp.CompletedAt = &t
	}
	return &tmp
}

func cloneResults(r *Results) *Results {
	if r == nil {
		return nil
	}
	tmp := *r
	tmp.Files = append([]FileResult(nil), r.Files...)
	return &tmp
}
