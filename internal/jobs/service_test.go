package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_SubmitBatchJob_Validation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name   string
		userID string
		files  []FileRef
		opts   Options
	}{
		{name: "missing user", userID: "", files: makeFiles(1), opts: Options{TargetLang: "fr"}},
		{name: "no files", userID: "u1", files: nil, opts: Options{TargetLang: "fr"}},
		{name: "too many files", userID: "u1", files: makeFiles(MaxFilesPerJob + 1), opts: Options{TargetLang: "fr"}},
		{name: "missing target", userID: "u1", files: makeFiles(1), opts: Options{}},
		{name: "empty path", userID: "u1", files: []FileRef{{Name: "x"}}, opts: Options{TargetLang: "fr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SubmitBatchJob(ctx, tt.userID, tt.files, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	id, err := svc.SubmitBatchJob(ctx, "u1", makeFiles(MaxFilesPerJob), Options{TargetLang: "fr"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestService_SubmitBatchJob_DefaultsFileNames(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithIDGenerator(func() string { return "job-1" }))
	ctx := context.Background()

	id, err := svc.SubmitBatchJob(ctx, "u1", []FileRef{{Path: "/uploads/q3/report.pptx"}}, Options{TargetLang: "fr"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	job, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "report.pptx", job.Files[0].Name)
	assert.Equal(t, 1, job.TotalFiles)
	assert.Equal(t, StatusPending, job.Status)
}

func TestService_GetJobStatus(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.GetJobStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	id, err := svc.SubmitBatchJob(ctx, "u1", makeFiles(4), Options{TargetLang: "fr"})
	require.NoError(t, err)
	_, err = store.Update(ctx, id, Patch{ProcessedFiles: intPtr(2), FailedFiles: intPtr(1)})
	require.NoError(t, err)

	status, err := svc.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, status.Progress, 1e-9)
	assert.Equal(t, 2, status.ProcessedFiles)
	assert.Equal(t, 1, status.FailedFiles)
}

func TestService_CancelJob(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.CancelJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	id, err := svc.SubmitBatchJob(ctx, "u1", makeFiles(1), Options{TargetLang: "fr"})
	require.NoError(t, err)

	job, err := svc.CancelJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)

	_, err = svc.CancelJob(ctx, id)
	assert.ErrorIs(t, err, ErrJobTerminal)
}

func TestService_RetryJob(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	id, err := svc.SubmitBatchJob(ctx, "u1", makeFiles(2), Options{TargetLang: "fr", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = svc.RetryJob(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidRequest, "pending jobs cannot be retried")

	_, err = store.Update(ctx, id, Patch{Status: statusPtr(StatusCompleted), ProcessedFiles: intPtr(2)})
	require.NoError(t, err)
	_, err = svc.RetryJob(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidRequest, "fully successful jobs cannot be retried")

	_, err = store.Update(ctx, id, Patch{Status: statusPtr(StatusFailed)})
	require.NoError(t, err)
	retryID, err := svc.RetryJob(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, retryID)

	retry, err := svc.GetJob(ctx, retryID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retry.Status)
	assert.Equal(t, id, retry.RetryOf)
	assert.Equal(t, "gpt-4o-mini", retry.Options.Model)
	assert.Len(t, retry.Files, 2)
	assert.Equal(t, 0, retry.Done())

	_, err = svc.RetryJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
