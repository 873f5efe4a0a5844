package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/slide-translator/internal/credits"
	"github.com/MimeLyc/slide-translator/internal/jobs"
)

// dialect captures the few places where SQLite and Postgres differ.
type dialect struct {
	name               string
	numberedParams     bool
	claimLock          string
	migrationsTableDDL string
}

var sqliteDialect = dialect{
	name: "sqlite",
	migrationsTableDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var postgresDialect = dialect{
	name:           "postgres",
	numberedParams: true,
	claimLock:      " FOR UPDATE SKIP LOCKED",
	migrationsTableDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

// bind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) bind(query string) string {
	if !d.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, user_id, status, total_files, processed_files, failed_files,
	files_json, options_json, retry_of, error_details_json, results_json,
	created_at, updated_at, started_at, completed_at`

// sqlStore implements jobs.Store and credits.Store over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ jobs.Store    = (*sqlStore)(nil)
	_ credits.Store = (*sqlStore)(nil)
)

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.bind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.bind(query), args...)
}

func (s *sqlStore) Create(ctx context.Context, job *jobs.BatchJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	filesJSON, err := json.Marshal(job.Files)
	if err != nil {
		return err
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	errorDetails, err := nullableJSON(job.ErrorDetails)
	if err != nil {
		return err
	}
	results, err := nullableJSON(job.Results)
	if err != nil {
		return err
	}
	_, err = s.exec(
		ctx,
		`INSERT INTO batch_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		string(job.Status),
		job.TotalFiles,
		job.ProcessedFiles,
		job.FailedFiles,
		string(filesJSON),
		string(optionsJSON),
		job.RetryOf,
		errorDetails,
		results,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *sqlStore) FindByID(ctx context.Context, id string) (*jobs.BatchJob, error) {
	row := s.queryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (s *sqlStore) FindOldestPending(ctx context.Context) (*jobs.BatchJob, error) {
	row := s.queryRow(
		ctx,
		`SELECT `+jobColumns+`
		 FROM batch_jobs
		 WHERE status = ?
		 ORDER BY created_at ASC, seq ASC
		 LIMIT 1`,
		string(jobs.StatusPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find oldest pending job: %w", err)
	}
	return job, nil
}

// ClaimOldestPending flips the oldest pending row to PROCESSING in one
// statement; the outer status predicate makes a lost race claim nothing.
func (s *sqlStore) ClaimOldestPending(ctx context.Context, now time.Time) (*jobs.BatchJob, error) {
	var id string
	err := s.queryRow(
		ctx,
		`UPDATE batch_jobs
		 SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM batch_jobs
			WHERE status = ?
			ORDER BY created_at ASC, seq ASC
			LIMIT 1`+s.dialect.claimLock+`
		 ) AND status = ?
		 RETURNING id`,
		string(jobs.StatusProcessing),
		now.UTC(),
		now.UTC(),
		string(jobs.StatusPending),
		string(jobs.StatusPending),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *sqlStore) Update(ctx context.Context, id string, patch jobs.Patch) (*jobs.BatchJob, error) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.ProcessedFiles != nil {
		set("processed_files", *patch.ProcessedFiles)
	}
	if patch.FailedFiles != nil {
		set("failed_files", *patch.FailedFiles)
	}
	if patch.StartedAt != nil {
		set("started_at", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		set("completed_at", patch.CompletedAt.UTC())
	}
	if patch.ErrorDetails != nil {
		raw, err := json.Marshal(patch.ErrorDetails)
		if err != nil {
			return nil, err
		}
		set("error_details_json", string(raw))
	}
	if patch.Results != nil {
		raw, err := json.Marshal(patch.Results)
		if err != nil {
			return nil, err
		}
		set("results_json", string(raw))
	}
	if !patch.UpdatedAt.IsZero() {
		set("updated_at", patch.UpdatedAt.UTC())
	}

	if len(sets) == 0 {
		job, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if patch.IfStatus != "" && job.Status != patch.IfStatus {
			return job, jobs.ErrStatusConflict
		}
		return job, nil
	}

	query := `UPDATE batch_jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if patch.IfStatus != "" {
		query += ` AND status = ?`
		args = append(args, string(patch.IfStatus))
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return job, jobs.ErrStatusConflict
	}
	return job, nil
}

func (s *sqlStore) ResetStalled(ctx context.Context, before time.Time, details jobs.ErrorDetails) (int64, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return 0, err
	}
	res, err := s.exec(
		ctx,
		`UPDATE batch_jobs
		 SET status = ?, error_details_json = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(jobs.StatusPending),
		string(raw),
		details.Timestamp.UTC(),
		string(jobs.StatusProcessing),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stalled jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) FindBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.queryRow(ctx, `SELECT balance FROM credit_accounts WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credits.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// AtomicDecrement relies on the WHERE balance >= amount predicate, so the
// check and the debit are one statement and can never overdraw.
func (s *sqlStore) AtomicDecrement(ctx context.Context, userID string, amount int64) (int64, bool, error) {
	var remaining int64
	err := s.queryRow(
		ctx,
		`UPDATE credit_accounts
		 SET balance = balance - ?, updated_at = ?
		 WHERE user_id = ? AND balance >= ?
		 RETURNING balance`,
		amount,
		time.Now().UTC(),
		userID,
		amount,
	).Scan(&remaining)
	if err == nil {
		return remaining, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	balance, err := s.FindBalance(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return balance, false, nil
}

func (s *sqlStore) Increment(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	err := s.queryRow(
		ctx,
		`UPDATE credit_accounts
		 SET balance = balance + ?, updated_at = ?
		 WHERE user_id = ?
		 RETURNING balance`,
		amount,
		time.Now().UTC(),
		userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credits.ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *sqlStore) SetBalance(ctx context.Context, userID string, balance int64) error {
	_, err := s.exec(
		ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		userID,
		balance,
		time.Now().UTC(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.BatchJob, error) {
	var (
		job          jobs.BatchJob
		status       string
		filesJSON    string
		optionsJSON  string
		errorDetails sql.NullString
		results      sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&status,
		&job.TotalFiles,
		&job.ProcessedFiles,
		&job.FailedFiles,
		&filesJSON,
		&optionsJSON,
		&job.RetryOf,
		&errorDetails,
		&results,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(filesJSON), &job.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if errorDetails.Valid && errorDetails.String != "" {
		job.ErrorDetails = &jobs.ErrorDetails{}
		if err := json.Unmarshal([]byte(errorDetails.String), job.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		job.Results = &jobs.Results{}
		if err := json.Unmarshal([]byte(results.String), job.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
