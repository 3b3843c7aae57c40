package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/jmoiron/sqlx"
)

// maxUpdateAttempts bounds the read-then-conditional-update loops
const maxUpdateAttempts = 3

const jobColumns = `
	job_id, idempotency_key, kind, input, job_constraint, schedule,
	state, cancel_requested, run_count, worker_id,
	last_status, last_title, last_message,
	next_run_at, dispatched_at, started_at, last_heartbeat_at, completed_at,
	created_at, updated_at`

// Storage handles all database operations on jobs.
// Queries are written with ? placeholders and rebound for the driver in use.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used for timestamps
func (s *Storage) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// CreateJob inserts a new job. Missing timestamps are filled with the current time.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.State == "" {
		job.State = domain.JobStateEnqueued
	}
	if job.Input == nil {
		job.Input = domain.Input{}
	}

	query := `
		INSERT INTO jobs (
			job_id, idempotency_key, kind, input, job_constraint, schedule,
			state, cancel_requested, run_count, next_run_at, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		s.db.Rebind(query),
		job.JobID,
		job.IdempotencyKey,
		job.Kind,
		job.Input,
		job.Constraint,
		job.Schedule,
		job.State,
		job.CancelRequested,
		job.RunCount,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if job.IdempotencyKey != nil {
			if _, getErr := s.GetJobByIdempotencyKey(ctx, *job.IdempotencyKey); getErr == nil {
				return domain.ErrDuplicateIdempotencyKey
			}
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.String("constraint", job.Constraint),
	)

	return nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, s.db.Rebind(query), jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobByIdempotencyKey retrieves the job created with the given idempotency key
func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key = ?`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, s.db.Rebind(query), key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return &job, nil
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	State    string
	Kind     string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor marks the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns jobs newest first. It fetches PageSize+1 rows so the
// caller can tell whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	// Filters
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND job_id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.JobID)
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// DueJobs returns ENQUEUED jobs whose next run time has passed and that hold
// no live dispatch lease, oldest first.
func (s *Storage) DueJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.Job, error) {
	now := s.now()
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = ?
		  AND next_run_at <= ?
		  AND (dispatched_at IS NULL OR dispatched_at <= ?)
		ORDER BY next_run_at ASC, job_id ASC
		LIMIT ?`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query),
		domain.JobStateEnqueued, now, now.Add(-lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}

	return jobs, nil
}

// MarkDispatched takes the dispatch lease on an ENQUEUED job.
// It returns false when another scheduler holds a live lease or the job left ENQUEUED.
func (s *Storage) MarkDispatched(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	now := s.now()
	query := `
		UPDATE jobs
		SET dispatched_at = ?,
		    updated_at = ?
		WHERE job_id = ?
		  AND state = ?
		  AND (dispatched_at IS NULL OR dispatched_at <= ?)
	`

	rows, err := s.exec(ctx, query, now, now, jobID, domain.JobStateEnqueued, now.Add(-lease))
	if err != nil {
		return false, fmt.Errorf("failed to mark job dispatched: %w", err)
	}

	return rows == 1, nil
}

// ReleaseDispatch drops the dispatch lease so the job is picked up on the next tick
func (s *Storage) ReleaseDispatch(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET dispatched_at = NULL,
		    updated_at = ?
		WHERE job_id = ? AND state = ?
	`

	if _, err := s.exec(ctx, query, s.now(), jobID, domain.JobStateEnqueued); err != nil {
		return fmt.Errorf("failed to release dispatch: %w", err)
	}

	return nil
}

// ClaimJob attempts to claim a job using optimistic locking (ENQUEUED → RUNNING).
// Only a due job holding a dispatch lease can be claimed. Returns full job details
// on success, ErrJobAlreadyClaimed if another worker won, ErrStaleDelivery if the
// job is ENQUEUED but not currently dispatched and ErrJobNotFound if the job does
// not exist.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	now := s.now()
	query := `
		UPDATE jobs
		SET state = ?,
		    worker_id = ?,
		    started_at = ?,
		    last_heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ?
		  AND state = ?
		  AND next_run_at <= ?
		  AND dispatched_at IS NOT NULL
	`

	rows, err := s.exec(ctx, query,
		domain.JobStateRunning, workerID, now, now, now,
		jobID, domain.JobStateEnqueued, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if rows == 0 {
		current, err := s.GetJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.State == domain.JobStateEnqueued {
			s.logger.Warn("Failed to claim job - not due or not dispatched",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
				slog.Time("next_run_at", current.NextRunAt),
			)
			return nil, domain.ErrStaleDelivery
		}
		s.logger.Warn("Failed to claim job - already claimed or not enqueued",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("state", current.State),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}

	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("kind", job.Kind),
	)

	return job, nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a job the worker is running
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID, workerID string) error {
	now := s.now()
	query := `
		UPDATE jobs
		SET last_heartbeat_at = ?,
		    updated_at = ?
		WHERE job_id = ? AND state = ? AND worker_id = ?
	`

	rows, err := s.exec(ctx, query, now, now, jobID, domain.JobStateRunning, workerID)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	if rows == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
	}

	return nil
}

// nextState decides where a RUNNING job goes once its run completes
func nextState(job *domain.Job, outcome domain.RunOutcome) string {
	if job.IsPeriodic() {
		if job.CancelRequested {
			return domain.JobStateCancelled
		}
		return domain.JobStateEnqueued
	}
	if outcome.Status == domain.RunStatusSuccess {
		return domain.JobStateSucceeded
	}
	return domain.JobStateFailed
}

// CompleteRun records the outcome of the run held by workerID. One-time jobs move to
// SUCCEEDED or FAILED; periodic jobs go back to ENQUEUED at outcome.NextRunAt,
// or to CANCELLED when cancellation was requested during the run. It returns
// ErrJobNotRunning when the job is not RUNNING or its run belongs to another worker.
func (s *Storage) CompleteRun(ctx context.Context, jobID, workerID string, outcome domain.RunOutcome) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET state = ?,
		    run_count = run_count + 1,
		    last_status = ?,
		    last_title = ?,
		    last_message = ?,
		    next_run_at = ?,
		    dispatched_at = NULL,
		    worker_id = '',
		    completed_at = ?,
		    updated_at = ?
		WHERE job_id = ?
		  AND state = ?
		  AND worker_id = ?
		  AND cancel_requested = ?
	`

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		job, err := s.GetJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State != domain.JobStateRunning || job.WorkerID != workerID {
			return nil, domain.ErrJobNotRunning
		}

		state := nextState(job, outcome)
		nextRunAt := job.NextRunAt
		if state == domain.JobStateEnqueued {
			nextRunAt = outcome.NextRunAt
		}

		now := s.now()
		rows, err := s.exec(ctx, query,
			state, outcome.Status, outcome.Title, outcome.Message, nextRunAt,
			now, now, jobID, domain.JobStateRunning, workerID, job.CancelRequested,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to complete job run: %w", err)
		}
		if rows == 1 {
			s.logger.Info("Job run completed",
				slog.String("job_id", jobID),
				slog.String("state", state),
				slog.String("last_status", outcome.Status),
			)
			return s.GetJobByID(ctx, jobID)
		}
	}

	return nil, fmt.Errorf("failed to complete job run: job %s modified concurrently", jobID)
}

// CancelJob cancels a job. An ENQUEUED job becomes CANCELLED immediately; a
// RUNNING job keeps running and is flagged so no further run is scheduled.
func (s *Storage) CancelJob(ctx context.Context, jobID string) (*domain.Job, error) {
	cancelEnqueued := `
		UPDATE jobs
		SET state = ?,
		    cancel_requested = ?,
		    dispatched_at = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE job_id = ? AND state = ?
	`
	flagRunning := `
		UPDATE jobs
		SET cancel_requested = ?,
		    updated_at = ?
		WHERE job_id = ? AND state = ?
	`

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		job, err := s.GetJobByID(ctx, jobID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		var rows int64
		switch job.State {
		case domain.JobStateEnqueued:
			rows, err = s.exec(ctx, cancelEnqueued,
				domain.JobStateCancelled, true, now, now, jobID, domain.JobStateEnqueued)
		case domain.JobStateRunning:
			rows, err = s.exec(ctx, flagRunning, true, now, jobID, domain.JobStateRunning)
		default:
			return nil, domain.ErrJobNotCancellable
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cancel job: %w", err)
		}
		if rows == 1 {
			s.logger.Info("Job cancelled",
				slog.String("job_id", jobID),
				slog.String("previous_state", job.State),
			)
			return s.GetJobByID(ctx, jobID)
		}
	}

	return nil, fmt.Errorf("failed to cancel job: job %s modified concurrently", jobID)
}

// DeleteJob removes a job in a terminal state
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	query := `DELETE FROM jobs WHERE job_id = ? AND state IN (?, ?, ?)`

	rows, err := s.exec(ctx, query, jobID,
		domain.JobStateSucceeded, domain.JobStateFailed, domain.JobStateCancelled)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	if rows == 0 {
		if _, err := s.GetJobByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobNotTerminal
	}

	return nil
}

// StaleRunningJobs returns RUNNING jobs whose heartbeat is older than staleAfter
func (s *Storage) StaleRunningJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = ?
		  AND last_heartbeat_at <= ?
		ORDER BY last_heartbeat_at ASC
		LIMIT ?`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query),
		domain.JobStateRunning, s.now().Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale jobs: %w", err)
	}

	return jobs, nil
}
