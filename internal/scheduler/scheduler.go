package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/constraint"
	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/internal/notifier"
)

// Titles used when a run is lost with its worker
const (
	TitleRunLost   = "Weather Job Interrupted"
	MessageRunLost = "worker stopped sending heartbeats"
)

// Store is the job store as seen by the scheduler
type Store interface {
	DueJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.Job, error)
	MarkDispatched(ctx context.Context, jobID string, lease time.Duration) (bool, error)
	ReleaseDispatch(ctx context.Context, jobID string) error
	StaleRunningJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]domain.Job, error)
	CompleteRun(ctx context.Context, jobID, workerID string, outcome domain.RunOutcome) (*domain.Job, error)
}

// Publisher sends dispatched job ids to the workers
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds scheduler configuration
type Config struct {
	Logger        *slog.Logger
	Store         Store
	Publisher     Publisher
	Checker       constraint.Checker
	Notifier      notifier.Notifier
	Channel       notifier.Channel
	TickInterval  time.Duration
	BatchSize     int
	DispatchLease time.Duration
	StaleAfter    time.Duration
}

// Scheduler moves due jobs to the worker queue once their constraints hold
type Scheduler struct {
	logger        *slog.Logger
	store         Store
	publisher     Publisher
	checker       constraint.Checker
	notifier      notifier.Notifier
	channel       notifier.Channel
	tickInterval  time.Duration
	batchSize     int
	dispatchLease time.Duration
	staleAfter    time.Duration
	now           func() time.Time
}

// TickResult counts what a single tick did
type TickResult struct {
	Reaped     int
	Dispatched int
	Blocked    int
	Skipped    int
}

// NewScheduler creates a Scheduler, applying defaults for unset fields
func NewScheduler(cfg *Config) *Scheduler {
	s := &Scheduler{
		logger:        cfg.Logger,
		store:         cfg.Store,
		publisher:     cfg.Publisher,
		checker:       cfg.Checker,
		notifier:      cfg.Notifier,
		channel:       cfg.Channel,
		tickInterval:  cfg.TickInterval,
		batchSize:     cfg.BatchSize,
		dispatchLease: cfg.DispatchLease,
		staleAfter:    cfg.StaleAfter,
		now:           func() time.Time { return time.Now().UTC() },
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tickInterval <= 0 {
		s.tickInterval = time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.dispatchLease <= 0 {
		s.dispatchLease = time.Minute
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 2 * time.Minute
	}

	return s
}

// Start ticks until the context is canceled
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Starting scheduler",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("batch_size", s.batchSize),
		slog.Duration("dispatch_lease", s.dispatchLease),
		slog.Duration("stale_after", s.staleAfter),
	)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler tick failed",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped - context canceled")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick reaps lost runs and dispatches due jobs whose constraints are satisfied
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	reaped, err := s.reapStaleRuns(ctx)
	result.Reaped = reaped
	if err != nil {
		return result, err
	}

	jobs, err := s.store.DueJobs(ctx, s.batchSize, s.dispatchLease)
	if err != nil {
		return result, err
	}

	checker := constraint.NewMemo(s.checker)
	for i := range jobs {
		job := &jobs[i]

		if !checker.Satisfied(ctx, job.Constraint) {
			s.logger.Debug("Job constraint not satisfied, keeping it enqueued",
				slog.String("job_id", job.JobID),
				slog.String("constraint", job.Constraint),
			)
			result.Blocked++
			continue
		}

		dispatched, err := s.dispatch(ctx, job)
		if err != nil {
			return result, err
		}
		if dispatched {
			result.Dispatched++
		} else {
			result.Skipped++
		}
	}

	if result.Dispatched > 0 || result.Reaped > 0 {
		s.logger.Info("Scheduler tick",
			slog.Int("dispatched", result.Dispatched),
			slog.Int("blocked", result.Blocked),
			slog.Int("skipped", result.Skipped),
			slog.Int("reaped", result.Reaped),
		)
	}

	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job *domain.Job) (bool, error) {
	leased, err := s.store.MarkDispatched(ctx, job.JobID, s.dispatchLease)
	if err != nil {
		return false, err
	}
	if !leased {
		s.logger.Debug("Job already dispatched, skipping",
			slog.String("job_id", job.JobID),
		)
		return false, nil
	}

	body, err := json.Marshal(domain.JobMessage{JobID: job.JobID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		s.logger.Error("Failed to publish job, releasing dispatch lease",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		if releaseErr := s.store.ReleaseDispatch(ctx, job.JobID); releaseErr != nil {
			s.logger.Error("Failed to release dispatch lease",
				slog.String("job_id", job.JobID),
				slog.String("error", releaseErr.Error()),
			)
		}
		return false, nil
	}

	s.logger.Info("Job dispatched",
		slog.String("job_id", job.JobID),
		slog.String("kind", job.Kind),
		slog.Int("run_count", job.RunCount),
	)
	return true, nil
}

// reapStaleRuns finishes runs whose worker stopped sending heartbeats
func (s *Scheduler) reapStaleRuns(ctx context.Context) (int, error) {
	jobs, err := s.store.StaleRunningJobs(ctx, s.staleAfter, s.batchSize)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range jobs {
		job := &jobs[i]
		outcome := domain.RunOutcome{
			Status:  domain.RunStatusFailure,
			Title:   TitleRunLost,
			Message: MessageRunLost,
		}
		if job.IsPeriodic() {
			next, err := NextRun(job.Schedule, s.now())
			if err != nil {
				s.logger.Error("Failed to compute next run for stale job",
					slog.String("job_id", job.JobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			outcome.NextRunAt = next
		}

		// scoped to the stale worker so a newer claim is never overwritten
		if _, err := s.store.CompleteRun(ctx, job.JobID, job.WorkerID, outcome); err != nil {
			s.logger.Warn("Failed to reap stale job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.logger.Warn("Reaped stale job run",
			slog.String("job_id", job.JobID),
			slog.String("worker_id", job.WorkerID),
		)
		reaped++

		if s.notifier != nil {
			n := s.channel.New(job.JobID, outcome.Title, outcome.Message)
			if err := s.notifier.Notify(ctx, n); err != nil {
				s.logger.Error("Failed to send notification",
					slog.String("job_id", job.JobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return reaped, nil
}
