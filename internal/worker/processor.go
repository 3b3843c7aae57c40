package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/internal/scheduler"
	"github.com/cuongbtq/weather-jobs/internal/weather"
)

// processJob claims a job, runs it once and records the outcome
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	// ENQUEUED → RUNNING
	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			w.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job already claimed: %w", err)
		case errors.Is(err, domain.ErrStaleDelivery):
			w.logger.Warn("Job not dispatched for this message, dropping stale delivery",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("failed to claim job: %w", err)
		case errors.Is(err, domain.ErrJobNotFound):
			w.logger.Warn("Job no longer exists, dropping message",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("failed to claim job: %w", err)
		default:
			// database errors are usually transient
			return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	outcome := w.executeJob(jobCtx, job)

	// notification failures never fail the run
	if w.notifier != nil {
		n := w.channel.New(job.JobID, outcome.Title, outcome.Message)
		if err := w.notifier.Notify(ctx, n); err != nil {
			w.logger.Error("Failed to send notification",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	if job.IsPeriodic() {
		outcome.NextRunAt = w.nextRun(job)
	}

	completed, err := w.storage.CompleteRun(ctx, job.JobID, w.workerID, outcome)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotRunning) {
			// the run was reaped, and maybe claimed again, while we were working
			w.logger.Warn("Job is no longer running, outcome dropped",
				slog.String("job_id", job.JobID),
			)
			return nil
		}
		return fmt.Errorf("failed to complete job run: %w", err)
	}

	w.logger.Info("Job run finished",
		slog.String("job_id", completed.JobID),
		slog.String("state", completed.State),
		slog.String("last_status", completed.LastStatus),
		slog.Int("run_count", completed.RunCount),
	)

	return nil
}

// executeJob fetches the weather for the job's city and turns the result into an outcome
func (w *Worker) executeJob(ctx context.Context, job *domain.Job) domain.RunOutcome {
	city := job.City()
	w.logger.Info("Executing job",
		slog.String("job_id", job.JobID),
		slog.String("city", city),
	)

	var (
		report *weather.Report
		err    error
	)
	if city == "" {
		err = fmt.Errorf("%w: no city in job input", weather.ErrRequestFailed)
	} else {
		report, err = w.fetcher.Fetch(ctx, city)
	}

	if err != nil {
		w.logger.Warn("Weather fetch failed",
			slog.String("job_id", job.JobID),
			slog.String("city", city),
			slog.String("error", err.Error()),
		)
		return domain.RunOutcome{
			Status:  domain.RunStatusFailure,
			Title:   weather.FailureTitle(err),
			Message: err.Error(),
		}
	}

	return domain.RunOutcome{
		Status:  domain.RunStatusSuccess,
		Title:   report.Title(),
		Message: report.Message(),
	}
}

// nextRun computes when a periodic job runs again
func (w *Worker) nextRun(job *domain.Job) time.Time {
	now := w.now()
	next, err := scheduler.NextRun(job.Schedule, now)
	if err != nil {
		w.logger.Error("Invalid schedule on periodic job, using minimum interval",
			slog.String("job_id", job.JobID),
			slog.String("schedule", job.Schedule),
			slog.String("error", err.Error()),
		)
		return now.Add(scheduler.DefaultMinPeriodicInterval)
	}
	return next
}

// sendJobHeartbeat periodically updates the job heartbeat until done is closed
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID, w.workerID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
