package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/api/dto"
	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/internal/scheduler"
	"github.com/cuongbtq/weather-jobs/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Stores a new one-time or periodic weather job. The scheduler dispatches it
// once it is due and its constraint holds.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	city := strings.TrimSpace(req.City)
	if city == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "city is required",
		})
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = domain.JobKindOneTime
	}
	constraint := req.Constraint
	if constraint == "" {
		constraint = domain.ConstraintConnected
	}

	schedule, err := h.resolveSchedule(kind, req.Interval, req.Schedule)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()

	var idempotencyKey *string
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		idempotencyKey = &key

		existing, err := h.storage.GetJobByIdempotencyKey(ctx, key)
		if err == nil {
			h.logger.Info("Idempotent replay, returning existing job",
				slog.String("job_id", existing.JobID),
			)
			c.JSON(http.StatusOK, toJobDTO(existing))
			return
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.Error("Failed to check idempotency key", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create job",
			})
			return
		}
	}

	job := domain.Job{
		JobID:          uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Kind:           kind,
		Input:          domain.Input{domain.InputKeyCity: city},
		Constraint:     constraint,
		Schedule:       schedule,
		State:          domain.JobStateEnqueued,
	}

	if err := h.storage.CreateJob(ctx, &job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// lost the race against a concurrent request with the same key
			existing, getErr := h.storage.GetJobByIdempotencyKey(ctx, *idempotencyKey)
			if getErr == nil {
				c.JSON(http.StatusOK, toJobDTO(existing))
				return
			}
			err = getErr
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(&job))
}

// resolveSchedule validates the schedule fields against the job kind
func (h *JobHandler) resolveSchedule(kind, interval, schedule string) (string, error) {
	if kind == domain.JobKindOneTime {
		if interval != "" || schedule != "" {
			return "", fmt.Errorf("interval and schedule are only allowed for PERIODIC jobs")
		}
		return "", nil
	}

	if interval != "" && schedule != "" {
		return "", fmt.Errorf("set either interval or schedule, not both")
	}

	expr := schedule
	switch {
	case interval != "":
		d, err := time.ParseDuration(interval)
		if err != nil {
			return "", fmt.Errorf("invalid interval %q: %w", interval, err)
		}
		expr = scheduler.ScheduleFromInterval(d)
	case schedule == "":
		expr = scheduler.ScheduleFromInterval(h.minPeriodicInterval)
	}

	if err := scheduler.ValidateSchedule(expr, h.minPeriodicInterval, h.now()); err != nil {
		return "", err
	}

	return expr, nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the job's state and the result of its latest run
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional state/kind filters and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), storage.JobFilter{
		State:    req.State,
		Kind:     req.Kind,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// one extra row tells whether another page exists
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// An enqueued job is cancelled right away. A running job finishes its current
// run and is never scheduled again.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.storage.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondStoreError(c, err, "Failed to cancel job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a job in a terminal state
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.storage.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.respondStoreError(c, err, "Failed to delete job")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// respondStoreError maps store errors to HTTP status codes
func (h *JobHandler) respondStoreError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotCancellable), errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:           job.JobID,
		Kind:            job.Kind,
		City:            job.City(),
		Input:           job.Input,
		Constraint:      job.Constraint,
		Schedule:        job.Schedule,
		State:           job.State,
		CancelRequested: job.CancelRequested,
		RunCount:        job.RunCount,
		StartedAt:       formatTime(job.StartedAt),
		CompletedAt:     formatTime(job.CompletedAt),
		CreatedAt:       formatTime(&job.CreatedAt),
		UpdatedAt:       formatTime(&job.UpdatedAt),
	}

	if job.IdempotencyKey != nil {
		out.IdempotencyKey = *job.IdempotencyKey
	}
	if out.Input == nil {
		out.Input = map[string]string{}
	}
	if job.State == domain.JobStateEnqueued {
		out.NextRunAt = formatTime(&job.NextRunAt)
	}
	if job.LastStatus != "" {
		out.LastResult = &dto.RunResultDTO{
			Status:  job.LastStatus,
			Title:   job.LastTitle,
			Message: job.LastMessage,
		}
	}

	return out
}
