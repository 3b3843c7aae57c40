package handler

import (
	"log/slog"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/scheduler"
	"github.com/cuongbtq/weather-jobs/internal/storage"
	"github.com/cuongbtq/weather-jobs/shared/database"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger              *slog.Logger
	DBClient            *database.Client
	MinPeriodicInterval time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger              *slog.Logger
	storage             *storage.Storage
	minPeriodicInterval time.Duration
	now                 func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	minInterval := deps.MinPeriodicInterval
	if minInterval <= 0 {
		minInterval = scheduler.DefaultMinPeriodicInterval
	}

	return &JobHandler{
		logger:              deps.Logger,
		storage:             storage.NewStorage(deps.DBClient.GetDB(), deps.Logger),
		minPeriodicInterval: minInterval,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}
