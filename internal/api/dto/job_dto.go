package dto

// CreateJobRequest is the body of POST /api/v1/jobs.
// Periodic jobs take either interval (a Go duration such as "30m") or a cron schedule.
type CreateJobRequest struct {
	City           string `json:"city" binding:"required"`
	Kind           string `json:"kind" binding:"omitempty,oneof=ONE_TIME PERIODIC"`
	Interval       string `json:"interval"`
	Schedule       string `json:"schedule"`
	Constraint     string `json:"constraint" binding:"omitempty,oneof=NONE CONNECTED"`
	IdempotencyKey string `json:"idempotency_key" binding:"omitempty,max=255"`
}

type ListJobsRequest struct {
	State    string `form:"state" binding:"omitempty,oneof=ENQUEUED RUNNING SUCCEEDED FAILED CANCELLED"`
	Kind     string `form:"kind" binding:"omitempty,oneof=ONE_TIME PERIODIC"`
	PageSize int    `form:"page_size" binding:"omitempty,min=0"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// RunResultDTO is the outcome of the most recent run
type RunResultDTO struct {
	Status  string `json:"status"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

type JobDTO struct {
	JobID           string            `json:"job_id"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	Kind            string            `json:"kind"`
	City            string            `json:"city"`
	Input           map[string]string `json:"input"`
	Constraint      string            `json:"constraint"`
	Schedule        string            `json:"schedule,omitempty"`
	State           string            `json:"state"`
	CancelRequested bool              `json:"cancel_requested"`
	RunCount        int               `json:"run_count"`
	LastResult      *RunResultDTO     `json:"last_result,omitempty"`
	NextRunAt       string            `json:"next_run_at,omitempty"`
	StartedAt       string            `json:"started_at,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
}
