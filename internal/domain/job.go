package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Input is the opaque key-value payload handed to a job run.
// It is stored as a JSON object.
type Input map[string]string

// Value implements driver.Valuer
func (in Input) Value() (driver.Value, error) {
	if in == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(in))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (in *Input) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*in = Input{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%w: unsupported input type %T", ErrInvalidPayload, src)
	}

	out := Input{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	*in = out
	return nil
}

// Job is a schedulable unit of work as stored in the jobs table
type Job struct {
	JobID           string     `db:"job_id"`
	IdempotencyKey  *string    `db:"idempotency_key"`
	Kind            string     `db:"kind"`
	Input           Input      `db:"input"`
	Constraint      string     `db:"job_constraint"`
	Schedule        string     `db:"schedule"`
	State           string     `db:"state"`
	CancelRequested bool       `db:"cancel_requested"`
	RunCount        int        `db:"run_count"`
	WorkerID        string     `db:"worker_id"`
	LastStatus      string     `db:"last_status"`
	LastTitle       string     `db:"last_title"`
	LastMessage     string     `db:"last_message"`
	NextRunAt       time.Time  `db:"next_run_at"`
	DispatchedAt    *time.Time `db:"dispatched_at"`
	StartedAt       *time.Time `db:"started_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// City returns the city the job fetches weather for
func (j *Job) City() string {
	return j.Input[InputKeyCity]
}

// IsPeriodic reports whether the job repeats
func (j *Job) IsPeriodic() bool {
	return j.Kind == JobKindPeriodic
}

// RunOutcome is the recorded result of a single run
type RunOutcome struct {
	Status  string // RunStatusSuccess or RunStatusFailure
	Title   string
	Message string
	// NextRunAt is used for periodic jobs only
	NextRunAt time.Time
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID        string           `json:"job_id"`
	DeliveryTag  uint64           `json:"-"`
	Acknowledger amqp.Acknowledger `json:"-"`
}
