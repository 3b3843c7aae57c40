package notifier

import (
	"context"
	"errors"
	"time"
)

// Priorities
const (
	PriorityDefault = "default"
	PriorityHigh    = "high"
)

// Notification is what a finished job run surfaces to the user
type Notification struct {
	JobID       string    `json:"job_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Priority    string    `json:"priority"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifier receives job results
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Channel describes the single fixed channel notifications are posted to
type Channel struct {
	ID       string
	Name     string
	Priority string
}

// New builds a notification on the channel
func (c Channel) New(jobID, title, message string) Notification {
	priority := c.Priority
	if priority == "" {
		priority = PriorityHigh
	}
	return Notification{
		JobID:       jobID,
		ChannelID:   c.ID,
		ChannelName: c.Name,
		Priority:    priority,
		Title:       title,
		Message:     message,
		CreatedAt:   time.Now().UTC(),
	}
}

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
