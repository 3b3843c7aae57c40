package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Publisher is the part of the RabbitMQ client used to publish notifications
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// AMQPNotifier publishes notifications as JSON to a RabbitMQ exchange
type AMQPNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPNotifier creates an AMQPNotifier
func NewAMQPNotifier(publisher Publisher, logger *slog.Logger) *AMQPNotifier {
	return &AMQPNotifier{
		publisher: publisher,
		logger:    logger,
	}
}

// Notify implements Notifier
func (a *AMQPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := a.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	a.logger.Debug("Notification published",
		slog.String("job_id", n.JobID),
		slog.String("title", n.Title),
	)
	return nil
}
