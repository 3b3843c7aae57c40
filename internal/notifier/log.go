package notifier

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Priority == PriorityHigh {
		level = slog.LevelWarn
	}

	l.logger.Log(ctx, level, "Notification posted",
		slog.String("job_id", n.JobID),
		slog.String("channel_id", n.ChannelID),
		slog.String("priority", n.Priority),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
	)
	return nil
}
