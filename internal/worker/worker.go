package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/internal/notifier"
	"github.com/cuongbtq/weather-jobs/internal/weather"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Store is the job store as seen by the worker
type Store interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	UpdateJobHeartbeat(ctx context.Context, jobID, workerID string) error
	CompleteRun(ctx context.Context, jobID, workerID string, outcome domain.RunOutcome) (*domain.Job, error)
}

// Fetcher looks up the current weather of a city
type Fetcher interface {
	Fetch(ctx context.Context, city string) (*weather.Report, error)
}

// Consumer delivers dispatched job messages
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             Store
	Fetcher           Fetcher
	Notifier          notifier.Notifier
	Channel           notifier.Channel
	Consumer          Consumer
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker consumes dispatched jobs and runs them on a pool of goroutines
type Worker struct {
	workerID          string
	logger            *slog.Logger
	storage           Store
	fetcher           Fetcher
	notifier          notifier.Notifier
	channel           notifier.Channel
	consumer          Consumer
	queueName         string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time
	jobsChan          chan *domain.JobMessage
	stopChan          chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		workerID:          "worker-" + uuid.NewString(),
		logger:            cfg.Logger,
		storage:           cfg.Store,
		fetcher:           cfg.Fetcher,
		notifier:          cfg.Notifier,
		channel:           cfg.Channel,
		consumer:          cfg.Consumer,
		queueName:         cfg.QueueName,
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		now:               func() time.Time { return time.Now().UTC() },
		jobsChan:          make(chan *domain.JobMessage),
		stopChan:          make(chan struct{}),
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.heartbeatInterval <= 0 {
		w.heartbeatInterval = 30 * time.Second
	}

	return w
}

// ID returns the worker id recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start consumes job messages until the context is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop waits for in-flight jobs to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
		w.wg.Wait()
		w.logger.Info("Worker stopped")
	})
}
