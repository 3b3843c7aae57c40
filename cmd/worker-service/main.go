package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/config"
	"github.com/cuongbtq/weather-jobs/internal/constraint"
	"github.com/cuongbtq/weather-jobs/internal/notifier"
	"github.com/cuongbtq/weather-jobs/internal/scheduler"
	"github.com/cuongbtq/weather-jobs/internal/storage"
	"github.com/cuongbtq/weather-jobs/internal/weather"
	"github.com/cuongbtq/weather-jobs/internal/worker"
	"github.com/cuongbtq/weather-jobs/shared/database"
	"github.com/cuongbtq/weather-jobs/shared/logger"
	"github.com/cuongbtq/weather-jobs/shared/rabbitmq"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(&database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	jobsClient, err := rabbitmq.NewClient(ctx, rabbitConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer jobsClient.Close()

	channel := notifier.Channel{
		ID:       cfg.Notifications.ChannelID,
		Name:     cfg.Notifications.ChannelName,
		Priority: cfg.Notifications.Priority,
	}
	notifiers := notifier.Multi{notifier.NewLogNotifier(appLogger.Logger)}

	if cfg.Notifications.AMQP.Enabled {
		sinkCfg := rabbitConfig(&cfg.RabbitMQ)
		sink := cfg.Notifications.AMQP
		sinkCfg.ExchangeName = sink.Exchange.Name
		sinkCfg.ExchangeType = sink.Exchange.Type
		sinkCfg.ExchangeDurable = sink.Exchange.Durable
		sinkCfg.ExchangeAutoDelete = sink.Exchange.AutoDelete
		sinkCfg.QueueName = sink.Queue.Name
		sinkCfg.QueueDurable = sink.Queue.Durable
		sinkCfg.QueueAutoDelete = sink.Queue.AutoDelete
		sinkCfg.QueueExclusive = sink.Queue.Exclusive
		sinkCfg.RoutingKey = sink.RoutingKey

		notificationsClient, err := rabbitmq.NewClient(ctx, sinkCfg, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize notifications RabbitMQ: %w", err)
		}
		defer notificationsClient.Close()

		notifiers = append(notifiers, notifier.NewAMQPNotifier(notificationsClient, appLogger.Logger))
	}

	sched := scheduler.NewScheduler(&scheduler.Config{
		Logger:        appLogger.Logger.With(slog.String("component", "scheduler")),
		Store:         store,
		Publisher:     jobsClient,
		Checker:       constraint.NewNetworkChecker(cfg.Constraint.ProbeAddress, cfg.Constraint.ProbeTimeout, appLogger.Logger),
		Notifier:      notifiers,
		Channel:       channel,
		TickInterval:  cfg.Scheduler.TickInterval,
		BatchSize:     cfg.Scheduler.BatchSize,
		DispatchLease: cfg.Scheduler.DispatchLease,
		StaleAfter:    cfg.Scheduler.StaleAfter,
	})

	workerInstance := worker.NewWorker(&worker.Config{
		Logger: appLogger.Logger.With(slog.String("component", "worker")),
		Store:  store,
		Fetcher: weather.NewFetcher(&weather.Config{
			BaseURL:           cfg.Weather.BaseURL,
			APIKey:            cfg.Weather.APIKey,
			Timeout:           cfg.Weather.Timeout,
			RequestsPerMinute: cfg.Weather.RequestsPerMinute,
			RetryAttempts:     cfg.Weather.Retry.Attempts,
			RetryInitial:      cfg.Weather.Retry.InitialInterval,
			RetryMax:          cfg.Weather.Retry.MaxInterval,
			Logger:            appLogger.Logger,
		}),
		Notifier:          notifiers,
		Channel:           channel,
		Consumer:          jobsClient,
		QueueName:         cfg.RabbitMQ.Queue.Name,
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Start(gctx)
	})
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-jobsClient.NotifyClose():
			if !ok || amqpErr == nil {
				return fmt.Errorf("rabbitmq channel closed")
			}
			return fmt.Errorf("rabbitmq channel closed: %w", amqpErr)
		}
	})

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker service error", slog.Any("error", runErr))
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	return runErr
}

// rabbitConfig maps the job queue settings to a RabbitMQ client config
func rabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}
