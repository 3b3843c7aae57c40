package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/internal/notifier"
	"github.com/cuongbtq/weather-jobs/internal/storage"
	"github.com/cuongbtq/weather-jobs/internal/weather"
	"github.com/cuongbtq/weather-jobs/shared/database"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudsBody = `{"weather":[{"main":"Clouds","description":"scattered clouds"}],"main":{"temp":300.0}}`

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []nackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) snapshot() ([]uint64, []nackCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...), append([]nackCall(nil), a.nacked...)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (c *fakeConsumer) Qos(prefetchCount int) error {
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []notifier.Notification
	err           error
}

func (n *recordingNotifier) Notify(_ context.Context, notification notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
	return n.err
}

func (n *recordingNotifier) all() []notifier.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifier.Notification(nil), n.notifications...)
}

type testEnv struct {
	store    *storage.Storage
	notifier *recordingNotifier
	consumer *fakeConsumer
	worker   *Worker
	now      time.Time
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := database.NewClient(&database.Config{Driver: database.DriverSQLite, Database: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := storage.NewStorage(client.GetDB(), logger)
	require.NoError(t, store.Migrate(context.Background()))

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	env := &testEnv{
		store:    store,
		notifier: &recordingNotifier{},
		consumer: &fakeConsumer{deliveries: make(chan amqp.Delivery)},
		now:      time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}

	env.worker = NewWorker(&Config{
		Logger:      logger,
		Store:       store,
		Fetcher:     weather.NewFetcher(&weather.Config{BaseURL: server.URL, Logger: logger}),
		Notifier:    env.notifier,
		Channel:     notifier.Channel{ID: "channel_01", Name: "weather channel"},
		Consumer:    env.consumer,
		QueueName:   "weather.jobs",
		Concurrency: 2,
		JobTimeout:  5 * time.Second,
	})
	env.worker.now = func() time.Time { return env.now }
	store.SetClock(func() time.Time { return env.now })

	return env
}

func (e *testEnv) createJob(t *testing.T, kind, city string) *domain.Job {
	t.Helper()
	job := &domain.Job{
		JobID:      uuid.NewString(),
		Kind:       kind,
		Input:      domain.Input{domain.InputKeyCity: city},
		Constraint: domain.ConstraintNone,
	}
	if kind == domain.JobKindPeriodic {
		job.Schedule = "@every 15m"
	}
	require.NoError(t, e.store.CreateJob(context.Background(), job))
	e.dispatch(t, job.JobID)
	return job
}

// dispatch takes the dispatch lease the way the scheduler does before publishing
func (e *testEnv) dispatch(t *testing.T, jobID string) {
	t.Helper()
	leased, err := e.store.MarkDispatched(context.Background(), jobID, time.Minute)
	require.NoError(t, err)
	require.True(t, leased)
}

func (e *testEnv) get(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := e.store.GetJobByID(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestProcessJob_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		city        string
		wantState   string
		wantStatus  string
		wantTitle   string
		wantMessage string
	}{
		{
			name:        "success",
			handler:     respond(http.StatusOK, cloudsBody),
			city:        "Jakarta",
			wantState:   domain.JobStateSucceeded,
			wantStatus:  domain.RunStatusSuccess,
			wantTitle:   "Current Weather in Jakarta",
			wantMessage: "Clouds, scattered clouds with 26.85 Celsius",
		},
		{
			name:        "request failed",
			handler:     respond(http.StatusNotFound, `{"cod":"404","message":"city not found"}`),
			city:        "Atlantis",
			wantState:   domain.JobStateFailed,
			wantStatus:  domain.RunStatusFailure,
			wantTitle:   weather.TitleRequestFailed,
			wantMessage: "status 404: city not found",
		},
		{
			name:        "malformed response",
			handler:     respond(http.StatusOK, `{"main":{"temp":300.0}}`),
			city:        "Jakarta",
			wantState:   domain.JobStateFailed,
			wantStatus:  domain.RunStatusFailure,
			wantTitle:   weather.TitleMalformedResponse,
			wantMessage: "no value for weather",
		},
		{
			name:        "missing city",
			handler:     respond(http.StatusOK, cloudsBody),
			city:        "",
			wantState:   domain.JobStateFailed,
			wantStatus:  domain.RunStatusFailure,
			wantTitle:   weather.TitleRequestFailed,
			wantMessage: "no city in job input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.handler)
			job := env.createJob(t, domain.JobKindOneTime, tt.city)

			err := env.worker.processJob(context.Background(), &domain.JobMessage{JobID: job.JobID})
			require.NoError(t, err)

			got := env.get(t, job.JobID)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantStatus, got.LastStatus)
			assert.Equal(t, tt.wantTitle, got.LastTitle)
			assert.Contains(t, got.LastMessage, tt.wantMessage)
			assert.Equal(t, 1, got.RunCount)
			assert.NotNil(t, got.CompletedAt)

			notifications := env.notifier.all()
			require.Len(t, notifications, 1)
			assert.Equal(t, job.JobID, notifications[0].JobID)
			assert.Equal(t, "channel_01", notifications[0].ChannelID)
			assert.Equal(t, notifier.PriorityHigh, notifications[0].Priority)
			assert.Equal(t, tt.wantTitle, notifications[0].Title)
			assert.Equal(t, got.LastMessage, notifications[0].Message)
		})
	}
}

func TestProcessJob_PeriodicReschedules(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))
	job := env.createJob(t, domain.JobKindPeriodic, "Jakarta")

	for run := 1; run <= 2; run++ {
		if run > 1 {
			env.now = env.now.Add(15 * time.Minute)
			env.dispatch(t, job.JobID)
		}
		require.NoError(t, env.worker.processJob(context.Background(), &domain.JobMessage{JobID: job.JobID}))

		got := env.get(t, job.JobID)
		assert.Equal(t, domain.JobStateEnqueued, got.State)
		assert.Equal(t, run, got.RunCount)
		assert.Equal(t, domain.RunStatusSuccess, got.LastStatus)
		assert.True(t, env.now.Add(15*time.Minute).Equal(got.NextRunAt), "next run at %s", got.NextRunAt)
		assert.Nil(t, got.DispatchedAt)
	}

	assert.Len(t, env.notifier.all(), 2)
}

func TestProcessJob_DuplicateDeliveryDoesNotRunAgain(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))
	job := env.createJob(t, domain.JobKindPeriodic, "Jakarta")
	msg := &domain.JobMessage{JobID: job.JobID}

	require.NoError(t, env.worker.processJob(context.Background(), msg))

	// the same message delivered again after the run completed
	err := env.worker.processJob(context.Background(), msg)
	assert.ErrorIs(t, err, domain.ErrStaleDelivery)

	got := env.get(t, job.JobID)
	assert.Equal(t, domain.JobStateEnqueued, got.State)
	assert.Equal(t, 1, got.RunCount)
	assert.True(t, env.now.Add(15*time.Minute).Equal(got.NextRunAt))
	assert.Len(t, env.notifier.all(), 1)

	ack := &fakeAcknowledger{}
	env.worker.acknowledge(env.worker.logger, &domain.JobMessage{JobID: job.JobID, DeliveryTag: 9, Acknowledger: ack}, err)
	acked, nacked := ack.snapshot()
	assert.Equal(t, []uint64{9}, acked)
	assert.Empty(t, nacked)
}

func TestProcessJob_ReapedRunOutcomeDropped(t *testing.T) {
	var (
		env   *testEnv
		jobID string
	)
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		// the run is reaped and claimed by another worker while the fetch is in flight
		ctx := r.Context()
		_, err := env.store.CompleteRun(ctx, jobID, env.worker.ID(), domain.RunOutcome{
			Status:    domain.RunStatusFailure,
			Title:     "Weather Job Interrupted",
			NextRunAt: env.now,
		})
		assert.NoError(t, err)
		leased, err := env.store.MarkDispatched(ctx, jobID, time.Minute)
		assert.NoError(t, err)
		assert.True(t, leased)
		_, err = env.store.ClaimJob(ctx, jobID, "worker-other")
		assert.NoError(t, err)

		_, _ = w.Write([]byte(cloudsBody))
	})
	jobID = env.createJob(t, domain.JobKindPeriodic, "Jakarta").JobID

	require.NoError(t, env.worker.processJob(context.Background(), &domain.JobMessage{JobID: jobID}))

	got := env.get(t, jobID)
	assert.Equal(t, domain.JobStateRunning, got.State)
	assert.Equal(t, "worker-other", got.WorkerID)
	assert.Equal(t, "Weather Job Interrupted", got.LastTitle)
	assert.Equal(t, 1, got.RunCount)
}

func TestProcessJob_CancelDuringRun(t *testing.T) {
	var (
		env   *testEnv
		jobID string
	)
	env = newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, err := env.store.CancelJob(r.Context(), jobID)
		assert.NoError(t, err)
		_, _ = w.Write([]byte(cloudsBody))
	})
	jobID = env.createJob(t, domain.JobKindPeriodic, "Jakarta").JobID

	require.NoError(t, env.worker.processJob(context.Background(), &domain.JobMessage{JobID: jobID}))

	got := env.get(t, jobID)
	assert.Equal(t, domain.JobStateCancelled, got.State)
	assert.Equal(t, domain.RunStatusSuccess, got.LastStatus)
	assert.Len(t, env.notifier.all(), 1)
}

func TestProcessJob_NotifierFailureDoesNotFailRun(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))
	env.notifier.err = errors.New("broker down")
	job := env.createJob(t, domain.JobKindOneTime, "Jakarta")

	require.NoError(t, env.worker.processJob(context.Background(), &domain.JobMessage{JobID: job.JobID}))
	assert.Equal(t, domain.JobStateSucceeded, env.get(t, job.JobID).State)
}

func TestProcessJob_ClaimErrors(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))
	ctx := context.Background()

	job := env.createJob(t, domain.JobKindOneTime, "Jakarta")
	_, err := env.store.ClaimJob(ctx, job.JobID, "other-worker")
	require.NoError(t, err)

	err = env.worker.processJob(ctx, &domain.JobMessage{JobID: job.JobID})
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Empty(t, env.notifier.all())

	err = env.worker.processJob(ctx, &domain.JobMessage{JobID: uuid.NewString()})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.False(t, shouldRequeueJob(err))
}

func TestAcknowledge(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))

	tests := []struct {
		name        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success", err: nil, wantAck: true},
		{name: "already claimed", err: domain.ErrJobAlreadyClaimed, wantAck: true},
		{name: "stale delivery", err: domain.ErrStaleDelivery, wantAck: true},
		{name: "retryable", err: domain.NewRetryableError(errors.New("connection reset")), wantRequeue: true},
		{name: "not found", err: domain.ErrJobNotFound},
		{name: "unknown", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			env.worker.acknowledge(env.worker.logger, &domain.JobMessage{DeliveryTag: 7, Acknowledger: ack}, tt.err)

			acked, nacked := ack.snapshot()
			if tt.wantAck {
				assert.Equal(t, []uint64{7}, acked)
				assert.Empty(t, nacked)
				return
			}
			assert.Empty(t, acked)
			require.Len(t, nacked, 1)
			assert.Equal(t, tt.wantRequeue, nacked[0].requeue)
		})
	}
}

func TestWorker_Start(t *testing.T) {
	env := newTestEnv(t, respond(http.StatusOK, cloudsBody))
	job := env.createJob(t, domain.JobKindOneTime, "Jakarta")
	ack := &fakeAcknowledger{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Start(ctx) }()

	env.consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(`not json`)}
	env.consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"job_id":"not-a-uuid"}`)}
	env.consumer.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte(`{"job_id":"` + job.JobID + `"}`)}

	require.Eventually(t, func() bool {
		acked, _ := ack.snapshot()
		return len(acked) == 1
	}, 5*time.Second, 10*time.Millisecond)

	acked, nacked := ack.snapshot()
	assert.Equal(t, []uint64{3}, acked)
	assert.Equal(t, []nackCall{{tag: 1}, {tag: 2}}, nacked)
	assert.Equal(t, 2, env.consumer.prefetch)
	assert.Equal(t, domain.JobStateSucceeded, env.get(t, job.JobID).State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	env.worker.Stop()
}
