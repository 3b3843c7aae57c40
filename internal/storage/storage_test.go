package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/weather-jobs/internal/domain"
	"github.com/cuongbtq/weather-jobs/shared/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStorage(t *testing.T) (*Storage, *fakeClock) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := database.NewClient(&database.Config{
		Driver:   database.DriverSQLite,
		Database: ":memory:",
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	store := NewStorage(client.GetDB(), logger)
	store.SetClock(clock.Now)
	require.NoError(t, store.Migrate(context.Background()))

	return store, clock
}

func newJob(kind string) *domain.Job {
	job := &domain.Job{
		JobID:      uuid.NewString(),
		Kind:       kind,
		Input:      domain.Input{domain.InputKeyCity: "Jakarta"},
		Constraint: domain.ConstraintConnected,
	}
	if kind == domain.JobKindPeriodic {
		job.Schedule = "@every 15m"
	}
	return job
}

// dispatch takes the dispatch lease the way the scheduler does before publishing
func dispatch(t *testing.T, store *Storage, jobID string) {
	t.Helper()
	ok, err := store.MarkDispatched(context.Background(), jobID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStorage_CreateAndGet(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindOneTime)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJobByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, domain.JobStateEnqueued, got.State)
	assert.Equal(t, "Jakarta", got.City())
	assert.Equal(t, domain.ConstraintConnected, got.Constraint)
	assert.Nil(t, got.IdempotencyKey)
	assert.False(t, got.CancelRequested)
	assert.True(t, clock.now.Equal(got.NextRunAt))
	assert.True(t, clock.now.Equal(got.CreatedAt))
	assert.Nil(t, got.DispatchedAt)

	_, err = store.GetJobByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_IdempotencyKey(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()

	key := "request-1"
	first := newJob(domain.JobKindOneTime)
	first.IdempotencyKey = &key
	require.NoError(t, store.CreateJob(ctx, first))

	found, err := store.GetJobByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, found.JobID)

	second := newJob(domain.JobKindOneTime)
	second.IdempotencyKey = &key
	err = store.CreateJob(ctx, second)
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

	// jobs without a key never collide
	require.NoError(t, store.CreateJob(ctx, newJob(domain.JobKindOneTime)))
	require.NoError(t, store.CreateJob(ctx, newJob(domain.JobKindOneTime)))
}

func TestStorage_ListJobs(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		kind := domain.JobKindOneTime
		if i%2 == 1 {
			kind = domain.JobKindPeriodic
		}
		job := newJob(kind)
		require.NoError(t, store.CreateJob(ctx, job))
		ids = append(ids, job.JobID)
		clock.Advance(time.Second)
	}

	page, err := store.ListJobs(ctx, JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3) // one extra row signals another page
	assert.Equal(t, ids[4], page[0].JobID)
	assert.Equal(t, ids[3], page[1].JobID)

	next, err := store.ListJobs(ctx, JobFilter{
		PageSize: 2,
		Cursor:   &JobCursor{CreatedAt: page[1].CreatedAt, JobID: page[1].JobID},
	})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].JobID)
	assert.Equal(t, ids[1], next[1].JobID)

	periodic, err := store.ListJobs(ctx, JobFilter{Kind: domain.JobKindPeriodic, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, periodic, 2)

	enqueued, err := store.ListJobs(ctx, JobFilter{State: domain.JobStateSucceeded, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, enqueued)
}

func TestStorage_DueJobsAndDispatchLease(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()
	lease := time.Minute

	due := newJob(domain.JobKindOneTime)
	require.NoError(t, store.CreateJob(ctx, due))

	later := newJob(domain.JobKindOneTime)
	later.NextRunAt = clock.now.Add(time.Hour)
	require.NoError(t, store.CreateJob(ctx, later))

	jobs, err := store.DueJobs(ctx, 10, lease)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.JobID, jobs[0].JobID)

	ok, err := store.MarkDispatched(ctx, due.JobID, lease)
	require.NoError(t, err)
	assert.True(t, ok)

	// a live lease blocks a second dispatch
	ok, err = store.MarkDispatched(ctx, due.JobID, lease)
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err = store.DueJobs(ctx, 10, lease)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// an expired lease makes the job due again
	clock.Advance(2 * lease)
	jobs, err = store.DueJobs(ctx, 10, lease)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, store.ReleaseDispatch(ctx, due.JobID))
	got, err := store.GetJobByID(ctx, due.JobID)
	require.NoError(t, err)
	assert.Nil(t, got.DispatchedAt)
}

func TestStorage_ClaimJob(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindOneTime)
	require.NoError(t, store.CreateJob(ctx, job))

	// a message for a job that was never dispatched is stale
	_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
	assert.ErrorIs(t, err, domain.ErrStaleDelivery)

	dispatch(t, store, job.JobID)
	claimed, err := store.ClaimJob(ctx, job.JobID, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, claimed.State)
	assert.Equal(t, "worker-a", claimed.WorkerID)
	require.NotNil(t, claimed.StartedAt)
	require.NotNil(t, claimed.LastHeartbeatAt)

	// at most one in-flight run per job id
	_, err = store.ClaimJob(ctx, job.JobID, "worker-b")
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	_, err = store.ClaimJob(ctx, uuid.NewString(), "worker-b")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStorage_ClaimJob_DuplicateDeliveryAfterRun(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindPeriodic)
	require.NoError(t, store.CreateJob(ctx, job))
	dispatch(t, store, job.JobID)

	_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
	require.NoError(t, err)
	_, err = store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
		Status:    domain.RunStatusSuccess,
		NextRunAt: clock.now.Add(15 * time.Minute),
	})
	require.NoError(t, err)

	// a second copy of the same message arrives after the run
	_, err = store.ClaimJob(ctx, job.JobID, "worker-b")
	assert.ErrorIs(t, err, domain.ErrStaleDelivery)

	// dispatched but not yet due
	dispatch(t, store, job.JobID)
	_, err = store.ClaimJob(ctx, job.JobID, "worker-b")
	assert.ErrorIs(t, err, domain.ErrStaleDelivery)

	got, err := store.GetJobByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateEnqueued, got.State)
	assert.Equal(t, 1, got.RunCount)

	clock.Advance(15 * time.Minute)
	_, err = store.ClaimJob(ctx, job.JobID, "worker-b")
	require.NoError(t, err)
}

func TestStorage_CompleteRun_OneTime(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		wantState string
	}{
		{name: "success", status: domain.RunStatusSuccess, wantState: domain.JobStateSucceeded},
		{name: "failure", status: domain.RunStatusFailure, wantState: domain.JobStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStorage(t)
			ctx := context.Background()

			job := newJob(domain.JobKindOneTime)
			require.NoError(t, store.CreateJob(ctx, job))
			dispatch(t, store, job.JobID)
			_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
			require.NoError(t, err)

			done, err := store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
				Status:  tt.status,
				Title:   "title",
				Message: "message",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, done.State)
			assert.Equal(t, tt.status, done.LastStatus)
			assert.Equal(t, "title", done.LastTitle)
			assert.Equal(t, "message", done.LastMessage)
			assert.Equal(t, 1, done.RunCount)
			assert.Empty(t, done.WorkerID)
			assert.NotNil(t, done.CompletedAt)

			_, err = store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{Status: tt.status})
			assert.ErrorIs(t, err, domain.ErrJobNotRunning)
		})
	}
}

func TestStorage_CompleteRun_PeriodicLoops(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindPeriodic)
	require.NoError(t, store.CreateJob(ctx, job))
	ok, err := store.MarkDispatched(ctx, job.JobID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = store.ClaimJob(ctx, job.JobID, "worker-a")
	require.NoError(t, err)

	next := clock.now.Add(15 * time.Minute)
	done, err := store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
		Status:    domain.RunStatusSuccess,
		NextRunAt: next,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateEnqueued, done.State)
	assert.True(t, next.Equal(done.NextRunAt))
	assert.Nil(t, done.DispatchedAt)
	assert.Equal(t, 1, done.RunCount)

	// not due until the next run time
	jobs, err := store.DueJobs(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.Advance(15 * time.Minute)
	jobs, err = store.DueJobs(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestStorage_CancelJob(t *testing.T) {
	t.Run("enqueued job is cancelled immediately", func(t *testing.T) {
		store, _ := newTestStorage(t)
		ctx := context.Background()

		job := newJob(domain.JobKindPeriodic)
		require.NoError(t, store.CreateJob(ctx, job))

		cancelled, err := store.CancelJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCancelled, cancelled.State)

		_, err = store.ClaimJob(ctx, job.JobID, "worker-a")
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

		_, err = store.CancelJob(ctx, job.JobID)
		assert.ErrorIs(t, err, domain.ErrJobNotCancellable)
	})

	t.Run("running periodic job finishes its run then stops", func(t *testing.T) {
		store, clock := newTestStorage(t)
		ctx := context.Background()

		job := newJob(domain.JobKindPeriodic)
		require.NoError(t, store.CreateJob(ctx, job))
		dispatch(t, store, job.JobID)
		_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
		require.NoError(t, err)

		flagged, err := store.CancelJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateRunning, flagged.State)
		assert.True(t, flagged.CancelRequested)

		done, err := store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
			Status:    domain.RunStatusSuccess,
			Message:   "Clouds, scattered clouds with 26.85 Celsius",
			NextRunAt: clock.now.Add(15 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCancelled, done.State)
		assert.Equal(t, domain.RunStatusSuccess, done.LastStatus)
		assert.Equal(t, 1, done.RunCount)
	})

	t.Run("unknown job", func(t *testing.T) {
		store, _ := newTestStorage(t)
		_, err := store.CancelJob(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStorage_DeleteJob(t *testing.T) {
	store, _ := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindOneTime)
	require.NoError(t, store.CreateJob(ctx, job))

	assert.ErrorIs(t, store.DeleteJob(ctx, job.JobID), domain.ErrJobNotTerminal)

	_, err := store.CancelJob(ctx, job.JobID)
	require.NoError(t, err)
	require.NoError(t, store.DeleteJob(ctx, job.JobID))

	_, err = store.GetJobByID(ctx, job.JobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	assert.ErrorIs(t, store.DeleteJob(ctx, job.JobID), domain.ErrJobNotFound)
}

func TestStorage_HeartbeatAndStaleJobs(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindOneTime)
	require.NoError(t, store.CreateJob(ctx, job))
	dispatch(t, store, job.JobID)
	claimedAt := clock.now
	_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	stale, err := store.StaleRunningJobs(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// a heartbeat from another worker is ignored
	require.NoError(t, store.UpdateJobHeartbeat(ctx, job.JobID, "worker-b"))
	got, err := store.GetJobByID(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, claimedAt.Equal(*got.LastHeartbeatAt))

	require.NoError(t, store.UpdateJobHeartbeat(ctx, job.JobID, "worker-a"))

	clock.Advance(90 * time.Second)
	stale, err = store.StaleRunningJobs(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(time.Minute)
	stale, err = store.StaleRunningJobs(ctx, 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, job.JobID, stale[0].JobID)
}

func TestStorage_CompleteRun_ReapedRunClaimedAgain(t *testing.T) {
	store, clock := newTestStorage(t)
	ctx := context.Background()

	job := newJob(domain.JobKindPeriodic)
	require.NoError(t, store.CreateJob(ctx, job))
	dispatch(t, store, job.JobID)
	_, err := store.ClaimJob(ctx, job.JobID, "worker-a")
	require.NoError(t, err)

	// worker-a goes quiet and the run is reaped on its behalf
	clock.Advance(3 * time.Minute)
	reaped, err := store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
		Status:    domain.RunStatusFailure,
		Title:     "lost",
		NextRunAt: clock.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateEnqueued, reaped.State)

	dispatch(t, store, job.JobID)
	_, err = store.ClaimJob(ctx, job.JobID, "worker-b")
	require.NoError(t, err)

	// worker-a finishes late and must not overwrite worker-b's run
	_, err = store.CompleteRun(ctx, job.JobID, "worker-a", domain.RunOutcome{
		Status: domain.RunStatusSuccess,
		Title:  "from worker-a",
	})
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)

	got, err := store.GetJobByID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, got.State)
	assert.Equal(t, "worker-b", got.WorkerID)
	assert.Equal(t, "lost", got.LastTitle)

	done, err := store.CompleteRun(ctx, job.JobID, "worker-b", domain.RunOutcome{
		Status:    domain.RunStatusSuccess,
		Title:     "from worker-b",
		NextRunAt: clock.now.Add(15 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "from worker-b", done.LastTitle)
	assert.Equal(t, 2, done.RunCount)
}
