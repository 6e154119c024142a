package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/dbx"
	"github.com/fortemi/fortemi/internal/model"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("FORTEMI_TEST_DSN")
	if dsn == "" {
		t.Skip("FORTEMI_TEST_DSN not set, skipping Postgres integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, dbx.RunSharedMigrations(ctx, pool))

	// The queue tables are process-global; start each test from an empty
	// queue so leftover pending jobs from another test (or a prior run)
	// can't be claimed in its place.
	_, err = pool.Exec(ctx, `TRUNCATE public.job_queue, public.job_history`)
	require.NoError(t, err)
	return pool
}

func TestEnqueueDedupsPendingJobForSameNote(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	noteID := model.NewID()
	first, err := sched.Enqueue(ctx, EnqueueInput{Archive: "jobs_test", NoteID: &noteID, Type: model.JobEmbedding})
	require.NoError(t, err)
	require.False(t, first.AlreadyPending)

	second, err := sched.Enqueue(ctx, EnqueueInput{Archive: "jobs_test", NoteID: &noteID, Type: model.JobEmbedding})
	require.NoError(t, err)
	require.True(t, second.AlreadyPending)
	require.Equal(t, first.ID, second.ID)
}

func TestEnqueueDedupIsSetScoped(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	noteID := model.NewID()
	setA := model.NewID()
	setB := model.NewID()

	first, err := sched.Enqueue(ctx, EnqueueInput{
		Archive: "jobs_test", NoteID: &noteID, Type: model.JobEmbedding,
		Payload: map[string]any{"embedding_set_id": setA.String()},
	})
	require.NoError(t, err)
	require.False(t, first.AlreadyPending)

	second, err := sched.Enqueue(ctx, EnqueueInput{
		Archive: "jobs_test", NoteID: &noteID, Type: model.JobEmbedding,
		Payload: map[string]any{"embedding_set_id": setB.String()},
	})
	require.NoError(t, err)
	require.False(t, second.AlreadyPending, "a different set's embedding job must not collapse into another set's")
	require.NotEqual(t, first.ID, second.ID)

	again, err := sched.Enqueue(ctx, EnqueueInput{
		Archive: "jobs_test", NoteID: &noteID, Type: model.JobEmbedding,
		Payload: map[string]any{"embedding_set_id": setA.String()},
	})
	require.NoError(t, err)
	require.True(t, again.AlreadyPending)
	require.Equal(t, first.ID, again.ID)
}

func TestClaimNextHonorsTierAndSkipLocked(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	noteID := model.NewID()
	_, err := sched.Enqueue(ctx, EnqueueInput{Archive: "jobs_test", NoteID: &noteID, Type: model.JobMetadataExtraction})
	require.NoError(t, err)

	job, err := sched.ClaimNext(ctx, model.TierCPU)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, model.JobRunning, job.Status)

	again, err := sched.ClaimNext(ctx, model.TierCPU)
	require.NoError(t, err)
	require.Nil(t, again, "already-running job must not be claimed twice")
}

func TestFailRequeuesUntilMaxRetriesThenTerminal(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	noteID := model.NewID()
	enq, err := sched.Enqueue(ctx, EnqueueInput{Archive: "jobs_test", NoteID: &noteID, Type: model.JobLinking})
	require.NoError(t, err)

	// retry_count 0..DefaultMaxRetries-1 requeue; the failure at
	// retry_count == DefaultMaxRetries is terminal
	for i := 0; i <= model.DefaultMaxRetries; i++ {
		job, err := sched.ClaimNext(ctx, model.TierFastGPU)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, sched.Fail(ctx, job, assertErr))
	}

	job, err := sched.Get(ctx, enq.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, job.Status)
}

func TestPauseResumeBlocksClaimAtWorkerLevel(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	require.NoError(t, sched.SetPaused(ctx, "jobs_test", true))
	paused, err := sched.IsPaused(ctx, "jobs_test")
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, sched.SetPaused(ctx, "jobs_test", false))
	paused, err = sched.IsPaused(ctx, "jobs_test")
	require.NoError(t, err)
	require.False(t, paused)
}

func TestCleanupTrimsToRetentionLimit(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	sched := New(pool)

	for i := 0; i < model.JobHistoryRetention+5; i++ {
		_, err := sched.Enqueue(ctx, EnqueueInput{Archive: "jobs_test", Type: model.JobQueueCleanup})
		require.NoError(t, err)
		job, err := sched.ClaimNext(ctx, model.TierCPU)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, sched.Complete(ctx, job))
	}

	_, err := sched.Cleanup(ctx)
	require.NoError(t, err)

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM public.job_queue
		WHERE status IN ('completed','failed','cancelled')`).Scan(&remaining))
	require.Equal(t, model.JobHistoryRetention, remaining)
}

var assertErr = &testError{"handler failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestRunWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := RunWithRetry(context.Background(), func() error {
		calls++
		return assertErr
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "a non-apperr error must not be retried")
}

func TestRunWithRetryRetriesBackendUnavailable(t *testing.T) {
	calls := 0
	deadline := time.Now().Add(2 * time.Second)
	err := RunWithRetry(context.Background(), func() error {
		calls++
		if time.Now().Before(deadline) {
			return apperr.BackendUnavailable(assertErr, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, calls, 1, "a retryable error must be retried at least once")
}
