// Package jobs implements the job scheduler and the per-tier worker
// pool: enqueue with dedup, FIFO-per-tier claim via SELECT ... FOR
// UPDATE SKIP LOCKED, progress reporting, retry with backoff, and
// cancellation. The tier-goroutine-plus-ticker loop and stopCh shutdown
// follow cuemby-warren's worker loop shape; retry-on-transient-error
// wraps cenkalti/backoff/v4 the way steveyegge-beads' dolt store does.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/model"
)

// Scheduler enqueues and claims jobs against the shared public.job_queue
// table.
type Scheduler struct {
	pool *pgxpool.Pool
}

// New builds a Scheduler.
func New(pool *pgxpool.Pool) *Scheduler {
	return &Scheduler{pool: pool}
}

// EnqueueInput is the payload accepted by Enqueue.
type EnqueueInput struct {
	Archive  string
	NoteID   *uuid.UUID
	Type     model.JobType
	Priority int
	Payload  map[string]any
}

// Enqueue inserts a job, or returns the existing pending/running job of
// the same (note_id, job_type, embedding_set_id) if one is already
// queued, so that re-triggering a stage (e.g. re-saving a note
// mid-pipeline) doesn't pile up duplicate work. The dedup key includes
// the payload's embedding_set_id scope: two full sets both asking to
// embed the same note are two distinct jobs, not one.
func (s *Scheduler) Enqueue(ctx context.Context, in EnqueueInput) (model.EnqueueResult, error) {
	if in.NoteID != nil {
		setScope := ""
		if raw, ok := in.Payload["embedding_set_id"].(string); ok {
			setScope = raw
		}
		var existing uuid.UUID
		err := s.pool.QueryRow(ctx, `SELECT id FROM public.job_queue
			WHERE note_id = $1 AND job_type = $2
			AND COALESCE(payload->>'embedding_set_id', '') = $3
			AND status IN ('pending','running')`,
			*in.NoteID, in.Type, setScope).Scan(&existing)
		if err == nil {
			return model.EnqueueResult{ID: existing, AlreadyPending: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.EnqueueResult{}, fmt.Errorf("check pending job: %w", err)
		}
	}

	tier, ok := model.DefaultTiers[in.Type]
	if !ok {
		tier = model.TierAny
	}
	estimate := estimateDuration(ctx, s.pool, in.Type)

	id := model.NewID()
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	in.Payload["archive"] = in.Archive

	_, err := s.pool.Exec(ctx, `INSERT INTO public.job_queue
		(id, archive, note_id, job_type, status, priority, tier, payload, max_retries, estimated_ms)
		VALUES ($1,$2,$3,$4,'pending',$5,$6,$7,$8,$9)`,
		id, in.Archive, in.NoteID, in.Type, in.Priority, tier, in.Payload, model.DefaultMaxRetries, estimate)
	if err != nil {
		return model.EnqueueResult{}, apperr.FromPgError(fmt.Errorf("enqueue job: %w", err), "enqueue")
	}
	return model.EnqueueResult{ID: id, AlreadyPending: false}, nil
}

// HasOutstanding reports whether a pending or running job of jobType
// exists for noteID. Unlike Enqueue's dedup it matches on note and job
// type only, whatever the payload's embedding_set_id. Pipeline
// stages call this to self-check a prerequisite stage before running,
// since jobs.Handler carries no scheduler-side prerequisite gate.
func (s *Scheduler) HasOutstanding(ctx context.Context, archive string, noteID uuid.UUID, jobType model.JobType) (bool, error) {
	var existing uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM public.job_queue
		WHERE note_id = $1 AND job_type = $2 AND status IN ('pending','running')`,
		noteID, jobType).Scan(&existing)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check outstanding job: %w", err)
}

// HasAnyOutstanding reports whether any job of a type other than
// excludeType is still pending or running for noteID, the precondition
// purge_note checks before hard-deleting ("confirming no pending
// revisions" generalized to "no pending pipeline work of any kind").
func (s *Scheduler) HasAnyOutstanding(ctx context.Context, archive string, noteID uuid.UUID, excludeType model.JobType) (bool, error) {
	var existing uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM public.job_queue
		WHERE note_id = $1 AND job_type != $2 AND status IN ('pending','running')`,
		noteID, excludeType).Scan(&existing)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check any outstanding job: %w", err)
}

// estimateDuration returns the average of the last 10 job_history rows
// for jobType, falling back to model.BaselineDurationMS when fewer than
// 10 samples exist.
func estimateDuration(ctx context.Context, pool *pgxpool.Pool, jobType model.JobType) int64 {
	rows, err := pool.Query(ctx, `SELECT duration_ms FROM public.job_history
		WHERE job_type = $1 ORDER BY completed_at DESC LIMIT 10`, jobType)
	if err != nil {
		return model.BaselineDurationMS[jobType]
	}
	defer rows.Close()

	var sum, n int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return model.BaselineDurationMS[jobType]
		}
		sum += d
		n++
	}
	if n < 10 {
		return model.BaselineDurationMS[jobType]
	}
	return sum / n
}

// ClaimNext claims the highest-priority pending job (oldest first within
// a priority) whose tier is tier or the tier-agnostic model.TierAny (any
// tier at all if tier is model.TierAny), marking it running. Returns nil, nil if none
// pending. Uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// across tiers never double-claim a row.
func (s *Scheduler) ClaimNext(ctx context.Context, tier model.Tier) (*model.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT id FROM public.job_queue
		WHERE status = 'pending' AND ($1 = '' OR tier = $1 OR tier = '')
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED LIMIT 1`
	var id uuid.UUID
	err = tx.QueryRow(ctx, query, string(tier)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim candidate: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE public.job_queue SET status = 'running', started_at = now() WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("mark claimed job running: %w", err)
	}

	job, err := scanJob(tx.QueryRow(ctx, jobSelectColumns+` FROM public.job_queue WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

const jobSelectColumns = `SELECT id, archive, note_id, job_type, status, priority, tier, payload,
	progress_percent, progress_message, retry_count, max_retries, estimated_ms, actual_ms,
	created_at, started_at, completed_at, cancel_requested`

func scanJob(row pgx.Row) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(&j.ID, &j.Archive, &j.NoteID, &j.Type, &j.Status, &j.Priority, &j.Tier, &j.Payload,
		&j.ProgressPercent, &j.ProgressMessage, &j.RetryCount, &j.MaxRetries, &j.EstimatedMS, &j.ActualMS,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.CancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// ReportProgress updates a running job's progress fields and appends a
// log line, without changing status.
func (s *Scheduler) ReportProgress(ctx context.Context, jobID uuid.UUID, percent int, message string) error {
	_, err := s.pool.Exec(ctx, `UPDATE public.job_queue SET
		progress_percent = $2, progress_message = $3,
		logs = array_append(logs, $3)
		WHERE id = $1 AND status = 'running'`, jobID, percent, message)
	if err != nil {
		return fmt.Errorf("report progress for job %s: %w", jobID, err)
	}
	return nil
}

// Complete marks a job completed, records its duration in job_history,
// and appends to embedding/index bookkeeping handled by the caller.
func (s *Scheduler) Complete(ctx context.Context, job *model.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	durationMS := time.Since(job.StartedAtOrNow()).Milliseconds()
	_, err = tx.Exec(ctx, `UPDATE public.job_queue SET status = 'completed',
		completed_at = now(), actual_ms = $2, progress_percent = 100 WHERE id = $1`, job.ID, durationMS)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}

	histID := model.NewID()
	_, err = tx.Exec(ctx, `INSERT INTO public.job_history (id, job_type, duration_ms, succeeded)
		VALUES ($1,$2,$3,true)`, histID, job.Type, durationMS)
	if err != nil {
		return fmt.Errorf("record job_history: %w", err)
	}

	return tx.Commit(ctx)
}

// Fail marks a job failed. If job.RetryCount has not reached
// job.MaxRetries, the job is instead returned to pending with retry_count
// incremented, so a subsequent ClaimNext picks it up again; the caller is
// expected to have already waited out a backoff interval before calling
// Fail, or to rely on RunWithRetry which does so internally.
func (s *Scheduler) Fail(ctx context.Context, job *model.Job, cause error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	durationMS := time.Since(job.StartedAtOrNow()).Milliseconds()
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if job.RetryCount < job.MaxRetries {
		_, err = tx.Exec(ctx, `UPDATE public.job_queue SET status = 'pending',
			retry_count = retry_count + 1, progress_message = $2,
			logs = array_append(logs, $2), started_at = NULL
			WHERE id = $1`, job.ID, message)
		if err != nil {
			return fmt.Errorf("requeue failed job: %w", err)
		}
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE public.job_queue SET status = 'failed',
		completed_at = now(), actual_ms = $2, progress_message = $3,
		logs = array_append(logs, $3) WHERE id = $1`, job.ID, durationMS, message)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	histID := model.NewID()
	_, err = tx.Exec(ctx, `INSERT INTO public.job_history (id, job_type, duration_ms, succeeded)
		VALUES ($1,$2,$3,false)`, histID, job.Type, durationMS)
	if err != nil {
		return fmt.Errorf("record job_history: %w", err)
	}

	return tx.Commit(ctx)
}

// Requeue returns a claimed job to pending without touching its retry
// budget, for cases where the job itself did nothing wrong (e.g. it was
// claimed while its archive was paused).
func (s *Scheduler) Requeue(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE public.job_queue SET status = 'pending', started_at = NULL
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return nil
}

// RequestCancel flags a running (or pending) job for cooperative
// cancellation; handlers must poll CancelRequested via Get.
func (s *Scheduler) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE public.job_queue SET cancel_requested = true
		WHERE id = $1 AND status IN ('pending','running')`, jobID)
	if err != nil {
		return fmt.Errorf("request cancel for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("job %s not found or already terminal", jobID)
	}
	return nil
}

// FinalizeCancel transitions a job the handler observed CancelRequested
// on into the terminal cancelled state.
func (s *Scheduler) FinalizeCancel(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE public.job_queue SET status = 'cancelled',
		completed_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("finalize cancel for job %s: %w", jobID, err)
	}
	return nil
}

// Get fetches one job by id.
func (s *Scheduler) Get(ctx context.Context, jobID uuid.UUID) (*model.Job, error) {
	return scanJob(s.pool.QueryRow(ctx, jobSelectColumns+` FROM public.job_queue WHERE id = $1`, jobID))
}

// IsPaused reports whether job processing is paused globally or for the
// given archive, consulting public.system_config keys "jobs_paused" and
// "jobs_paused:<archive>".
func (s *Scheduler) IsPaused(ctx context.Context, archive string) (bool, error) {
	var globalPaused, archivePaused bool
	_ = s.pool.QueryRow(ctx, `SELECT (value)::boolean FROM public.system_config WHERE key = 'jobs_paused'`).Scan(&globalPaused)
	_ = s.pool.QueryRow(ctx, `SELECT (value)::boolean FROM public.system_config WHERE key = $1`, "jobs_paused:"+archive).Scan(&archivePaused)
	return globalPaused || archivePaused, nil
}

// SetPaused sets the global or per-archive pause flag. archive == "" sets
// the global flag.
func (s *Scheduler) SetPaused(ctx context.Context, archive string, paused bool) error {
	key := "jobs_paused"
	if archive != "" {
		key = "jobs_paused:" + archive
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO public.system_config (key, value) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET value = $2`, key, paused)
	if err != nil {
		return fmt.Errorf("set pause flag %q: %w", key, err)
	}
	return nil
}

// Cleanup trims public.job_queue and public.job_history to the most
// recent model.JobHistoryRetention terminal rows. It is what the
// JobQueueCleanup job's handler runs; nothing in the repository enqueues
// that job on a schedule.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.job_queue WHERE status IN ('completed','failed','cancelled')
		AND id NOT IN (
			SELECT id FROM public.job_queue WHERE status IN ('completed','failed','cancelled')
			ORDER BY completed_at DESC LIMIT $1
		)`, model.JobHistoryRetention)
	if err != nil {
		return 0, fmt.Errorf("cleanup job_queue: %w", err)
	}

	_, err = s.pool.Exec(ctx, `DELETE FROM public.job_history WHERE id NOT IN (
		SELECT id FROM public.job_history ORDER BY completed_at DESC LIMIT $1
	)`, model.JobHistoryRetention)
	if err != nil {
		return 0, fmt.Errorf("cleanup job_history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// retryBackoff bounds the in-process retry of a transient handler error
// before the job is requeued; MaxElapsedTime keeps one stuck job from
// occupying a worker slot indefinitely.
func retryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// RunWithRetry runs fn, retrying transient (apperr.Retryable) errors with
// exponential backoff before giving up and returning the last error to
// the caller, which then decides via Fail whether the job itself should
// be requeued for a later attempt or marked terminally failed.
func RunWithRetry(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if apperr.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(retryBackoff(), ctx))
}
