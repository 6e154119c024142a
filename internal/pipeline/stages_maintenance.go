package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/model"
)

// PurgeNoteHandler hard-deletes a soft-deleted note once no other pipeline
// job is still pending or running for it, the "confirming no pending
// revisions" precondition generalized to any in-flight stage.
type PurgeNoteHandler struct{}

func (PurgeNoteHandler) JobType() model.JobType         { return model.JobPurgeNote }
func (PurgeNoteHandler) Prerequisites() []model.JobType { return nil }

func (h PurgeNoteHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("purge job missing note id")
	}
	sc := archiveOf(job)
	outstanding, err := deps.Jobs.HasAnyOutstanding(ctx, job.Archive, *job.NoteID, model.JobPurgeNote)
	if err != nil {
		return Result{}, err
	}
	if outstanding {
		return Result{}, apperr.BackendUnavailable(nil, "note %s still has pipeline work in flight, deferring purge", *job.NoteID)
	}
	if err := deps.Notes.Purge(ctx, sc, *job.NoteID); err != nil {
		return Result{}, err
	}
	return Result{Message: "purged"}, nil
}

// BlobGCHandler deletes attachment blobs with reference_count=0 older
// than the configured minimum age, one pass per run.
type BlobGCHandler struct {
	MinAge time.Duration
}

func (BlobGCHandler) JobType() model.JobType         { return model.JobBlobGC }
func (BlobGCHandler) Prerequisites() []model.JobType { return nil }

func (h BlobGCHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	minAge := h.MinAge
	if minAge == 0 {
		minAge = 24 * time.Hour
	}
	sc := archiveOf(job)
	n, err := deps.Blobs.GC(ctx, sc, minAge)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("collected %d orphan blob(s)", n)}, nil
}

// QueueCleanupHandler trims the job_queue table to the most-recent
// model.JobHistoryRetention terminal rows, bounding its growth.
type QueueCleanupHandler struct{}

func (QueueCleanupHandler) JobType() model.JobType         { return model.JobQueueCleanup }
func (QueueCleanupHandler) Prerequisites() []model.JobType { return nil }

func (h QueueCleanupHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	n, err := deps.Jobs.Cleanup(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("trimmed %d terminal job(s)", n)}, nil
}
