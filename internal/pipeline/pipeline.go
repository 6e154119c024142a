// Package pipeline implements the ingestion stages: one handler per
// stage (extraction, metadata, revision, concept tagging, embedding,
// linking, ...), registered into a Registry the job worker consults by
// job type. Handlers satisfy internal/jobs.Handler's actual shape
// (JobType/Run(ctx,job,report)); the Prerequisites each stage declares
// are enforced by the handler itself re-checking its precondition and
// returning a retryable error when it isn't met yet, rather than by a
// scheduler-side gate, so a stage that races ahead of its dependency
// backs off and retries instead of deadlocking the claim loop.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/blobstore"
	"github.com/fortemi/fortemi/internal/embedding"
	"github.com/fortemi/fortemi/internal/embedset"
	"github.com/fortemi/fortemi/internal/jobs"
	"github.com/fortemi/fortemi/internal/llm"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/notestore"
	"github.com/fortemi/fortemi/internal/provenance"
	"github.com/fortemi/fortemi/internal/skos"
)

// Deps bundles every core service a pipeline stage might call into: one
// struct of collaborators passed to every stage.
type Deps struct {
	Notes      *notestore.Store
	EmbedSets  *embedset.Engine
	Embeddings embedding.Provider
	Concepts   *skos.Service
	Provenance *provenance.Store
	Blobs      *blobstore.Store
	LLM        *llm.Client
	Jobs       *jobs.Scheduler
	Archives   *archive.Router
	Log        *zap.Logger
}

// Result is returned by a stage's pure Run method alongside any error;
// the worker Handler wrapper only uses it for logging since
// internal/jobs.Handler's Run signature doesn't return one directly.
type Result struct {
	Message string
	Output  map[string]any
}

// Stage is the richer interface pipeline handlers implement internally.
// Adapt wraps one in the jobs.Handler shape the worker pool actually
// calls.
type Stage interface {
	JobType() model.JobType
	Prerequisites() []model.JobType
	Run(ctx context.Context, deps Deps, job *model.Job) (Result, error)
}

// Adapt satisfies internal/jobs.Handler for a Stage, translating its
// richer (Result, error) return into the plain error jobs.Pool expects,
// and threading report through a job-scoped progress closure.
type Adapt struct {
	Stage Stage
	Deps  Deps
}

func (a Adapt) JobType() model.JobType { return a.Stage.JobType() }

func (a Adapt) Run(ctx context.Context, job *model.Job, report func(percent int, message string)) error {
	result, err := a.Stage.Run(ctx, a.Deps, job)
	if err != nil {
		return err
	}
	if result.Message != "" {
		report(100, result.Message)
	}
	return nil
}

// Registry maps job types to their Stage implementation and exposes the
// prerequisite table for documentation and for stages that want to
// resolve a sibling stage's job type at runtime.
type Registry struct {
	stages map[model.JobType]Stage
}

// NewRegistry builds a Registry from every stage the pipeline ships.
func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[model.JobType]Stage, len(stages))}
	for _, s := range stages {
		r.stages[s.JobType()] = s
	}
	return r
}

// Handlers adapts every registered stage into the jobs.Handler slice
// internal/jobs.NewPool expects.
func (r *Registry) Handlers(deps Deps) []jobs.Handler {
	out := make([]jobs.Handler, 0, len(r.stages))
	for _, s := range r.stages {
		out = append(out, Adapt{Stage: s, Deps: deps})
	}
	return out
}

// Prerequisites returns the declared prerequisite job types for t, or nil
// if t is unregistered or has none.
func (r *Registry) Prerequisites(t model.JobType) []model.JobType {
	s, ok := r.stages[t]
	if !ok {
		return nil
	}
	return s.Prerequisites()
}

// requirePrerequisitesComplete checks, for every prerequisite type, that
// the note has no currently pending/running job of that type still in
// flight. It does not require a *successful* completion record (jobs.go
// keeps only a bounded job_history window) — only that nothing of that
// type is still queued or running, which is what actually indicates the
// prerequisite stage has had its chance to run.
func requirePrerequisitesComplete(ctx context.Context, deps Deps, job *model.Job, prereqs []model.JobType) error {
	if job.NoteID == nil || len(prereqs) == 0 {
		return nil
	}
	for _, t := range prereqs {
		pending, err := deps.Jobs.HasOutstanding(ctx, job.Archive, *job.NoteID, t)
		if err != nil {
			return fmt.Errorf("check prerequisite %s: %w", t, err)
		}
		if pending {
			return apperr.BackendUnavailable(nil, "prerequisite job type %q not yet complete for note %s", t, *job.NoteID)
		}
	}
	return nil
}
