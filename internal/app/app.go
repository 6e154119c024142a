// Package app wires every core component into one facade: the pgx pool,
// archive router, repositories, pipeline registry, job scheduler and
// worker pool, search engine, and the embedding/LLM backend adapters.
// REST and MCP adapters depend only on this package, never on the
// individual internal/* packages directly.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/blobstore"
	"github.com/fortemi/fortemi/internal/collection"
	"github.com/fortemi/fortemi/internal/config"
	"github.com/fortemi/fortemi/internal/dbx"
	"github.com/fortemi/fortemi/internal/embedding"
	"github.com/fortemi/fortemi/internal/embedset"
	"github.com/fortemi/fortemi/internal/jobs"
	"github.com/fortemi/fortemi/internal/llm"
	"github.com/fortemi/fortemi/internal/metrics"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/notestore"
	"github.com/fortemi/fortemi/internal/pipeline"
	"github.com/fortemi/fortemi/internal/provenance"
	"github.com/fortemi/fortemi/internal/search"
	"github.com/fortemi/fortemi/internal/skos"
)

// App bundles every core service the REST and MCP adapters call into.
type App struct {
	Config *config.Config
	Log    *zap.Logger

	DB          *dbx.DB
	Archives    *archive.Router
	Notes       *notestore.Store
	EmbedSets   *embedset.Engine
	Concepts    *skos.Service
	Collections *collection.Store
	Provenance  *provenance.Store
	Blobs       *blobstore.Store
	Search      *search.Engine

	Embeddings embedding.Provider
	LLM        *llm.Client

	Jobs     *jobs.Scheduler
	Registry *pipeline.Registry
	Workers  *jobs.Pool
}

// New wires every component from cfg. It opens the postgres pool, runs
// the shared (cross-archive) migrations, and builds the pipeline
// registry, but does not start the worker pool — call Start for that.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	metrics.RegisterOnce()

	db, err := dbx.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := dbx.RunSharedMigrations(ctx, db.Pool); err != nil {
		db.Close()
		return nil, fmt.Errorf("run shared migrations: %w", err)
	}

	cacheTTL := time.Duration(cfg.Archive.DefaultCacheTTLSeconds) * time.Second
	archives := archive.NewRouter(db.Pool, cacheTTL)

	notes := notestore.New(db.Pool)
	embedSets := embedset.New(db.Pool)
	concepts := skos.New(db.Pool)
	collections := collection.New(db.Pool)
	prov := provenance.New(db.Pool)

	blobBackend := blobstore.BackendFilesystem
	if cfg.Blob.Backend == string(blobstore.BackendDatabase) {
		blobBackend = blobstore.BackendDatabase
	}
	blobs := blobstore.New(db.Pool, blobBackend, cfg.Blob.RootDir)

	searchEngine := search.New(db.Pool, archives, concepts, search.WeightsFromConfig(cfg.Search))

	embeddings, err := embedding.NewProvider(embedding.ProviderConfig{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Inference.EmbeddingTimeout,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build embedding provider: %w", err)
	}

	chatClient := llm.New(llm.Config{
		BaseURL:              cfg.Embedding.BaseURL,
		APIKey:               cfg.Embedding.APIKey,
		VisionModel:          cfg.Embedding.Model,
		TranscriptionModel:   cfg.Embedding.Model,
		ChatModel:            cfg.Embedding.Model,
		VisionTimeout:        cfg.Inference.VisionTimeout,
		TranscriptionTimeout: cfg.Inference.TranscriptionTimeout,
	})

	sched := jobs.New(db.Pool)

	registry := pipeline.NewRegistry(
		pipeline.ExtractionHandler{},
		pipeline.MetadataExtractionHandler{},
		pipeline.EXIFExtractionHandler{},
		pipeline.DocTypeInferenceHandler{},
		pipeline.RevisionHandler{},
		pipeline.ConceptTaggingHandler{},
		pipeline.ReferenceExtractionHandler{},
		pipeline.RelatedConceptInferenceHandler{},
		pipeline.EmbeddingHandler{},
		pipeline.LinkingHandler{},
		pipeline.EntityGraphEmbeddingHandler{},
		pipeline.PurgeNoteHandler{},
		pipeline.BlobGCHandler{MinAge: time.Duration(cfg.Blob.GCMinAgeHours) * time.Hour},
		pipeline.QueueCleanupHandler{},
	)

	deps := pipeline.Deps{
		Notes:      notes,
		EmbedSets:  embedSets,
		Embeddings: embeddings,
		Concepts:   concepts,
		Provenance: prov,
		Blobs:      blobs,
		LLM:        chatClient,
		Jobs:       sched,
		Archives:   archives,
		Log:        log,
	}

	tiers := []model.Tier{model.TierCPU, model.TierFastGPU, model.TierStdGPU, model.TierAny}
	workers := jobs.NewPool(sched, log, registry.Handlers(deps), tiers, 2*time.Second)

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		Archives:    archives,
		Notes:       notes,
		EmbedSets:   embedSets,
		Concepts:    concepts,
		Collections: collections,
		Provenance:  prov,
		Blobs:       blobs,
		Search:      searchEngine,
		Embeddings:  embeddings,
		LLM:         chatClient,
		Jobs:        sched,
		Registry:    registry,
		Workers:     workers,
	}, nil
}

// Start launches the worker pool's per-tier claim loops.
func (a *App) Start(ctx context.Context) {
	a.Workers.Start(ctx)
}

// Close stops the worker pool and the postgres pool.
func (a *App) Close() {
	a.Workers.Stop()
	a.DB.Close()
}

// pipelineJobSet is the control-flow job set CreateNote enqueues after
// inserting a note, mirroring the canonical pipeline's dependency order:
// extraction, metadata extraction, and EXIF extraction only run when the
// note has attachments (there's nothing to extract from otherwise), but
// document-type inference always runs since it also classifies pure-text
// notes; every remaining stage runs unconditionally since text-only notes
// still need revision history, tagging, and linking. Embedding jobs are
// absent here on purpose: they are enqueued set-scoped by the membership
// trigger (applyEmbeddingSetTriggers), one per full set whose
// auto_embed_rules ask for one.
func pipelineJobSet(hasAttachments bool) []model.JobType {
	types := []model.JobType{
		model.JobDocTypeInference,
		model.JobRevision,
		model.JobConceptTagging,
		model.JobReferenceExtraction,
		model.JobLinking,
		model.JobRelatedConceptInfer,
	}
	if hasAttachments {
		types = append([]model.JobType{
			model.JobExtraction,
			model.JobMetadataExtraction,
			model.JobEXIFExtraction,
		}, types...)
	}
	return types
}

// applyEmbeddingSetTriggers is the note-insert membership trigger: it
// seeds the system embedding config and sets on first use, evaluates the
// note against every active auto/mixed auto_refresh set, and enqueues a
// set-scoped embedding job for each full set whose auto_embed_rules
// request one. A set seeing its first write backfills membership for
// notes that predate it.
func (a *App) applyEmbeddingSetTriggers(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) error {
	configID, err := a.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
		Provider:     a.Embeddings.Name(),
		Model:        a.Embeddings.Model(),
		Dimension:    a.Embeddings.Dimensions(),
		ChunkSize:    a.Config.Embedding.ChunkSize,
		ChunkOverlap: a.Config.Embedding.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("ensure default embedding config: %w", err)
	}
	if _, err := a.EmbedSets.EnsureDefaultFilterSet(ctx, sc, configID); err != nil {
		return err
	}
	if _, err := a.EmbedSets.EnsureDefaultPoolSet(ctx, sc, configID); err != nil {
		return err
	}

	sets, err := a.EmbedSets.ListActiveSets(ctx, sc)
	if err != nil {
		return err
	}
	for _, set := range sets {
		if set.Mode == model.EmbeddingSetManual || !set.AutoRefresh {
			continue
		}
		if set.IndexStatus == model.IndexEmpty && set.DocumentCount == 0 {
			if _, _, err := a.EmbedSets.RefreshMembership(ctx, sc, set); err != nil {
				return fmt.Errorf("backfill membership for set %s: %w", set.Slug, err)
			}
			// backfilled members of an on-create full set need their
			// embedding jobs too; the trigger below only covers noteID
			if set.Type == model.EmbeddingSetFull && set.AutoEmbedRules.OnCreate {
				members, err := a.EmbedSets.ListMembers(ctx, sc, set.ID)
				if err != nil {
					return err
				}
				for _, member := range members {
					m := member
					if _, err := a.Jobs.Enqueue(ctx, jobs.EnqueueInput{
						Archive: sc.Archive,
						NoteID:  &m,
						Type:    model.JobEmbedding,
						Payload: map[string]any{"embedding_set_id": set.ID.String()},
					}); err != nil {
						return fmt.Errorf("enqueue backfill embedding job for set %s: %w", set.Slug, err)
					}
				}
			}
		}
		shouldEmbed, err := a.EmbedSets.OnNoteWritten(ctx, sc, noteID, set)
		if err != nil {
			return fmt.Errorf("apply membership trigger for set %s: %w", set.Slug, err)
		}
		if shouldEmbed {
			if _, err := a.Jobs.Enqueue(ctx, jobs.EnqueueInput{
				Archive: sc.Archive,
				NoteID:  &noteID,
				Type:    model.JobEmbedding,
				Payload: map[string]any{"embedding_set_id": set.ID.String()},
			}); err != nil {
				return fmt.Errorf("enqueue embedding job for set %s: %w", set.Slug, err)
			}
		}
	}
	return nil
}

// CreateNote inserts a note and its original content, then enqueues the
// pipeline's control-flow job set: Note Store inserts note + original in
// one transaction, then the Pipeline enqueues {extraction?,
// metadata_extraction?, exif_extraction?, doctype_inference, revision,
// concept_tagging, reference_extraction, linking,
// related_concept_inference} in the Job Scheduler, and the embedding-set
// membership trigger fans the note out to every active auto/mixed set,
// enqueuing one set-scoped embedding job per full set that asks for one.
// Enqueue is dedup'd by (note, type, set), so a partial enqueue failure
// is safe to retry.
func (a *App) CreateNote(ctx context.Context, sc archive.SchemaContext, in notestore.CreateNoteInput, hasAttachments bool) (*model.Note, error) {
	note, err := a.Notes.CreateNote(ctx, sc, in)
	if err != nil {
		return nil, err
	}
	for _, t := range pipelineJobSet(hasAttachments) {
		if _, err := a.Jobs.Enqueue(ctx, jobs.EnqueueInput{
			Archive: sc.Archive,
			NoteID:  &note.ID,
			Type:    t,
		}); err != nil {
			return nil, fmt.Errorf("enqueue %s job: %w", t, err)
		}
	}
	if err := a.applyEmbeddingSetTriggers(ctx, sc, note.ID); err != nil {
		return nil, err
	}
	return note, nil
}

// DeleteNote soft-deletes a note and enqueues the purge job that later
// hard-deletes it once no other pipeline work is outstanding.
func (a *App) DeleteNote(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	if err := a.Notes.SoftDelete(ctx, sc, id); err != nil {
		return err
	}
	_, err := a.Jobs.Enqueue(ctx, jobs.EnqueueInput{Archive: sc.Archive, NoteID: &id, Type: model.JobPurgeNote})
	return err
}

// ResolveArchive resolves an archive name (or the default archive when
// name is empty) into a SchemaContext, ensuring its schema exists.
func (a *App) ResolveArchive(ctx context.Context, name string) (archive.SchemaContext, error) {
	if name == "" {
		return a.Archives.Default(ctx)
	}
	return a.Archives.Resolve(ctx, name)
}

// CreateArchive registers a new archive and provisions its schema. This
// is the only path that creates an archive on behalf of a hint other
// than the default one; ResolveArchive never does.
func (a *App) CreateArchive(ctx context.Context, name string) (archive.SchemaContext, error) {
	return a.Archives.Create(ctx, name)
}
