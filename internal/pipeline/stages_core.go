package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/fortemi/fortemi/internal/embedding"
	"github.com/fortemi/fortemi/internal/embedset"
	"github.com/fortemi/fortemi/internal/jobs"
	"github.com/fortemi/fortemi/internal/model"
)

// RevisionHandler produces an AI-polished variant of a note's original
// content, via the configured LLM client, and records it as the note's
// current revision.
type RevisionHandler struct{}

func (RevisionHandler) JobType() model.JobType         { return model.JobRevision }
func (RevisionHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h RevisionHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("revision job missing note id")
	}
	sc := archiveOf(job)
	content, err := deps.Notes.OriginalContent(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if content == "" {
		return Result{Message: "empty content, nothing to revise"}, nil
	}
	revised, err := deps.LLM.Revise(ctx, content, "Clean up and lightly polish this note without changing its meaning.")
	if err != nil {
		return Result{}, err
	}
	rev, err := deps.Notes.SetRevision(ctx, sc, *job.NoteID, revised, "automatic polish pass", deps.LLM.Model())
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("generation=%d", rev.Generation)}, nil
}

// ConceptTaggingHandler classifies a note under SKOS concepts via the LLM
// client's concept-extraction call, auto-creating concepts as candidate
// on first use; skos.Service's literary-warrant trigger promotes a
// concept to approved once 3 notes carry it.
type ConceptTaggingHandler struct {
	SchemeName string // defaults to "general" if empty
}

func (ConceptTaggingHandler) JobType() model.JobType         { return model.JobConceptTagging }
func (ConceptTaggingHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h ConceptTaggingHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("concept tagging job missing note id")
	}
	sc := archiveOf(job)
	content, err := deps.Notes.OriginalContent(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if content == "" {
		return Result{Message: "empty content, nothing to tag"}, nil
	}
	candidates, err := deps.LLM.ExtractConcepts(ctx, content)
	if err != nil {
		return Result{}, err
	}
	scheme := h.SchemeName
	if scheme == "" {
		scheme = "general"
	}
	schemeID, err := deps.Concepts.EnsureScheme(ctx, sc, scheme)
	if err != nil {
		return Result{}, err
	}
	tagged := 0
	for _, c := range candidates {
		conceptID, err := deps.Concepts.EnsureConcept(ctx, sc, schemeID, "en", c.Label)
		if err != nil {
			return Result{}, fmt.Errorf("ensure concept %q: %w", c.Label, err)
		}
		if err := deps.Concepts.TagNote(ctx, sc, *job.NoteID, conceptID, c.Confidence); err != nil {
			return Result{}, fmt.Errorf("tag note with concept %q: %w", c.Label, err)
		}
		tagged++
	}

	// concept-cascade trigger: tag-criteria full sets re-evaluate this
	// note's membership, and each set that gained it gets a set-scoped
	// re-embedding job
	sets, err := deps.EmbedSets.ListActiveSets(ctx, sc)
	if err != nil {
		return Result{}, err
	}
	reembed, err := deps.EmbedSets.OnConceptChanged(ctx, sc, *job.NoteID, sets)
	if err != nil {
		return Result{}, err
	}
	for _, setID := range reembed {
		if _, err := deps.Jobs.Enqueue(ctx, jobs.EnqueueInput{
			Archive: job.Archive,
			NoteID:  job.NoteID,
			Type:    model.JobEmbedding,
			Payload: map[string]any{"embedding_set_id": setID.String()},
		}); err != nil {
			return Result{}, fmt.Errorf("enqueue re-embedding for set %s: %w", setID, err)
		}
	}
	return Result{Message: fmt.Sprintf("tagged %d concept(s), re-embedding %d set(s)", tagged, len(reembed))}, nil
}

// ReferenceExtractionHandler pulls named entities out of a note's content
// via the LLM client and replaces the note's stored entity set.
type ReferenceExtractionHandler struct{}

func (ReferenceExtractionHandler) JobType() model.JobType         { return model.JobReferenceExtraction }
func (ReferenceExtractionHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h ReferenceExtractionHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("reference extraction job missing note id")
	}
	sc := archiveOf(job)
	content, err := deps.Notes.OriginalContent(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if content == "" {
		return Result{Message: "empty content, nothing to extract"}, nil
	}
	candidates, err := deps.LLM.ExtractEntities(ctx, content)
	if err != nil {
		return Result{}, err
	}
	entities := make([]model.NoteEntity, 0, len(candidates))
	for _, c := range candidates {
		entities = append(entities, model.NoteEntity{
			NoteID: *job.NoteID, EntityType: c.Type, Normalized: c.Normalized,
			Surface: c.Text, Position: c.Position,
		})
	}
	if err := deps.Notes.ReplaceEntities(ctx, sc, *job.NoteID, entities); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("extracted %d entity(ies)", len(entities))}, nil
}

// RelatedConceptInferenceHandler proposes `related` SKOS edges between the
// concepts a note was tagged with, once concept tagging has run.
type RelatedConceptInferenceHandler struct{}

func (RelatedConceptInferenceHandler) JobType() model.JobType { return model.JobRelatedConceptInfer }
func (RelatedConceptInferenceHandler) Prerequisites() []model.JobType {
	return []model.JobType{model.JobConceptTagging}
}

func (h RelatedConceptInferenceHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("related concept inference job missing note id")
	}
	sc := archiveOf(job)
	ids, err := deps.Concepts.ConceptsForNote(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if len(ids) < 2 {
		return Result{Message: "fewer than two concepts, nothing to relate"}, nil
	}
	if err := deps.Concepts.InferRelatedConcepts(ctx, sc, ids); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("inferred relations over %d concept(s)", len(ids))}, nil
}

// embeddingPayloadSetID reads the optional embedding_set_id from a job's
// payload (set by the App's embedding-set trigger when OnNoteWritten
// reports that a full set's auto_embed_rules.on_create fires, and by the
// concept-tagging stage's re-embedding jobs); an absent key means "embed into the
// default pool".
func embeddingPayloadSetID(job *model.Job) (uuid.UUID, bool) {
	raw, ok := job.Payload["embedding_set_id"]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// EmbeddingHandler chunks a note's text per its target set's config,
// embeds each chunk through the configured provider, and persists the
// result, MRL-truncating first if the set requests a smaller dimension
// than the config's native one.
type EmbeddingHandler struct{}

func (EmbeddingHandler) JobType() model.JobType         { return model.JobEmbedding }
func (EmbeddingHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobExtraction} }

func (h EmbeddingHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("embedding job missing note id")
	}
	sc := archiveOf(job)

	setID, explicit := embeddingPayloadSetID(job)
	if !explicit {
		configID, err := deps.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
			Provider: deps.Embeddings.Name(), Model: deps.Embeddings.Model(), Dimension: deps.Embeddings.Dimensions(),
			ChunkSize: 512, ChunkOverlap: 50,
		})
		if err != nil {
			return Result{}, err
		}
		if _, err := deps.EmbedSets.EnsureDefaultFilterSet(ctx, sc, configID); err != nil {
			return Result{}, err
		}
		setID, err = deps.EmbedSets.EnsureDefaultPoolSet(ctx, sc, configID)
		if err != nil {
			return Result{}, err
		}
	}
	set, err := deps.EmbedSets.GetSet(ctx, sc, setID)
	if err != nil {
		return Result{}, err
	}
	cfg, err := deps.EmbedSets.GetConfig(ctx, sc, set.ConfigID)
	if err != nil {
		return Result{}, err
	}

	content, err := deps.Notes.OriginalContent(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if content == "" {
		return Result{Message: "empty content, nothing to embed"}, nil
	}

	chunks := chunkText(content, cfg.ChunkSize, cfg.ChunkOverlap)
	vectors := make([]embedset.ChunkVector, 0, len(chunks))
	for i, text := range chunks {
		vec, err := deps.Embeddings.Embed(ctx, text, embedding.PurposeDocument)
		if err != nil {
			return Result{}, err
		}
		if cfg.SupportsMRL && set.TruncateDim != nil && *set.TruncateDim > 0 && *set.TruncateDim < len(vec) {
			vec = vec[:*set.TruncateDim]
		}
		vectors = append(vectors, embedset.ChunkVector{ChunkIndex: i, Text: text, Vector: pgvector.NewVector(vec)})
	}

	if err := deps.EmbedSets.WriteEmbeddings(ctx, sc, *job.NoteID, setID, cfg.Model, vectors); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("embedded %d chunk(s) into set %s", len(vectors), set.Slug)}, nil
}

// LinkingHandler computes semantic links from a note to other notes in
// the default embedding pool above the similarity threshold.
type LinkingHandler struct {
	Threshold float64 // defaults to 0.7 if zero
	TopK      int      // defaults to 10 if zero
}

func (LinkingHandler) JobType() model.JobType         { return model.JobLinking }
func (LinkingHandler) Prerequisites() []model.JobType { return []model.JobType{model.JobEmbedding} }

func (h LinkingHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("linking job missing note id")
	}
	sc := archiveOf(job)

	threshold := h.Threshold
	if threshold == 0 {
		threshold = 0.7
	}
	topK := h.TopK
	if topK == 0 {
		topK = 10
	}

	setID, explicit := embeddingPayloadSetID(job)
	if !explicit {
		configID, err := deps.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
			Provider: deps.Embeddings.Name(), Model: deps.Embeddings.Model(), Dimension: deps.Embeddings.Dimensions(),
			ChunkSize: 512, ChunkOverlap: 50,
		})
		if err != nil {
			return Result{}, err
		}
		setID, err = deps.EmbedSets.EnsureDefaultPoolSet(ctx, sc, configID)
		if err != nil {
			return Result{}, err
		}
	}

	candidates, err := deps.EmbedSets.SimilarNotes(ctx, sc, *job.NoteID, setID, topK)
	if err != nil {
		return Result{}, err
	}
	linked := 0
	for _, l := range candidates {
		if l.Score < threshold {
			continue
		}
		if err := deps.Notes.UpsertLink(ctx, sc, l); err != nil {
			return Result{}, err
		}
		linked++
	}
	return Result{Message: fmt.Sprintf("linked %d note(s) above threshold %.2f", linked, threshold)}, nil
}

// EntityGraphEmbeddingHandler aggregates a note's entity embeddings into
// a single per-note graph vector.
type EntityGraphEmbeddingHandler struct{}

func (EntityGraphEmbeddingHandler) JobType() model.JobType { return model.JobEntityGraphEmbedding }
func (EntityGraphEmbeddingHandler) Prerequisites() []model.JobType {
	return []model.JobType{model.JobReferenceExtraction}
}

func (h EntityGraphEmbeddingHandler) Run(ctx context.Context, deps Deps, job *model.Job) (Result, error) {
	if err := requirePrerequisitesComplete(ctx, deps, job, h.Prerequisites()); err != nil {
		return Result{}, err
	}
	if job.NoteID == nil {
		return Result{}, fmt.Errorf("entity graph embedding job missing note id")
	}
	sc := archiveOf(job)
	entities, err := deps.Notes.EntitiesForNote(ctx, sc, *job.NoteID)
	if err != nil {
		return Result{}, err
	}
	if len(entities) == 0 {
		return Result{Message: "no entities, nothing to aggregate"}, nil
	}

	dims := deps.Embeddings.Dimensions()
	agg := make([]float32, dims)
	for _, e := range entities {
		vec, err := deps.Embeddings.Embed(ctx, e.Normalized, embedding.PurposeDocument)
		if err != nil {
			return Result{}, err
		}
		for i := 0; i < dims && i < len(vec); i++ {
			agg[i] += vec[i] / float32(len(entities))
		}
	}
	configID, err := deps.EmbedSets.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
		Provider: deps.Embeddings.Name(), Model: deps.Embeddings.Model(), Dimension: dims,
		ChunkSize: 512, ChunkOverlap: 50,
	})
	if err != nil {
		return Result{}, err
	}
	setID, err := deps.EmbedSets.EnsureEntityGraphSet(ctx, sc, configID)
	if err != nil {
		return Result{}, err
	}
	if err := deps.EmbedSets.WriteEmbeddings(ctx, sc, *job.NoteID, setID, deps.Embeddings.Model(),
		[]embedset.ChunkVector{{ChunkIndex: 0, Text: "entity_graph", Vector: pgvector.NewVector(agg)}}); err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("aggregated %d entity embedding(s)", len(entities))}, nil
}
