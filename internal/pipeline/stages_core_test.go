package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/model"
)

func TestRegistryPrerequisitesMatchDependencyOrder(t *testing.T) {
	r := NewRegistry(
		ExtractionHandler{},
		RevisionHandler{},
		ConceptTaggingHandler{},
		ReferenceExtractionHandler{},
		RelatedConceptInferenceHandler{},
		EmbeddingHandler{},
		LinkingHandler{},
		EntityGraphEmbeddingHandler{},
	)

	require.Equal(t, []model.JobType{model.JobExtraction}, r.Prerequisites(model.JobRevision))
	require.Equal(t, []model.JobType{model.JobConceptTagging}, r.Prerequisites(model.JobRelatedConceptInfer))
	require.Equal(t, []model.JobType{model.JobReferenceExtraction}, r.Prerequisites(model.JobEntityGraphEmbedding))
	require.Equal(t, []model.JobType{model.JobEmbedding}, r.Prerequisites(model.JobLinking))
	require.Nil(t, r.Prerequisites(model.JobExtraction))
	require.Nil(t, r.Prerequisites("unknown_job_type"))
}

func TestEmbeddingPayloadSetIDReadsStringUUID(t *testing.T) {
	id := model.NewID()
	job := &model.Job{Payload: map[string]any{"embedding_set_id": id.String()}}
	got, ok := embeddingPayloadSetID(job)
	require.True(t, ok)
	require.Equal(t, id, got)

	job = &model.Job{Payload: map[string]any{}}
	_, ok = embeddingPayloadSetID(job)
	require.False(t, ok)
}
