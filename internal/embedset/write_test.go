package embedset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/model"
)

func TestEnsureDefaultConfigIsIdempotent(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	e := New(pool)

	id1, err := e.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
		Provider: "ollama", Model: "nomic-embed-text", Dimension: 768,
	})
	require.NoError(t, err)
	require.NotEqual(t, id1, "")

	id2, err := e.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{
		Provider: "openai", Model: "text-embedding-3-large", Dimension: 3072,
	})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "second call must return the already-seeded default config, not create another")
}

func TestEnsureDefaultPoolSetAndEntityGraphSetAreDistinct(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	e := New(pool)

	cfgID, err := e.EnsureDefaultConfig(ctx, sc, model.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text", Dimension: 768})
	require.NoError(t, err)

	poolSetID, err := e.EnsureDefaultPoolSet(ctx, sc, cfgID)
	require.NoError(t, err)

	entityGraphSetID, err := e.EnsureEntityGraphSet(ctx, sc, cfgID)
	require.NoError(t, err)

	require.NotEqual(t, poolSetID, entityGraphSetID, "pool set and entity-graph set must be distinct rows so WriteEmbeddings never clobbers the other's chunks")

	poolSetID2, err := e.EnsureDefaultPoolSet(ctx, sc, cfgID)
	require.NoError(t, err)
	require.Equal(t, poolSetID, poolSetID2)
}
