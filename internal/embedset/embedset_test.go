package embedset

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/dbx"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/notestore"
)

func testSetup(t *testing.T) (*pgxpool.Pool, archive.SchemaContext) {
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

	r := archive.NewRouter(pool, time.Minute)
	sc, err := r.Create(ctx, "embedset_test")
	require.NoError(t, err)
	return pool, sc
}

func seedEmbeddingConfig(t *testing.T, ctx context.Context, pool *pgxpool.Pool, sc archive.SchemaContext) uuid.UUID {
	t.Helper()
	id := model.NewID()
	_, err := pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_config")+`
		(id, provider, model, dimension, is_default) VALUES ($1,'ollama','nomic-embed-text',768,true)
		ON CONFLICT DO NOTHING`, id)
	require.NoError(t, err)
	return id
}

func TestComputeIndexStatusDecisionTable(t *testing.T) {
	require.Equal(t, model.IndexEmpty, model.ComputeIndexStatus(0, 0))
	require.Equal(t, model.IndexPending, model.ComputeIndexStatus(5, 0))
	require.Equal(t, model.IndexStale, model.ComputeIndexStatus(5, 3))
	require.Equal(t, model.IndexReady, model.ComputeIndexStatus(5, 5))
	require.Equal(t, model.IndexReady, model.ComputeIndexStatus(5, 8)) // more embeddings than documents still counts as ready
}

func TestEnsureDefaultFilterSetIsIdempotent(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	engine := New(pool)
	configID := seedEmbeddingConfig(t, ctx, pool, sc)

	id1, err := engine.EnsureDefaultFilterSet(ctx, sc, configID)
	require.NoError(t, err)
	id2, err := engine.EnsureDefaultFilterSet(ctx, sc, configID)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestRefreshMembershipIncludesAllNonArchivedNotes(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	engine := New(pool)
	store := notestore.New(pool)
	configID := seedEmbeddingConfig(t, ctx, pool, sc)

	note, err := store.CreateNote(ctx, sc, notestore.CreateNoteInput{Content: "matters for default set"})
	require.NoError(t, err)

	setID, err := engine.EnsureDefaultFilterSet(ctx, sc, configID)
	require.NoError(t, err)

	var set model.EmbeddingSet
	set.ID = setID
	set.Mode = model.EmbeddingSetAuto
	set.Criteria.IncludeAll = true
	set.Criteria.ExcludeArchived = true

	added, removed, err := engine.RefreshMembership(ctx, sc, set)
	require.NoError(t, err)
	require.GreaterOrEqual(t, added, 1)
	require.Zero(t, removed)

	var isMember bool
	err = pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+sc.Qualify("embedding_set_member")+`
		WHERE set_id = $1 AND note_id = $2)`, setID, note.ID).Scan(&isMember)
	require.NoError(t, err)
	require.True(t, isMember)

	var status model.IndexStatus
	err = pool.QueryRow(ctx, `SELECT index_status FROM `+sc.Qualify("embedding_set")+` WHERE id = $1`, setID).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, model.IndexPending, status)
}

func TestOnNoteWrittenRemovesMembershipWhenCriteriaNoLongerMatch(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	engine := New(pool)
	store := notestore.New(pool)
	configID := seedEmbeddingConfig(t, ctx, pool, sc)

	note, err := store.CreateNote(ctx, sc, notestore.CreateNoteInput{Content: "tagged note"})
	require.NoError(t, err)

	setID := model.NewID()
	// slug is unique per archive and the test schema persists across runs
	slug := "travel-" + setID.String()
	_, err = pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set")+`
		(id, slug, type, mode, criteria, config_id, auto_embed_rules, is_active, index_status)
		VALUES ($1,$2,'full','auto', '{"tags":["travel"]}', $3, '{"on_create":true}', true, 'empty')`,
		setID, slug, configID)
	require.NoError(t, err)

	set := model.EmbeddingSet{ID: setID, Mode: model.EmbeddingSetAuto, Type: model.EmbeddingSetFull, IsActive: true}
	set.Criteria.Tags = []string{"travel"}
	set.AutoEmbedRules.OnCreate = true

	shouldEmbed, err := engine.OnNoteWritten(ctx, sc, note.ID, set)
	require.NoError(t, err)
	require.False(t, shouldEmbed) // note has no "travel" tag yet

	_, err = pool.Exec(ctx, `INSERT INTO `+sc.Qualify("note_tag")+` (note_id, tag, source) VALUES ($1,'travel','manual')`, note.ID)
	require.NoError(t, err)

	shouldEmbed, err = engine.OnNoteWritten(ctx, sc, note.ID, set)
	require.NoError(t, err)
	require.True(t, shouldEmbed)

	_, err = pool.Exec(ctx, `DELETE FROM `+sc.Qualify("note_tag")+` WHERE note_id = $1 AND tag = 'travel'`, note.ID)
	require.NoError(t, err)

	shouldEmbed, err = engine.OnNoteWritten(ctx, sc, note.ID, set)
	require.NoError(t, err)
	require.False(t, shouldEmbed)

	var isMember bool
	err = pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+sc.Qualify("embedding_set_member")+`
		WHERE set_id = $1 AND note_id = $2)`, setID, note.ID).Scan(&isMember)
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestOnConceptChangedReturnsSetsNeedingReembedding(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	engine := New(pool)
	store := notestore.New(pool)
	configID := seedEmbeddingConfig(t, ctx, pool, sc)

	note, err := store.CreateNote(ctx, sc, notestore.CreateNoteInput{
		Content: "tagged after the fact",
		Tags:    []model.NoteTag{{Tag: "research"}},
	})
	require.NoError(t, err)

	setID := model.NewID()
	slug := "research-" + setID.String()
	_, err = pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set")+`
		(id, slug, type, mode, criteria, config_id, auto_embed_rules, is_active, index_status)
		VALUES ($1,$2,'full','auto', '{"tags":["research"]}', $3, '{"on_create":true}', true, 'empty')`,
		setID, slug, configID)
	require.NoError(t, err)

	tagSet := model.EmbeddingSet{ID: setID, Mode: model.EmbeddingSetAuto, Type: model.EmbeddingSetFull, IsActive: true}
	tagSet.Criteria.Tags = []string{"research"}
	tagSet.AutoEmbedRules.OnCreate = true

	// a filter set without tag criteria must not be proposed
	filterID, err := engine.EnsureDefaultFilterSet(ctx, sc, configID)
	require.NoError(t, err)
	filterSet := model.EmbeddingSet{ID: filterID, Mode: model.EmbeddingSetAuto, Type: model.EmbeddingSetFilter, IsActive: true}
	filterSet.Criteria.IncludeAll = true

	reembed, err := engine.OnConceptChanged(ctx, sc, note.ID, []model.EmbeddingSet{filterSet, tagSet})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{setID}, reembed)
}
