package notestore

import (
	"context"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/dbx"
)

func testSchema(t *testing.T) (*pgxpool.Pool, archive.SchemaContext) {
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

	// One schema per test, derived from the test name, so absolute-count
	// assertions never see another test's rows.
	name := "nstest_" + strings.ToLower(regexp.MustCompile(`[^a-z0-9]+`).ReplaceAllString(strings.ToLower(t.Name()), "_"))
	if len(name) > 60 {
		name = name[:60]
	}
	r := archive.NewRouter(pool, time.Minute)
	sc, err := r.Create(ctx, name)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE `+sc.Qualify("note")+` CASCADE`)
	require.NoError(t, err)
	return pool, sc
}

func TestCreateGetUpdateNote(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	title := "First note"
	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Title: &title, Content: "hello world"})
	require.NoError(t, err)
	require.NotEqual(t, note.ID.String(), "")

	got, err := store.Get(ctx, sc, note.ID)
	require.NoError(t, err)
	require.Equal(t, title, *got.Title)
	require.True(t, got.IsSearchable())

	newContent := "hello world, revised"
	_, err = store.UpdateNote(ctx, sc, note.ID, UpdateNoteInput{Content: &newContent})
	require.NoError(t, err)

	var version int
	err = pool.QueryRow(ctx, `SELECT version FROM `+sc.Qualify("note_original")+` WHERE note_id = $1`, note.ID).Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	var histCount int
	err = pool.QueryRow(ctx, `SELECT count(*) FROM `+sc.Qualify("note_original_history")+` WHERE note_id = $1`, note.ID).Scan(&histCount)
	require.NoError(t, err)
	require.Equal(t, 1, histCount)
}

func TestSoftDeleteExcludesFromSearchability(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "to be deleted"})
	require.NoError(t, err)

	require.NoError(t, store.SoftDelete(ctx, sc, note.ID))

	got, err := store.Get(ctx, sc, note.ID)
	require.NoError(t, err)
	require.False(t, got.IsSearchable())

	require.NoError(t, store.Restore(ctx, sc, note.ID))
	got, err = store.Get(ctx, sc, note.ID)
	require.NoError(t, err)
	require.True(t, got.IsSearchable())
}

func TestPurgeRequiresSoftDeleteFirst(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "not yet deleted"})
	require.NoError(t, err)

	err = store.Purge(ctx, sc, note.ID)
	require.Error(t, err)

	require.NoError(t, store.SoftDelete(ctx, sc, note.ID))
	require.NoError(t, store.Purge(ctx, sc, note.ID))

	_, err = store.Get(ctx, sc, note.ID)
	require.Error(t, err)
}

func TestListWithZeroLimitReturnsEmptyPage(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	_, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "one of several"})
	require.NoError(t, err)

	notes, err := store.List(ctx, sc, ListOptions{Limit: 0})
	require.NoError(t, err)
	require.Empty(t, notes)

	notes, err = store.List(ctx, sc, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, notes)
}

func TestRestoreVersionReappliesHistoricalContent(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "version one"})
	require.NoError(t, err)

	v2 := "version two"
	_, err = store.UpdateNote(ctx, sc, note.ID, UpdateNoteInput{Content: &v2})
	require.NoError(t, err)

	require.NoError(t, store.RestoreVersion(ctx, sc, note.ID, 1))

	var content string
	err = pool.QueryRow(ctx, `SELECT content FROM `+sc.Qualify("note_original")+` WHERE note_id = $1`, note.ID).Scan(&content)
	require.NoError(t, err)
	require.Equal(t, "version one", content)
}

func TestBulkCreateNotesRollsBackOnFailure(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	bogusCollection := uuid.New()
	_, err := store.BulkCreateNotes(ctx, sc, []CreateNoteInput{
		{Content: "a valid note"},
		{Content: "second note", CollectionID: &bogusCollection}, // invalid: unknown collection, should abort the whole batch
	})
	require.Error(t, err)

	var count int
	err = pool.QueryRow(ctx, `SELECT count(*) FROM `+sc.Qualify("note")).Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestCreateNoteAcceptsEmptyContent(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: ""})
	require.NoError(t, err)

	var content string
	err = pool.QueryRow(ctx, `SELECT content FROM `+sc.Qualify("note_original")+` WHERE note_id = $1`, note.ID).Scan(&content)
	require.NoError(t, err)
	require.Equal(t, "", content)
}
