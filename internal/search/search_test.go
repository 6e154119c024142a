package search

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/dbx"
	"github.com/fortemi/fortemi/internal/model"
)

func TestSortResultsTieBreak(t *testing.T) {
	now := time.Now()
	a := Result{NoteID: model.NewID(), Score: 1, UpdatedAt: now}
	b := Result{NoteID: model.NewID(), Score: 1, UpdatedAt: now}
	if a.NoteID.String() > b.NoteID.String() {
		a, b = b, a
	}
	c := Result{NoteID: model.NewID(), Score: 2, UpdatedAt: now.Add(-time.Hour)}

	results := []Result{b, c, a}
	sortResults(results)

	require.Equal(t, c.NoteID, results[0].NoteID, "higher score wins regardless of recency")
	require.Equal(t, a.NoteID, results[1].NoteID, "equal score ties break on note id ascending")
	require.Equal(t, b.NoteID, results[2].NoteID)
}

func TestRecencyBonusDecaysToZero(t *testing.T) {
	require.InDelta(t, 1.0, recencyBonus(time.Now()), 0.01)
	require.Equal(t, 0.0, recencyBonus(time.Now().Add(-40*24*time.Hour)))
}

func TestTagOverlap(t *testing.T) {
	require.Equal(t, 0.0, tagOverlap(nil, []string{"a"}))
	require.Equal(t, 0.5, tagOverlap([]string{"a", "b"}, []string{"A"}))
	require.Equal(t, 1.0, tagOverlap([]string{"a", "b"}, []string{"a", "b", "c"}))
}

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
	sc, err := r.Create(ctx, "search_test")
	require.NoError(t, err)
	return pool, sc
}

func TestSearchByTextMatchesContent(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()

	noteID := model.NewID()
	_, err := pool.Exec(ctx, `INSERT INTO `+sc.Qualify("note")+` (id, title, format, source) VALUES ($1, 'Trip notes', 'markdown', 'api')`, noteID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO `+sc.Qualify("note_original")+` (note_id, content) VALUES ($1, 'Hiking through the redwood forest was unforgettable')`, noteID)
	require.NoError(t, err)

	eng := New(pool, nil, nil, Weights{Alpha: 1, Beta: 0, Gamma: 0, Delta: 0})
	results, err := eng.Search(ctx, sc, Query{Text: "redwood forest"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, noteID, results[0].NoteID)
}
