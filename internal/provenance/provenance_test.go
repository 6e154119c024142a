package provenance

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
	sc, err := r.Create(ctx, "provenance_test")
	require.NoError(t, err)
	return pool, sc
}

func insertNote(t *testing.T, ctx context.Context, pool *pgxpool.Pool, sc archive.SchemaContext) uuid.UUID {
	t.Helper()
	id := model.NewID()
	_, err := pool.Exec(ctx, `INSERT INTO `+sc.Qualify("note")+` (id, format, source) VALUES ($1,'markdown','api')`, id)
	require.NoError(t, err)
	return id
}

func TestRecordRejectsEmptyTarget(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	s := New(pool)
	_, err := s.Record(ctx, sc, model.Provenance{Source: model.ProvenanceSourceUser})
	require.Error(t, err)
}

func TestRecordAndForNote(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	s := New(pool)

	noteID := insertNote(t, ctx, pool, sc)
	target, err := model.NewProvenanceTarget(&noteID, nil)
	require.NoError(t, err)

	id, err := s.Record(ctx, sc, model.Provenance{
		Target:     target,
		Source:     model.ProvenanceSourceUser,
		Confidence: model.ConfidenceHigh,
	})
	require.NoError(t, err)
	require.NotEqual(t, id, noteID)

	recs, err := s.ForNote(ctx, sc, noteID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, model.ProvenanceSourceUser, recs[0].Source)
}

func TestUpsertDeviceDedupsByNaturalKey(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	s := New(pool)

	a, err := s.UpsertDevice(ctx, sc, "Apple", "iPhone 15", "alice")
	require.NoError(t, err)
	b, err := s.UpsertDevice(ctx, sc, "Apple", "iPhone 15", "alice")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := s.UpsertDevice(ctx, sc, "Apple", "iPhone 15", "bob")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestReverseGeocodeFallsBackToDWithin(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	s := New(pool)

	id := model.NewID()
	_, err := pool.Exec(ctx, `INSERT INTO `+sc.Qualify("named_location")+`
		(id, name, center) VALUES ($1, 'Home', ST_GeogFromText('POINT(-122.419 37.774)'))`, id)
	require.NoError(t, err)

	loc, err := s.ReverseGeocode(ctx, sc, model.Point{Lat: 37.7741, Lon: -122.4190}, 500)
	require.NoError(t, err)
	require.Equal(t, "Home", loc.Name)
}

func TestActivityLifecycle(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	s := New(pool)

	id, err := s.StartActivity(ctx, sc, model.ActivityIngest, "pipeline-worker")
	require.NoError(t, err)
	require.NoError(t, s.EndActivity(ctx, sc, id))
	require.Error(t, s.EndActivity(ctx, sc, id))
}
