package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/dbx"
	"github.com/fortemi/fortemi/internal/model"
)

func testSetup(t *testing.T) (*pgxpool.Pool, archive.SchemaContext, string) {
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
	sc, err := r.Create(ctx, "blobstore_test")
	require.NoError(t, err)

	dir := t.TempDir()
	return pool, sc, dir
}

func TestShardPathLayout(t *testing.T) {
	s := New(nil, BackendFilesystem, "/var/blobs")
	path := s.shardPath("deadbeefcafe")
	require.Equal(t, "/var/blobs/de/ad/deadbeefcafe.bin", path)
}

func TestPutDedupsIdenticalContent(t *testing.T) {
	pool, sc, dir := testSetup(t)
	ctx := context.Background()
	s := New(pool, BackendFilesystem, dir)

	// Unique content per run: the blob table is content-addressed and
	// persists across runs, so fixed content would start at a stale
	// reference count.
	content := []byte("hello attachment " + model.NewID().String())
	ref1, err := s.Put(ctx, sc, bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, 1, ref1.ReferenceCount)

	ref2, err := s.Put(ctx, sc, bytes.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, ref1.Hash, ref2.Hash)
	require.Equal(t, 2, ref2.ReferenceCount)
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	pool, sc, dir := testSetup(t)
	ctx := context.Background()
	s := New(pool, BackendFilesystem, dir)

	content := []byte("round trip bytes " + model.NewID().String())
	ref, err := s.Put(ctx, sc, bytes.NewReader(content))
	require.NoError(t, err)

	rc, err := s.Open(ctx, sc, ref.Hash)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGCCollectsOnlyUnreferencedAgedBlobs(t *testing.T) {
	pool, sc, dir := testSetup(t)
	ctx := context.Background()
	s := New(pool, BackendFilesystem, dir)

	ref, err := s.Put(ctx, sc, bytes.NewReader([]byte("to be gc'd "+model.NewID().String())))
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, sc, ref.Hash))
	kept, err := s.Put(ctx, sc, bytes.NewReader([]byte("still referenced "+model.NewID().String())))
	require.NoError(t, err)

	n, err := s.GC(ctx, sc, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	_, err = s.Open(ctx, sc, ref.Hash)
	require.Error(t, err)

	rc, err := s.Open(ctx, sc, kept.Hash)
	require.NoError(t, err)
	rc.Close()
}
