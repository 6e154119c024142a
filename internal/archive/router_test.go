package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/dbx"
)

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"default", true},
		{"photos_2024", true},
		{"a", true},
		{"", false},
		{"Photos", false},
		{"2024photos", false},
		{"photos;drop table note", false},
		{"photos-2024", false},
	}
	for _, tc := range tests {
		if got := validName.MatchString(tc.name); got != tc.ok {
			t.Errorf("validName(%q) = %v, want %v", tc.name, got, tc.ok)
		}
	}
}

func TestSchemaContextQualify(t *testing.T) {
	sc := SchemaContext{Archive: "notes", Schema: "archive_notes"}
	require.Equal(t, `"archive_notes"."note"`, sc.Qualify("note"))
}

// testPool connects to a live Postgres instance for integration tests.
// Tests using it are skipped when FORTEMI_TEST_DSN is unset, since a
// real database isn't available in every environment this runs in.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("FORTEMI_TEST_DSN")
	if dsn == "" {
		t.Skip("FORTEMI_TEST_DSN not set, skipping Postgres integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, dbx.RunSharedMigrations(context.Background(), pool))
	return pool
}

func TestRouterResolveUnknownArchiveFails(t *testing.T) {
	pool := testPool(t)
	r := NewRouter(pool, time.Minute)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "never_registered")
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, apperr.CodeSchemaContext, ae.Code)
}

func TestRouterCreateThenResolveReusesSchema(t *testing.T) {
	pool := testPool(t)
	r := NewRouter(pool, time.Minute)
	ctx := context.Background()

	sc1, err := r.Create(ctx, "integration_archive")
	require.NoError(t, err)
	require.Equal(t, "archive_integration_archive", sc1.Schema)

	sc2, err := r.Resolve(ctx, "integration_archive")
	require.NoError(t, err)
	require.Equal(t, sc1, sc2)

	var count int
	err = pool.QueryRow(ctx, `SELECT count(*) FROM `+sc1.Qualify("note")).Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRouterDefaultIsCachedAndSingleflighted(t *testing.T) {
	pool := testPool(t)
	r := NewRouter(pool, time.Hour)
	ctx := context.Background()

	first, err := r.Default(ctx)
	require.NoError(t, err)

	results := make(chan SchemaContext, 8)
	for i := 0; i < 8; i++ {
		go func() {
			sc, err := r.Default(ctx)
			require.NoError(t, err)
			results <- sc
		}()
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, first, <-results)
	}
}

func TestRouterRejectsInvalidName(t *testing.T) {
	pool := testPool(t)
	r := NewRouter(pool, time.Minute)
	_, err := r.Resolve(context.Background(), "Not Valid!")
	require.Error(t, err)
}
