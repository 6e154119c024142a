package skos

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
	sc, err := r.Create(ctx, "skos_test")
	require.NoError(t, err)
	return pool, sc
}

func TestReciprocal(t *testing.T) {
	cases := []struct {
		in   model.RelationKind
		want model.RelationKind
	}{
		{model.RelationBroader, model.RelationNarrower},
		{model.RelationNarrower, model.RelationBroader},
		{model.RelationRelated, model.RelationRelated},
	}
	for _, c := range cases {
		got, err := reciprocal(c.in)
		require.NoError(t, err)
		require.Equal(t, c.want, got)
	}
	_, err := reciprocal(model.RelationKind("bogus"))
	require.Error(t, err)
}

func TestEnsureConceptAndReciprocalBroaderNarrower(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)

	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)

	parent, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Mammal")
	require.NoError(t, err)
	child, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Dog")
	require.NoError(t, err)

	// re-ensuring the same label must not create a duplicate concept
	again, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Dog")
	require.NoError(t, err)
	require.Equal(t, child, again)

	require.NoError(t, svc.AddRelation(ctx, sc, child, parent, model.RelationBroader, false))

	narrower, err := svc.ExpandNarrower(ctx, sc, parent)
	require.NoError(t, err)
	require.Contains(t, narrower, child)
	require.Contains(t, narrower, parent)
}

func TestAddRelationRejectsSelfRelation(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)
	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)
	c, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Solo")
	require.NoError(t, err)
	err = svc.AddRelation(ctx, sc, c, c, model.RelationBroader, false)
	require.Error(t, err)
}

func TestAddRelationRejectsCircularChain(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)
	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)
	a, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "A")
	require.NoError(t, err)
	b, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "B")
	require.NoError(t, err)

	require.NoError(t, svc.AddRelation(ctx, sc, a, b, model.RelationBroader, false))
	// b already narrower* reaches a; adding b broader-> a would cycle
	err = svc.AddRelation(ctx, sc, b, a, model.RelationBroader, false)
	require.Error(t, err)
}

func TestAddRelationRejectsCycleThroughNarrowerDirection(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)
	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)
	a, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "NarrowA")
	require.NoError(t, err)
	b, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "NarrowB")
	require.NoError(t, err)

	// a narrower-> b implies b broader-> a
	require.NoError(t, svc.AddRelation(ctx, sc, a, b, model.RelationNarrower, false))
	// b narrower-> a would imply a broader-> b, closing the cycle
	err = svc.AddRelation(ctx, sc, b, a, model.RelationNarrower, false)
	require.Error(t, err)
}

func TestAutocompleteMatchesPrefixCaseInsensitively(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)
	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)
	concept, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Quantum Computing")
	require.NoError(t, err)

	matches, err := svc.Autocomplete(ctx, sc, "quant", 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	found := false
	for _, m := range matches {
		if m.ConceptID == concept {
			found = true
			require.Equal(t, "Quantum Computing", m.Text)
		}
	}
	require.True(t, found)

	none, err := svc.Autocomplete(ctx, sc, "", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestTagNotePromotesAtLiteraryWarrantThreshold(t *testing.T) {
	pool, sc := testSetup(t)
	ctx := context.Background()
	svc := New(pool)
	schemeID, err := svc.EnsureScheme(ctx, sc, "test-scheme")
	require.NoError(t, err)
	concept, err := svc.EnsureConcept(ctx, sc, schemeID, "en", "Popular")
	require.NoError(t, err)

	for i := 0; i < model.LiteraryWarrantThreshold; i++ {
		noteID := model.NewID()
		_, err := pool.Exec(ctx, `INSERT INTO `+sc.Qualify("note")+` (id, format, source) VALUES ($1,'markdown','api')`, noteID)
		require.NoError(t, err)
		require.NoError(t, svc.TagNote(ctx, sc, noteID, concept, 0.9))
	}

	var status model.ConceptStatus
	require.NoError(t, pool.QueryRow(ctx, `SELECT status FROM `+sc.Qualify("concept")+` WHERE id = $1`, concept).Scan(&status))
	require.Equal(t, model.ConceptApproved, status)
}
