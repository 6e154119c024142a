package notestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/model"
)

func TestUpsertLinkIsIdempotentAndGetLinksSplitsDirection(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	a, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "note a"})
	require.NoError(t, err)
	b, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "note b"})
	require.NoError(t, err)

	require.NoError(t, store.UpsertLink(ctx, sc, model.Link{FromNote: a.ID, ToNote: b.ID, Kind: "similar", Score: 0.8}))

	outgoing, incoming, err := store.GetLinks(ctx, sc, a.ID)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	require.Empty(t, incoming)
	require.Equal(t, b.ID, outgoing[0].NoteID)
	require.Equal(t, 0.8, outgoing[0].Score)

	outgoing, incoming, err = store.GetLinks(ctx, sc, b.ID)
	require.NoError(t, err)
	require.Empty(t, outgoing)
	require.Len(t, incoming, 1)
	require.Equal(t, a.ID, incoming[0].NoteID)

	require.NoError(t, store.UpsertLink(ctx, sc, model.Link{FromNote: a.ID, ToNote: b.ID, Kind: "similar", Score: 0.95}))
	outgoing, _, err = store.GetLinks(ctx, sc, a.ID)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	require.Equal(t, 0.95, outgoing[0].Score)
}
