package notestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetRevisionIncrementsGenerationAndRepointsCurrent(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "a note worth revising"})
	require.NoError(t, err)

	rev1, err := store.SetRevision(ctx, sc, note.ID, "a note worth revising, clarified", "grammar pass", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, 1, rev1.Generation)

	current, err := store.CurrentRevision(ctx, sc, note.ID)
	require.NoError(t, err)
	require.Equal(t, rev1.ID, current.ID)

	rev2, err := store.SetRevision(ctx, sc, note.ID, "a note worth revising, clarified further", "second pass", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, 2, rev2.Generation)

	current, err = store.CurrentRevision(ctx, sc, note.ID)
	require.NoError(t, err)
	require.Equal(t, rev2.ID, current.ID)
}

func TestCurrentRevisionNotFoundBeforeAnyRevision(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "unrevised"})
	require.NoError(t, err)

	_, err = store.CurrentRevision(ctx, sc, note.ID)
	require.Error(t, err)
}
