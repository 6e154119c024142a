package notestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/model"
)

func TestReplaceEntitiesOverwritesPriorSet(t *testing.T) {
	pool, sc := testSchema(t)
	ctx := context.Background()
	store := New(pool)

	note, err := store.CreateNote(ctx, sc, CreateNoteInput{Content: "Marie Curie worked in Paris"})
	require.NoError(t, err)

	err = store.ReplaceEntities(ctx, sc, note.ID, []model.NoteEntity{
		{EntityType: "person", Normalized: "marie curie", Surface: "Marie Curie", Position: 0},
		{EntityType: "location", Normalized: "paris", Surface: "Paris", Position: 1},
	})
	require.NoError(t, err)

	entities, err := store.EntitiesForNote(ctx, sc, note.ID)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	require.Equal(t, "marie curie", entities[0].Normalized)
	require.Equal(t, "paris", entities[1].Normalized)

	err = store.ReplaceEntities(ctx, sc, note.ID, []model.NoteEntity{
		{EntityType: "location", Normalized: "london", Surface: "London", Position: 0},
	})
	require.NoError(t, err)

	entities, err = store.EntitiesForNote(ctx, sc, note.ID)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	require.Equal(t, "london", entities[0].Normalized)
}
