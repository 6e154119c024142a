package notestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// ReplaceEntities deletes a note's prior extracted entities and inserts
// entities in one transaction, the reference-extraction stage's idempotent
// write: a re-run after a content edit produces the current entity set
// rather than accumulating duplicates across retries.
func (s *Store) ReplaceEntities(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, entities []model.NoteEntity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace entities tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("note_entity")+` WHERE note_id = $1`, noteID); err != nil {
		return fmt.Errorf("clear prior entities for note %s: %w", noteID, err)
	}
	for _, e := range entities {
		id := model.NewID()
		if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_entity")+`
			(id, note_id, entity_type, normalized, surface, position) VALUES ($1,$2,$3,$4,$5,$6)`,
			id, noteID, e.EntityType, e.Normalized, e.Surface, e.Position); err != nil {
			return apperr.FromPgError(fmt.Errorf("insert entity %q: %w", e.Surface, err), "replace_entities")
		}
	}
	return tx.Commit(ctx)
}

// EntitiesForNote returns every entity extracted from noteID, ordered by
// the position it was found at.
func (s *Store) EntitiesForNote(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) ([]model.NoteEntity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, note_id, entity_type, normalized, surface, position, created_at
		FROM `+sc.Qualify("note_entity")+` WHERE note_id = $1 ORDER BY position ASC`, noteID)
	if err != nil {
		return nil, fmt.Errorf("entities for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []model.NoteEntity
	for rows.Next() {
		var e model.NoteEntity
		if err := rows.Scan(&e.ID, &e.NoteID, &e.EntityType, &e.Normalized, &e.Surface, &e.Position, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
