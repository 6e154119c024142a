package notestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// SetRevision inserts a new note_revision generation and repoints
// note_revised_current at it. Generation is one past whatever the note's
// highest prior generation was, so re-running the revision stage after a
// content edit produces a fresh generation rather than clobbering history.
func (s *Store) SetRevision(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, content, rationale, modelName string) (*model.NoteRevision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin set revision tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var generation int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(generation), 0) FROM `+sc.Qualify("note_revision")+` WHERE note_id = $1`, noteID).Scan(&generation); err != nil {
		return nil, fmt.Errorf("max revision generation for note %s: %w", noteID, err)
	}
	generation++

	rev := &model.NoteRevision{
		ID: model.NewID(), NoteID: noteID, Content: content,
		Generation: generation, Rationale: rationale, ModelName: modelName,
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_revision")+`
		(id, note_id, content, generation, rationale, model_name) VALUES ($1,$2,$3,$4,$5,$6)`,
		rev.ID, rev.NoteID, rev.Content, rev.Generation, rev.Rationale, rev.ModelName); err != nil {
		return nil, apperr.FromPgError(fmt.Errorf("insert note_revision: %w", err), "set_revision")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_revised_current")+` (note_id, revision_id) VALUES ($1,$2)
		ON CONFLICT (note_id) DO UPDATE SET revision_id = EXCLUDED.revision_id`, noteID, rev.ID); err != nil {
		return nil, fmt.Errorf("update note_revised_current for note %s: %w", noteID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit set revision: %w", err)
	}
	return rev, nil
}

// CurrentRevision returns the note_revision currently pointed to by
// note_revised_current, or apperr.NotFound if the note has never been
// revised.
func (s *Store) CurrentRevision(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) (*model.NoteRevision, error) {
	rev := &model.NoteRevision{NoteID: noteID}
	err := s.pool.QueryRow(ctx, `SELECT r.id, r.content, r.generation, r.rationale, r.model_name, r.user_edited, r.created_at
		FROM `+sc.Qualify("note_revised_current")+` c
		JOIN `+sc.Qualify("note_revision")+` r ON r.id = c.revision_id
		WHERE c.note_id = $1`, noteID).
		Scan(&rev.ID, &rev.Content, &rev.Generation, &rev.Rationale, &rev.ModelName, &rev.UserEdited, &rev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("note %s has no current revision", noteID)
	}
	if err != nil {
		return nil, fmt.Errorf("current revision for note %s: %w", noteID, err)
	}
	return rev, nil
}
