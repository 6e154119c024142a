package notestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// linkSnippetLen bounds the preview text GetLinks returns alongside each
// linked note (search result snippets are cut at 280 characters instead).
const linkSnippetLen = 240

// UpsertLink records a computed link between two notes, called by the
// linking pipeline stage for each candidate embedset.SimilarNotes returns
// above the similarity threshold. Idempotent on (from_note, to_note, kind)
// so re-linking after a content change replaces the stale score.
func (s *Store) UpsertLink(ctx context.Context, sc archive.SchemaContext, l model.Link) error {
	id := l.ID
	if id == uuid.Nil {
		id = model.NewID()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("link")+`
		(id, from_note, to_note, kind, score) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (from_note, to_note, kind) DO UPDATE SET score = EXCLUDED.score`,
		id, l.FromNote, l.ToNote, l.Kind, l.Score)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("upsert link %s -> %s: %w", l.FromNote, l.ToNote, err), "upsert_link")
	}
	return nil
}

// LinkedNote is one side of a GET /notes/:id/links response: the linked
// note's id, title, and a content snippet, alongside the link's score.
type LinkedNote struct {
	NoteID  uuid.UUID
	Title   string
	Snippet string
	Kind    string
	Score   float64
}

// GetLinks returns every link touching noteID, split into outgoing (this
// note links to others) and incoming (other notes link to this one).
func (s *Store) GetLinks(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) (outgoing, incoming []LinkedNote, err error) {
	outgoing, err = s.fetchLinks(ctx, sc, `SELECT l.to_note, COALESCE(n.title,''), LEFT(o.content,`+fmt.Sprint(linkSnippetLen)+`), l.kind, l.score
		FROM `+sc.Qualify("link")+` l
		JOIN `+sc.Qualify("note")+` n ON n.id = l.to_note
		LEFT JOIN `+sc.Qualify("note_original")+` o ON o.note_id = l.to_note
		WHERE l.from_note = $1 AND n.deleted_at IS NULL ORDER BY l.score DESC`, noteID)
	if err != nil {
		return nil, nil, err
	}
	incoming, err = s.fetchLinks(ctx, sc, `SELECT l.from_note, COALESCE(n.title,''), LEFT(o.content,`+fmt.Sprint(linkSnippetLen)+`), l.kind, l.score
		FROM `+sc.Qualify("link")+` l
		JOIN `+sc.Qualify("note")+` n ON n.id = l.from_note
		LEFT JOIN `+sc.Qualify("note_original")+` o ON o.note_id = l.from_note
		WHERE l.to_note = $1 AND n.deleted_at IS NULL ORDER BY l.score DESC`, noteID)
	if err != nil {
		return nil, nil, err
	}
	return outgoing, incoming, nil
}

func (s *Store) fetchLinks(ctx context.Context, sc archive.SchemaContext, query string, noteID uuid.UUID) ([]LinkedNote, error) {
	rows, err := s.pool.Query(ctx, query, noteID)
	if err != nil {
		return nil, fmt.Errorf("fetch links for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []LinkedNote
	for rows.Next() {
		var l LinkedNote
		var snippet *string
		if err := rows.Scan(&l.NoteID, &l.Title, &snippet, &l.Kind, &l.Score); err != nil {
			return nil, err
		}
		if snippet != nil {
			l.Snippet = *snippet
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
