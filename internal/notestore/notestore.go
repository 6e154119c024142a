// Package notestore implements CRUD, soft-delete, and version-history
// operations for notes. Every exported method takes an archive.SchemaContext
// so the same Store instance serves every archive. Note creation has a
// transaction-scoped sibling (CreateNoteTx); other writes open their own
// transaction or run a single statement.
package notestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// Store is the Note Store repository.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateNoteInput is the payload accepted by CreateNote.
type CreateNoteInput struct {
	Title        *string
	Content      string
	Format       string
	Source       string
	CollectionID *uuid.UUID
	DocTypeID    *uuid.UUID
	Tags         []model.NoteTag
	Metadata     map[string]any
	Visibility   string
	OwnerID      *string
	TenantID     *string
}

// CreateNote inserts a note and its original content in one transaction.
func (s *Store) CreateNote(ctx context.Context, sc archive.SchemaContext, in CreateNoteInput) (*model.Note, error) {
	var note *model.Note
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		n, err := s.CreateNoteTx(ctx, tx, sc, in)
		if err != nil {
			return err
		}
		note = n
		return nil
	})
	return note, err
}

// CreateNoteTx is the transaction-scoped variant of CreateNote, used by
// CreateNote and by BulkCreateNotes to insert inside their transaction.
func (s *Store) CreateNoteTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, in CreateNoteInput) (*model.Note, error) {
	if in.Format == "" {
		in.Format = "markdown"
	}
	if in.Source == "" {
		in.Source = "api"
	}
	if in.Visibility == "" {
		in.Visibility = "private"
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}

	id := model.NewID()
	now := time.Now()

	_, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note")+` (
		id, title, format, source, created_at, updated_at,
		metadata, owner_id, tenant_id, visibility, collection_id, doc_type_id
	) VALUES ($1,$2,$3,$4,$5,$5,$6,$7,$8,$9,$10,$11)`,
		id, in.Title, in.Format, in.Source, now, in.Metadata,
		in.OwnerID, in.TenantID, in.Visibility, in.CollectionID, in.DocTypeID)
	if err != nil {
		return nil, apperr.FromPgError(fmt.Errorf("insert note: %w", err), "create_note")
	}

	_, err = tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_original")+`
		(note_id, content, version, created_at, updated_at) VALUES ($1,$2,1,$3,$3)`,
		id, in.Content, now)
	if err != nil {
		return nil, apperr.FromPgError(fmt.Errorf("insert note_original: %w", err), "create_note")
	}

	for _, tag := range in.Tags {
		if tag.Source == "" {
			tag.Source = model.TagSourceManual
		}
		_, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_tag")+` (note_id, tag, source)
			VALUES ($1,$2,$3) ON CONFLICT (note_id, tag) DO NOTHING`, id, tag.Tag, tag.Source)
		if err != nil {
			return nil, apperr.FromPgError(fmt.Errorf("insert note_tag: %w", err), "create_note")
		}
	}

	return &model.Note{
		ID: id, Archive: sc.Archive, Title: in.Title, Format: in.Format, Source: in.Source,
		CreatedAt: now, UpdatedAt: now, Metadata: in.Metadata,
		OwnerID: in.OwnerID, TenantID: in.TenantID, Visibility: in.Visibility,
		CollectionID: in.CollectionID, DocTypeID: in.DocTypeID,
	}, nil
}

// BulkCreateNotes creates many notes in a single transaction, rolling
// back entirely if any single note fails validation or insertion.
func (s *Store) BulkCreateNotes(ctx context.Context, sc archive.SchemaContext, inputs []CreateNoteInput) ([]*model.Note, error) {
	var notes []*model.Note
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, in := range inputs {
			n, err := s.CreateNoteTx(ctx, tx, sc, in)
			if err != nil {
				return err
			}
			notes = append(notes, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return notes, nil
}

// UpdateNoteInput carries the fields UpdateNote may change. Nil pointer
// fields leave the corresponding column untouched.
type UpdateNoteInput struct {
	Title        *string
	Content      *string          // non-nil: supersede note_original, snapshot the prior version to history
	Tags         *[]model.NoteTag // non-nil: atomically replace the full tag set (nil keeps, empty slice clears)
	CollectionID **uuid.UUID
	Metadata     map[string]any
	Starred      *bool
}

// UpdateNote updates a note's mutable fields. A non-nil Content bumps
// note_original.version and snapshots the displaced version into
// note_original_history, trimmed to model.DefaultHistoryRetention rows.
func (s *Store) UpdateNote(ctx context.Context, sc archive.SchemaContext, id uuid.UUID, in UpdateNoteInput) (*model.Note, error) {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		return s.updateNoteTx(ctx, tx, sc, id, in)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, sc, id)
}

func (s *Store) updateNoteTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, id uuid.UUID, in UpdateNoteInput) error {
	now := time.Now()

	if in.Content != nil {
		var prevContent string
		var prevVersion int
		err := tx.QueryRow(ctx, `SELECT content, version FROM `+sc.Qualify("note_original")+` WHERE note_id = $1 FOR UPDATE`, id).
			Scan(&prevContent, &prevVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("note %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("lock note_original %s: %w", id, err)
		}

		histID := model.NewID()
		_, err = tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_original_history")+`
			(id, note_id, content, version, created_at) VALUES ($1,$2,$3,$4,$5)`,
			histID, id, prevContent, prevVersion, now)
		if err != nil {
			return fmt.Errorf("snapshot note_original_history: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("note_original_history")+` WHERE note_id = $1
			AND id NOT IN (SELECT id FROM `+sc.Qualify("note_original_history")+`
				WHERE note_id = $1 ORDER BY version DESC LIMIT $2)`,
			id, model.DefaultHistoryRetention); err != nil {
			return fmt.Errorf("trim note_original_history: %w", err)
		}

		if _, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("note_original")+`
			SET content = $2, version = version + 1, updated_at = $3 WHERE note_id = $1`,
			id, *in.Content, now); err != nil {
			return fmt.Errorf("update note_original: %w", err)
		}
	}

	if in.Tags != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("note_tag")+` WHERE note_id = $1`, id); err != nil {
			return fmt.Errorf("clear tags for note %s: %w", id, err)
		}
		for _, t := range *in.Tags {
			if t.Source == "" {
				t.Source = model.TagSourceManual
			}
			if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_tag")+` (note_id, tag, source)
				VALUES ($1,$2,$3) ON CONFLICT (note_id, tag) DO NOTHING`, id, t.Tag, t.Source); err != nil {
				return apperr.FromPgError(fmt.Errorf("replace tags for note %s: %w", id, err), "update_note")
			}
		}
	}

	tag, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("note")+` SET
		title = COALESCE($2, title),
		collection_id = CASE WHEN $3::boolean THEN $4 ELSE collection_id END,
		metadata = CASE WHEN $5::boolean THEN $6 ELSE metadata END,
		starred = COALESCE($7, starred),
		updated_at = $8
		WHERE id = $1 AND deleted_at IS NULL`,
		id, in.Title, in.CollectionID != nil, collectionIDValue(in.CollectionID), in.Metadata != nil, in.Metadata, in.Starred, now)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("update note %s: %w", id, err), "update_note")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("note %s not found or deleted", id)
	}
	return nil
}

func collectionIDValue(in **uuid.UUID) *uuid.UUID {
	if in == nil {
		return nil
	}
	return *in
}

// SoftDelete marks a note deleted. Soft-deleted notes are excluded from
// search and embedding-set counts but remain purgeable and restorable.
func (s *Store) SoftDelete(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("note")+`
		SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("note %s not found or already deleted", id)
	}
	return nil
}

// Restore clears a note's deleted_at, undoing SoftDelete.
func (s *Store) Restore(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("note")+`
		SET deleted_at = NULL WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return fmt.Errorf("restore note %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("note %s not found or not deleted", id)
	}
	return nil
}

// Purge permanently removes a soft-deleted note and its dependent rows.
// Foreign keys with ON DELETE CASCADE handle dependents; Purge itself
// only guards against purging a note that was never soft-deleted.
func (s *Store) Purge(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	var deletedAt *time.Time
	err := s.pool.QueryRow(ctx, `SELECT deleted_at FROM `+sc.Qualify("note")+` WHERE id = $1`, id).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("note %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("check purge precondition for %s: %w", id, err)
	}
	if deletedAt == nil {
		return apperr.Validation("note %s must be soft-deleted before it can be purged", id)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM `+sc.Qualify("note")+` WHERE id = $1`, id); err != nil {
		return fmt.Errorf("purge note %s: %w", id, err)
	}
	return nil
}

// RestoreVersion copies a note_original_history row back into
// note_original as a new version, snapshotting the current version
// first so restoring is itself undoable.
func (s *Store) RestoreVersion(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, version int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var histContent string
		err := tx.QueryRow(ctx, `SELECT content FROM `+sc.Qualify("note_original_history")+`
			WHERE note_id = $1 AND version = $2`, noteID, version).Scan(&histContent)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("note %s has no history version %d", noteID, version)
		}
		if err != nil {
			return fmt.Errorf("read history version: %w", err)
		}
		return s.updateNoteTx(ctx, tx, sc, noteID, UpdateNoteInput{Content: &histContent})
	})
}

// Get fetches one note by id, regardless of deleted_at.
func (s *Store) Get(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) (*model.Note, error) {
	n := &model.Note{ID: id, Archive: sc.Archive}
	err := s.pool.QueryRow(ctx, `SELECT title, format, source, created_at, updated_at, starred,
		archived, last_access, access_count, metadata, deleted_at, owner_id, tenant_id,
		visibility, collection_id, doc_type_id, chunk_of, chunk_index
		FROM `+sc.Qualify("note")+` WHERE id = $1`, id).
		Scan(&n.Title, &n.Format, &n.Source, &n.CreatedAt, &n.UpdatedAt, &n.Starred,
			&n.Archived, &n.LastAccess, &n.AccessCount, &n.Metadata, &n.DeletedAt, &n.OwnerID,
			&n.TenantID, &n.Visibility, &n.CollectionID, &n.DocTypeID, &n.ChunkOf, &n.ChunkIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("note %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get note %s: %w", id, err)
	}
	return n, nil
}

// ListOptions controls List's pagination and filters.
type ListOptions struct {
	CollectionID   *uuid.UUID
	IncludeDeleted bool
	Archived       *bool
	Starred        *bool
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	UpdatedAfter   *time.Time
	UpdatedBefore  *time.Time
	Limit          int
	Offset         int
}

// maxListLimit bounds List's page size; callers passing a larger Limit
// are silently clamped rather than rejected.
const maxListLimit = 1000

// List returns notes matching opts ordered by updated_at descending.
// Limit == 0 returns an empty page rather than "unlimited"; callers that
// want every row must pass an explicit large limit, capped at
// maxListLimit.
func (s *Store) List(ctx context.Context, sc archive.SchemaContext, opts ListOptions) ([]*model.Note, error) {
	if opts.Limit == 0 {
		return nil, nil
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}

	query := `SELECT id, title, format, source, created_at, updated_at, starred,
		archived, last_access, access_count, metadata, deleted_at, owner_id, tenant_id,
		visibility, collection_id, doc_type_id, chunk_of, chunk_index
		FROM ` + sc.Qualify("note") + ` WHERE ($1::uuid IS NULL OR collection_id = $1)
		AND ($2::boolean OR deleted_at IS NULL)
		AND ($5::boolean IS NULL OR archived = $5)
		AND ($6::boolean IS NULL OR starred = $6)
		AND ($7::timestamptz IS NULL OR created_at >= $7)
		AND ($8::timestamptz IS NULL OR created_at <= $8)
		AND ($9::timestamptz IS NULL OR updated_at >= $9)
		AND ($10::timestamptz IS NULL OR updated_at <= $10)
		ORDER BY updated_at DESC LIMIT $3 OFFSET $4`

	rows, err := s.pool.Query(ctx, query, opts.CollectionID, opts.IncludeDeleted, opts.Limit, opts.Offset,
		opts.Archived, opts.Starred, opts.CreatedAfter, opts.CreatedBefore, opts.UpdatedAfter, opts.UpdatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []*model.Note
	for rows.Next() {
		n := &model.Note{Archive: sc.Archive}
		if err := rows.Scan(&n.ID, &n.Title, &n.Format, &n.Source, &n.CreatedAt, &n.UpdatedAt,
			&n.Starred, &n.Archived, &n.LastAccess, &n.AccessCount, &n.Metadata, &n.DeletedAt,
			&n.OwnerID, &n.TenantID, &n.Visibility, &n.CollectionID, &n.DocTypeID, &n.ChunkOf, &n.ChunkIndex); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
