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

// CreateAttachmentInput is the payload accepted by CreateAttachment. The
// blob itself is expected to already be stored (blobstore.Store.Put),
// leaving this call to record the note-facing metadata row.
type CreateAttachmentInput struct {
	NoteID      uuid.UUID
	Filename    string
	ContentType string
	BlobHash    string
	SizeBytes   int64
}

// CreateAttachment inserts an attachment row pointing at an
// already-stored blob, queued for extraction.
func (s *Store) CreateAttachment(ctx context.Context, sc archive.SchemaContext, in CreateAttachmentInput) (*model.Attachment, error) {
	id := model.NewID()
	_, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("attachment")+` (
		id, note_id, filename, content_type, blob_hash, size_bytes, extraction_status
	) VALUES ($1,$2,$3,$4,$5,$6,'queued')`,
		id, in.NoteID, in.Filename, in.ContentType, in.BlobHash, in.SizeBytes)
	if err != nil {
		return nil, apperr.FromPgError(fmt.Errorf("insert attachment: %w", err), "create_attachment")
	}
	return &model.Attachment{
		ID: id, NoteID: in.NoteID, Filename: in.Filename, ContentType: in.ContentType,
		BlobHash: in.BlobHash, SizeBytes: in.SizeBytes, ExtractionStatus: "queued",
	}, nil
}

// AttachmentsForNote returns every attachment linked to noteID.
func (s *Store) AttachmentsForNote(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, note_id, filename, content_type, blob_hash, size_bytes,
		extracted_text, extracted_metadata, ai_description, extraction_status, created_at
		FROM `+sc.Qualify("attachment")+` WHERE note_id = $1 ORDER BY created_at ASC`, noteID)
	if err != nil {
		return nil, fmt.Errorf("attachments for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Filename, &a.ContentType, &a.BlobHash, &a.SizeBytes,
			&a.ExtractedText, &a.ExtractedMeta, &a.AIDescription, &a.ExtractionStatus, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAttachment fetches one attachment by id.
func (s *Store) GetAttachment(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) (*model.Attachment, error) {
	a := &model.Attachment{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT note_id, filename, content_type, blob_hash, size_bytes,
		extracted_text, extracted_metadata, ai_description, extraction_status, created_at
		FROM `+sc.Qualify("attachment")+` WHERE id = $1`, id).
		Scan(&a.NoteID, &a.Filename, &a.ContentType, &a.BlobHash, &a.SizeBytes,
			&a.ExtractedText, &a.ExtractedMeta, &a.AIDescription, &a.ExtractionStatus, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("attachment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get attachment %s: %w", id, err)
	}
	return a, nil
}

// SetAttachmentExtraction records an attachment's recovered text and
// marks its extraction_status, called by the extraction pipeline stage
// once a strategy has run (possibly with empty text, for strategies this
// core doesn't parse in-process).
func (s *Store) SetAttachmentExtraction(ctx context.Context, sc archive.SchemaContext, id uuid.UUID, text, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("attachment")+`
		SET extracted_text = $2, extraction_status = $3 WHERE id = $1`, id, text, status)
	if err != nil {
		return fmt.Errorf("set extraction for attachment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("attachment %s not found", id)
	}
	return nil
}

// SetAttachmentEXIF merges EXIF metadata into an attachment's
// extracted_metadata JSONB column under the "exif" key, where the EXIF
// extraction pipeline stage reads it from. No pipeline stage calls it.
func (s *Store) SetAttachmentEXIF(ctx context.Context, sc archive.SchemaContext, id uuid.UUID, exif map[string]any) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("attachment")+`
		SET extracted_metadata = extracted_metadata || jsonb_build_object('exif', $2::jsonb) WHERE id = $1`,
		id, exif)
	if err != nil {
		return fmt.Errorf("set exif for attachment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("attachment %s not found", id)
	}
	return nil
}

// OriginalContent returns a note's immutable original content, the text
// downstream pipeline stages (metadata extraction, doc-type inference,
// concept tagging, embedding) operate on.
func (s *Store) OriginalContent(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) (string, error) {
	var content string
	err := s.pool.QueryRow(ctx, `SELECT content FROM `+sc.Qualify("note_original")+` WHERE note_id = $1`, noteID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.NotFound("note %s has no original content", noteID)
	}
	if err != nil {
		return "", fmt.Errorf("original content for note %s: %w", noteID, err)
	}
	return content, nil
}

// MergeMetadata shallow-merges into into a note's metadata JSONB column,
// the idiom the metadata-extraction stage uses to add derived fields
// (word_count, ...) without clobbering fields another stage already set.
func (s *Store) MergeMetadata(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, into map[string]any) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("note")+`
		SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		noteID, into)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("merge metadata for note %s: %w", noteID, err), "merge_metadata")
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("note %s not found or deleted", noteID)
	}
	return nil
}

// SetDocType assigns docType by name, creating a document_type row for it
// if one doesn't already exist (the doc-type inference stage's vocabulary
// is open-ended, derived from inferDocType's output rather than a fixed
// enum).
func (s *Store) SetDocType(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, docType string) error {
	var docTypeID uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("document_type")+` WHERE name = $1`, docType).Scan(&docTypeID)
	if errors.Is(err, pgx.ErrNoRows) {
		docTypeID = model.NewID()
		if _, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("document_type")+` (id, name) VALUES ($1,$2)
			ON CONFLICT (name) DO NOTHING`, docTypeID, docType); err != nil {
			return apperr.FromPgError(fmt.Errorf("create document_type %q: %w", docType, err), "set_doc_type")
		}
		if err := s.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("document_type")+` WHERE name = $1`, docType).Scan(&docTypeID); err != nil {
			return fmt.Errorf("read back document_type %q: %w", docType, err)
		}
	} else if err != nil {
		return fmt.Errorf("lookup document_type %q: %w", docType, err)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("note")+`
		SET doc_type_id = $2 WHERE id = $1 AND deleted_at IS NULL`, noteID, docTypeID)
	if err != nil {
		return fmt.Errorf("set doc_type for note %s: %w", noteID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("note %s not found or deleted", noteID)
	}
	return nil
}
