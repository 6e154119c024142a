package embedset

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// ListActiveSets returns every is_active embedding set in sc, consulted by
// the concept-tagging stage's OnConceptChanged cascade and by note-write
// call sites that must fan a new note out to every full set that might
// claim it.
func (e *Engine) ListActiveSets(ctx context.Context, sc archive.SchemaContext) ([]model.EmbeddingSet, error) {
	rows, err := e.pool.Query(ctx, `SELECT id, slug, type, mode, criteria, config_id, truncate_dim,
		auto_embed_rules, auto_refresh, is_system, is_active, document_count, embedding_count, index_status
		FROM `+sc.Qualify("embedding_set")+` WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("list active embedding sets: %w", err)
	}
	defer rows.Close()

	var out []model.EmbeddingSet
	for rows.Next() {
		var s model.EmbeddingSet
		if err := rows.Scan(&s.ID, &s.Slug, &s.Type, &s.Mode, &s.Criteria, &s.ConfigID, &s.TruncateDim,
			&s.AutoEmbedRules, &s.AutoRefresh, &s.IsSystem, &s.IsActive, &s.DocumentCount, &s.EmbeddingCount, &s.IndexStatus); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetSet fetches one embedding set by id.
func (e *Engine) GetSet(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) (*model.EmbeddingSet, error) {
	s := &model.EmbeddingSet{ID: id}
	err := e.pool.QueryRow(ctx, `SELECT slug, type, mode, criteria, config_id, truncate_dim,
		auto_embed_rules, auto_refresh, is_system, is_active, document_count, embedding_count, index_status
		FROM `+sc.Qualify("embedding_set")+` WHERE id = $1`, id).
		Scan(&s.Slug, &s.Type, &s.Mode, &s.Criteria, &s.ConfigID, &s.TruncateDim,
			&s.AutoEmbedRules, &s.AutoRefresh, &s.IsSystem, &s.IsActive, &s.DocumentCount, &s.EmbeddingCount, &s.IndexStatus)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("embedding set %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding set %s: %w", id, err)
	}
	return s, nil
}

// GetConfig fetches one embedding config by id.
func (e *Engine) GetConfig(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) (*model.EmbeddingConfig, error) {
	c := &model.EmbeddingConfig{ID: id}
	err := e.pool.QueryRow(ctx, `SELECT provider, model, dimension, chunk_size, chunk_overlap,
		supports_mrl, allowed_truncation_dims, content_types, is_default
		FROM `+sc.Qualify("embedding_config")+` WHERE id = $1`, id).
		Scan(&c.Provider, &c.Model, &c.Dimension, &c.ChunkSize, &c.ChunkOverlap,
			&c.SupportsMRL, &c.AllowedTruncation, &c.ContentTypes, &c.IsDefault)
	if err == pgx.ErrNoRows {
		return nil, apperr.NotFound("embedding config %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding config %s: %w", id, err)
	}
	return c, nil
}

// EnsureDefaultConfig returns the is_default=true embedding config's id,
// creating it from cfg on first call in a fresh archive. Idempotent: a
// unique partial index on is_default enforces "exactly one default"
// across races.
func (e *Engine) EnsureDefaultConfig(ctx context.Context, sc archive.SchemaContext, cfg model.EmbeddingConfig) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_config")+` WHERE is_default`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("lookup default embedding config: %w", err)
	}

	id = model.NewID()
	_, err = e.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_config")+`
		(id, provider, model, dimension, chunk_size, chunk_overlap, supports_mrl, allowed_truncation_dims, content_types, is_default)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true)
		ON CONFLICT DO NOTHING`,
		id, cfg.Provider, cfg.Model, cfg.Dimension, cfg.ChunkSize, cfg.ChunkOverlap,
		cfg.SupportsMRL, cfg.AllowedTruncation, cfg.ContentTypes)
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("create default embedding config: %w", err), "ensure_default_config")
	}
	if err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_config")+` WHERE is_default`).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("read back default embedding config: %w", err)
	}
	return id, nil
}

// ListMembers returns the note ids currently belonging to setID, for
// callers that must act on the whole membership (e.g. enqueuing
// embedding jobs after a backfill).
func (e *Engine) ListMembers(ctx context.Context, sc archive.SchemaContext, setID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := e.pool.Query(ctx, `SELECT note_id FROM `+sc.Qualify("embedding_set_member")+` WHERE set_id = $1`, setID)
	if err != nil {
		return nil, fmt.Errorf("list members of set %s: %w", setID, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ChunkVector pairs one chunk of a note's content with its computed
// vector, the unit WriteEmbeddings persists.
type ChunkVector struct {
	ChunkIndex int
	Text       string
	Vector     pgvector.Vector
}

// WriteEmbeddings replaces every existing embedding row for (noteID, setID)
// with chunks, the embedding pipeline stage's final step after chunking
// and calling the embedding provider. Replacing rather than appending
// keeps a re-run idempotent when a note's content changes.
func (e *Engine) WriteEmbeddings(ctx context.Context, sc archive.SchemaContext, noteID, setID uuid.UUID, modelName string, chunks []ChunkVector) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin write embeddings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("embedding")+` WHERE note_id = $1 AND set_id = $2`, noteID, setID); err != nil {
		return fmt.Errorf("clear prior embeddings: %w", err)
	}
	for _, c := range chunks {
		id := model.NewID()
		if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding")+`
			(id, note_id, chunk_index, text, vector, model, set_id) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			id, noteID, c.ChunkIndex, c.Text, c.Vector, modelName, setID); err != nil {
			return apperr.FromPgError(fmt.Errorf("insert embedding chunk %d: %w", c.ChunkIndex, err), "write_embeddings")
		}
	}
	if err := e.recomputeIndexStatusTx(ctx, tx, sc, setID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SimilarNotes returns up to limit notes within setID, excluding noteID
// itself, ranked by 1 minus the mean cosine distance from each of their
// chunk vectors to noteID's average chunk vector, as
// draft Link rows the linking pipeline stage persists via
// notestore.UpsertLink.
func (e *Engine) SimilarNotes(ctx context.Context, sc archive.SchemaContext, noteID, setID uuid.UUID, limit int) ([]model.Link, error) {
	rows, err := e.pool.Query(ctx, `
		WITH self AS (
			SELECT AVG(vector) AS v FROM `+sc.Qualify("embedding")+` WHERE note_id = $1 AND set_id = $2
		)
		SELECT e.note_id, 1 - AVG(e.vector <=> (SELECT v FROM self)) AS score
		FROM `+sc.Qualify("embedding")+` e
		WHERE e.set_id = $2 AND e.note_id != $1 AND (SELECT v FROM self) IS NOT NULL
		GROUP BY e.note_id
		ORDER BY score DESC
		LIMIT $3`, noteID, setID, limit)
	if err != nil {
		return nil, fmt.Errorf("similar notes for %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []model.Link
	for rows.Next() {
		var l model.Link
		l.FromNote = noteID
		l.Kind = "semantic"
		if err := rows.Scan(&l.ToNote, &l.Score); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
