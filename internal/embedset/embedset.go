// Package embedset implements the embedding set engine: evaluating which
// notes belong to a given set, recomputing cached index_status, and the
// application-side equivalents of the membership/auto-embed triggers a
// trigger-based design would otherwise push into the database.
package embedset

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// Engine evaluates and maintains embedding set membership.
type Engine struct {
	pool *pgxpool.Pool
}

// New builds an Engine.
func New(pool *pgxpool.Pool) *Engine {
	return &Engine{pool: pool}
}

// Evaluate reports whether note matches set.Criteria. Filter sets never
// have their own vectors. Evaluate is called by RefreshMembership and
// OnNoteWritten; the embedding pipeline stage does not call it.
func (e *Engine) Evaluate(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, set model.EmbeddingSet) (bool, error) {
	if set.Criteria.IncludeAll {
		var archived, deleted bool
		err := e.pool.QueryRow(ctx, `SELECT archived, deleted_at IS NOT NULL FROM `+sc.Qualify("note")+` WHERE id = $1`, noteID).
			Scan(&archived, &deleted)
		if err != nil {
			return false, fmt.Errorf("evaluate include_all: %w", err)
		}
		if deleted {
			return false, nil
		}
		if set.Criteria.ExcludeArchived && archived {
			return false, nil
		}
		return true, nil
	}

	conds := []string{"id = $1"}
	args := []any{noteID}
	argN := 2

	if set.Criteria.ExcludeArchived {
		conds = append(conds, "archived = false")
	}
	conds = append(conds, "deleted_at IS NULL")

	if set.Criteria.CreatedAfter != nil {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *set.Criteria.CreatedAfter)
		argN++
	}
	if set.Criteria.CreatedBefore != nil {
		conds = append(conds, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *set.Criteria.CreatedBefore)
		argN++
	}

	query := `SELECT EXISTS(SELECT 1 FROM ` + sc.Qualify("note") + ` WHERE ` + strings.Join(conds, " AND ") + `)`
	var matches bool
	if err := e.pool.QueryRow(ctx, query, args...).Scan(&matches); err != nil {
		return false, fmt.Errorf("evaluate criteria: %w", err)
	}
	if !matches {
		return false, nil
	}

	if len(set.Criteria.Tags) > 0 {
		var tagMatch bool
		err := e.pool.QueryRow(ctx, `SELECT EXISTS(
			SELECT 1 FROM `+sc.Qualify("note_tag")+` nt
			WHERE nt.note_id = $1 AND EXISTS (
				SELECT 1 FROM unnest($2::text[]) AS crit
				WHERE lower(nt.tag) = lower(crit) OR lower(nt.tag) LIKE lower(crit) || '/%'
			))`, noteID, set.Criteria.Tags).Scan(&tagMatch)
		if err != nil {
			return false, fmt.Errorf("evaluate tag criteria: %w", err)
		}
		if !tagMatch {
			return false, nil
		}
	}

	if len(set.Criteria.Collections) > 0 {
		var collMatch bool
		err := e.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+sc.Qualify("note")+`
			WHERE id = $1 AND collection_id = ANY($2))`, noteID, set.Criteria.Collections).Scan(&collMatch)
		if err != nil {
			return false, fmt.Errorf("evaluate collection criteria: %w", err)
		}
		if !collMatch {
			return false, nil
		}
	}

	if set.Criteria.FTSQuery != "" {
		var ftsMatch bool
		err := e.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+sc.Qualify("note_original")+`
			WHERE note_id = $1 AND fts_en @@ websearch_to_tsquery('public.matric_english', $2))`,
			noteID, set.Criteria.FTSQuery).Scan(&ftsMatch)
		if err != nil {
			return false, fmt.Errorf("evaluate fts criteria: %w", err)
		}
		if !ftsMatch {
			return false, nil
		}
	}

	return true, nil
}

// RefreshMembership re-evaluates every non-deleted note (archived ones
// included; the criteria decide whether they match) against set and
// updates embedding_set_member to match, for sets in auto or mixed mode.
// Manual-mode sets are never touched by RefreshMembership; callers manage
// their membership directly.
func (e *Engine) RefreshMembership(ctx context.Context, sc archive.SchemaContext, set model.EmbeddingSet) (added, removed int, err error) {
	if set.Mode == model.EmbeddingSetManual {
		return 0, 0, nil
	}

	rows, err := e.pool.Query(ctx, `SELECT id FROM `+sc.Qualify("note")+` WHERE deleted_at IS NULL`)
	if err != nil {
		return 0, 0, fmt.Errorf("scan candidate notes: %w", err)
	}
	var candidates []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	var shouldInclude []uuid.UUID
	for _, id := range candidates {
		ok, err := e.Evaluate(ctx, sc, id, set)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			shouldInclude = append(shouldInclude, id)
		}
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin membership refresh tx: %w", err)
	}
	defer tx.Rollback(ctx)

	addTag, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set_member")+` (set_id, note_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT (set_id, note_id) DO NOTHING`, set.ID, shouldInclude)
	if err != nil {
		return 0, 0, fmt.Errorf("insert embedding_set_member: %w", err)
	}

	var removedCount int64
	if len(shouldInclude) == 0 {
		tag2, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("embedding_set_member")+` WHERE set_id = $1`, set.ID)
		if err != nil {
			return 0, 0, fmt.Errorf("clear embedding_set_member: %w", err)
		}
		removedCount = tag2.RowsAffected()
	} else {
		tag2, err := tx.Exec(ctx, `DELETE FROM `+sc.Qualify("embedding_set_member")+`
			WHERE set_id = $1 AND NOT (note_id = ANY($2::uuid[]))`, set.ID, shouldInclude)
		if err != nil {
			return 0, 0, fmt.Errorf("prune embedding_set_member: %w", err)
		}
		removedCount = tag2.RowsAffected()
	}

	if err := e.recomputeIndexStatusTx(ctx, tx, sc, set.ID); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit membership refresh: %w", err)
	}
	return int(addTag.RowsAffected()), int(removedCount), nil
}

// OnNoteWritten is the application-side equivalent of an AFTER INSERT/
// UPDATE trigger: call it whenever a note is created or its searchable
// fields change, for every active full set in auto or mixed mode. It
// adds/removes the membership row and, per set.AutoEmbedRules.OnCreate,
// returns whether an embedding job should be enqueued for this note.
func (e *Engine) OnNoteWritten(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, set model.EmbeddingSet) (shouldEmbed bool, err error) {
	if set.Mode == model.EmbeddingSetManual || !set.IsActive {
		return false, nil
	}

	matches, err := e.Evaluate(ctx, sc, noteID, set)
	if err != nil {
		return false, err
	}

	if matches {
		_, err := e.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set_member")+` (set_id, note_id)
			VALUES ($1,$2) ON CONFLICT (set_id, note_id) DO NOTHING`, set.ID, noteID)
		if err != nil {
			return false, fmt.Errorf("add membership on write: %w", err)
		}
	} else {
		_, err := e.pool.Exec(ctx, `DELETE FROM `+sc.Qualify("embedding_set_member")+`
			WHERE set_id = $1 AND note_id = $2`, set.ID, noteID)
		if err != nil {
			return false, fmt.Errorf("remove membership on write: %w", err)
		}
	}

	if err := e.recomputeIndexStatus(ctx, sc, set.ID); err != nil {
		return false, err
	}

	return matches && set.Type == model.EmbeddingSetFull && set.AutoEmbedRules.OnCreate, nil
}

// OnConceptChanged is the application-side cascade equivalent of a
// trigger firing when a note's concept tags change: full sets whose
// criteria key on tags must re-embed a note whose membership flips.
// Returns the ids of the sets that now need an embedding job for this
// note, so the caller can enqueue one set-scoped job per set.
func (e *Engine) OnConceptChanged(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID, sets []model.EmbeddingSet) ([]uuid.UUID, error) {
	var reembed []uuid.UUID
	for _, set := range sets {
		if set.Type != model.EmbeddingSetFull || len(set.Criteria.Tags) == 0 {
			continue
		}
		shouldEmbed, err := e.OnNoteWritten(ctx, sc, noteID, set)
		if err != nil {
			return nil, err
		}
		if shouldEmbed {
			reembed = append(reembed, set.ID)
		}
	}
	return reembed, nil
}

// RecomputeIndexStatus recomputes and persists index_status for a set
// without touching membership, for use after a batch embedding job
// completes.
func (e *Engine) RecomputeIndexStatus(ctx context.Context, sc archive.SchemaContext, setID uuid.UUID) error {
	return e.recomputeIndexStatus(ctx, sc, setID)
}

func (e *Engine) recomputeIndexStatus(ctx context.Context, sc archive.SchemaContext, setID uuid.UUID) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin index status tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := e.recomputeIndexStatusTx(ctx, tx, sc, setID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (e *Engine) recomputeIndexStatusTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, setID uuid.UUID) error {
	var current model.IndexStatus
	if err := tx.QueryRow(ctx, `SELECT index_status FROM `+sc.Qualify("embedding_set")+` WHERE id = $1 FOR UPDATE`, setID).Scan(&current); err != nil {
		if err == pgx.ErrNoRows {
			return apperr.NotFound("embedding set %s not found", setID)
		}
		return fmt.Errorf("lock embedding_set %s: %w", setID, err)
	}
	if current == model.IndexBuilding || current == model.IndexDisabled {
		return nil
	}

	var docCount, embCount int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+sc.Qualify("embedding_set_member")+` WHERE set_id = $1`, setID).Scan(&docCount); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if err := tx.QueryRow(ctx, `SELECT count(DISTINCT note_id) FROM `+sc.Qualify("embedding")+` WHERE set_id = $1`, setID).Scan(&embCount); err != nil {
		return fmt.Errorf("count embedded members: %w", err)
	}

	status := model.ComputeIndexStatus(docCount, embCount)
	_, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("embedding_set")+`
		SET document_count = $2, embedding_count = $3, index_status = $4 WHERE id = $1`,
		setID, docCount, embCount, status)
	if err != nil {
		return fmt.Errorf("update index_status: %w", err)
	}
	return nil
}

// EnsureDefaultFilterSet creates the system filter set containing every
// non-archived note, idempotently, for archives that don't have one yet.
func (e *Engine) EnsureDefaultFilterSet(ctx context.Context, sc archive.SchemaContext, configID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.DefaultFilterSetSlug).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("lookup default filter set: %w", err)
	}

	id = model.NewID()
	_, err = e.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set")+`
		(id, slug, type, mode, criteria, config_id, auto_embed_rules, auto_refresh, is_system, is_active, index_status)
		VALUES ($1,$2,'filter','auto',$3,$4,'{}','true','true','true','empty')
		ON CONFLICT (slug) DO NOTHING`,
		id, model.DefaultFilterSetSlug, map[string]any{"include_all": true, "exclude_archived": true}, configID)
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("create default filter set: %w", err), "ensure_default_filter_set")
	}

	if err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.DefaultFilterSetSlug).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("read back default filter set: %w", err)
	}
	return id, nil
}

// EnsureDefaultPoolSet creates the system full set that actually stores
// the "default embedding pool" vectors the default filter set's
// membership narrows at query time, idempotently.
func (e *Engine) EnsureDefaultPoolSet(ctx context.Context, sc archive.SchemaContext, configID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.DefaultPoolSetSlug).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("lookup default pool set: %w", err)
	}

	id = model.NewID()
	_, err = e.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set")+`
		(id, slug, type, mode, criteria, config_id, auto_embed_rules, auto_refresh, is_system, is_active, index_status)
		VALUES ($1,$2,'full','auto',$3,$4,$5,'true','true','true','empty')
		ON CONFLICT (slug) DO NOTHING`,
		id, model.DefaultPoolSetSlug, map[string]any{"include_all": true, "exclude_archived": true}, configID,
		map[string]any{"on_create": true})
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("create default pool set: %w", err), "ensure_default_pool_set")
	}

	if err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.DefaultPoolSetSlug).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("read back default pool set: %w", err)
	}
	return id, nil
}

// EnsureEntityGraphSet creates the system full set that stores per-note
// aggregated entity-graph vectors, idempotently. Kept separate from the
// default pool set so WriteEmbeddings' delete-then-insert for one never
// clobbers the other's chunks for the same note.
func (e *Engine) EnsureEntityGraphSet(ctx context.Context, sc archive.SchemaContext, configID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.EntityGraphSetSlug).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("lookup entity graph set: %w", err)
	}

	id = model.NewID()
	_, err = e.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("embedding_set")+`
		(id, slug, type, mode, criteria, config_id, auto_embed_rules, auto_refresh, is_system, is_active, index_status)
		VALUES ($1,$2,'full','manual','{}',$3,'{}','false','true','true','empty')
		ON CONFLICT (slug) DO NOTHING`,
		id, model.EntityGraphSetSlug, configID)
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("create entity graph set: %w", err), "ensure_entity_graph_set")
	}

	if err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.EntityGraphSetSlug).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("read back entity graph set: %w", err)
	}
	return id, nil
}
