// Package skos implements the SKOS concept graph: schemes, concepts,
// labels, and broader/narrower/related relations, with breadth, depth,
// polyhierarchy, and no-cycle invariants enforced at write time, and
// literary-warrant promotion of candidate concepts once enough notes
// carry them.
package skos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortemi/fortemi/internal/apperr"
	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/model"
)

// Service implements the concept graph operations.
type Service struct {
	pool *pgxpool.Pool
}

// New builds a Service.
func New(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// EnsureScheme returns the id of a scheme named name, creating it if
// absent.
func (s *Service) EnsureScheme(ctx context.Context, sc archive.SchemaContext, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("concept_scheme")+` WHERE name = $1`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("lookup scheme %q: %w", name, err)
	}
	id = model.NewID()
	_, err = s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("concept_scheme")+` (id, name) VALUES ($1,$2)
		ON CONFLICT (name) DO NOTHING`, id, name)
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("create scheme %q: %w", name, err), "ensure_scheme")
	}
	if err := s.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("concept_scheme")+` WHERE name = $1`, name).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("read back scheme %q: %w", name, err)
	}
	return id, nil
}

// EnsureConcept finds a concept in schemeID carrying preferredLabel (any
// language), creating one as `candidate` with that preferred label if
// none exists. This is the auto-create-on-first-use path the concept
// tagging handler drives.
func (s *Service) EnsureConcept(ctx context.Context, sc archive.SchemaContext, schemeID uuid.UUID, language, preferredLabel string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT c.id FROM `+sc.Qualify("concept")+` c
		JOIN `+sc.Qualify("concept_label")+` l ON l.concept_id = c.id
		WHERE c.scheme_id = $1 AND l.text = $2 AND l.preferred`, schemeID, preferredLabel).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("lookup concept %q: %w", preferredLabel, err)
	}

	id = model.NewID()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin create concept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("concept")+` (id, scheme_id, status) VALUES ($1,$2,$3)`,
		id, schemeID, model.ConceptCandidate); err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("insert concept: %w", err), "ensure_concept")
	}
	labelID := model.NewID()
	if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("concept_label")+`
		(id, concept_id, language, text, preferred) VALUES ($1,$2,$3,$4,true)`,
		labelID, id, language, preferredLabel); err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("insert preferred label: %w", err), "ensure_concept")
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit create concept: %w", err)
	}
	return id, nil
}

// AddLabel attaches a label to a concept. If preferred is true, any
// existing preferred label for (concept, language) is demoted first so
// the "exactly one preferred label per (concept, language)" invariant
// holds.
func (s *Service) AddLabel(ctx context.Context, sc archive.SchemaContext, conceptID uuid.UUID, language, text string, preferred bool) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin add label tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if preferred {
		if _, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("concept_label")+`
			SET preferred = false WHERE concept_id = $1 AND language = $2`, conceptID, language); err != nil {
			return uuid.Nil, fmt.Errorf("demote existing preferred label: %w", err)
		}
	}

	id := model.NewID()
	if _, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("concept_label")+`
		(id, concept_id, language, text, preferred) VALUES ($1,$2,$3,$4,$5)`,
		id, conceptID, language, text, preferred); err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("insert label: %w", err), "add_label")
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit add label: %w", err)
	}
	return id, nil
}

// AddRelation establishes a broader/narrower/related edge between two
// concepts, enforcing the graph invariants: no self-relation, max 3
// parents (polyhierarchy), max depth 5, max 200 promoted (approved)
// children per parent, and no circular broader-chain. User-created
// (inferred=false) broader/narrower edges are reciprocally maintained;
// inferred edges (e.g. from related-concept inference) are not.
func (s *Service) AddRelation(ctx context.Context, sc archive.SchemaContext, fromID, toID uuid.UUID, kind model.RelationKind, inferred bool) error {
	if fromID == toID {
		return apperr.Conflict("a concept cannot relate to itself")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add relation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// A narrower edge asserts the same hierarchy as its broader
	// reciprocal, so both directions validate the implied
	// child-broader->parent edge; otherwise the narrower entry point
	// would bypass every depth/breadth/cycle invariant.
	switch kind {
	case model.RelationBroader:
		if err := s.checkBroaderInvariantsTx(ctx, tx, sc, fromID, toID); err != nil {
			return err
		}
	case model.RelationNarrower:
		if err := s.checkBroaderInvariantsTx(ctx, tx, sc, toID, fromID); err != nil {
			return err
		}
	}

	if err := s.insertRelationTx(ctx, tx, sc, fromID, toID, kind, inferred); err != nil {
		return err
	}

	if !inferred {
		recip, err := reciprocal(kind)
		if err != nil {
			return err
		}
		if err := s.insertRelationTx(ctx, tx, sc, toID, fromID, recip, false); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func reciprocal(kind model.RelationKind) (model.RelationKind, error) {
	switch kind {
	case model.RelationBroader:
		return model.RelationNarrower, nil
	case model.RelationNarrower:
		return model.RelationBroader, nil
	case model.RelationRelated:
		return model.RelationRelated, nil
	default:
		return "", apperr.Validation("unknown relation kind %q", kind)
	}
}

func (s *Service) insertRelationTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, fromID, toID uuid.UUID, kind model.RelationKind, inferred bool) error {
	id := model.NewID()
	_, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("concept_relation")+`
		(id, from_id, to_id, kind, inferred) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (from_id, to_id, kind) DO NOTHING`, id, fromID, toID, kind, inferred)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("insert concept_relation: %w", err), "add_relation")
	}
	return nil
}

// checkBroaderInvariantsTx enforces the parent-count, depth, breadth, and
// cycle invariants for a "fromID broader-> toID" edge (toID becomes a
// parent of fromID).
func (s *Service) checkBroaderInvariantsTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, fromID, toID uuid.UUID) error {
	var parentCount int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+sc.Qualify("concept_relation")+`
		WHERE from_id = $1 AND kind = $2`, fromID, model.RelationBroader).Scan(&parentCount); err != nil {
		return fmt.Errorf("count existing parents: %w", err)
	}
	if parentCount >= model.MaxConceptParents {
		return apperr.Conflict("concept %s already has %d parents (max %d)", fromID, parentCount, model.MaxConceptParents)
	}

	parentDepth, err := s.depthTx(ctx, tx, sc, toID)
	if err != nil {
		return err
	}
	if parentDepth+1 > model.MaxConceptDepth {
		return apperr.Conflict("concept depth would exceed max %d", model.MaxConceptDepth)
	}

	ancestors, err := s.ancestorsTx(ctx, tx, sc, toID, model.MaxConceptDepth)
	if err != nil {
		return err
	}
	if ancestors[fromID] {
		return apperr.Conflict("relation would create a circular broader-chain")
	}

	var childStatus model.ConceptStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM `+sc.Qualify("concept")+` WHERE id = $1`, fromID).Scan(&childStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.NotFound("concept %s not found", fromID)
		}
		return fmt.Errorf("lookup child concept status: %w", err)
	}
	if childStatus == model.ConceptApproved {
		var promotedSiblings int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+sc.Qualify("concept_relation")+` r
			JOIN `+sc.Qualify("concept")+` c ON c.id = r.from_id
			WHERE r.to_id = $1 AND r.kind = $2 AND c.status = $3`,
			toID, model.RelationBroader, model.ConceptApproved).Scan(&promotedSiblings); err != nil {
			return fmt.Errorf("count promoted children: %w", err)
		}
		if promotedSiblings >= model.MaxPromotedChildren {
			return apperr.Conflict("Breadth limit exceeded: parent %s already has %d promoted children", toID, promotedSiblings)
		}
	}

	return nil
}

// depthTx returns the length of the longest broader-chain above id
// (0 for a root concept with no parents), bounded by maxHops.
func (s *Service) depthTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, id uuid.UUID) (int, error) {
	visited := map[uuid.UUID]bool{id: true}
	frontier := []uuid.UUID{id}
	depth := 0
	for hop := 0; hop < model.MaxConceptDepth+1; hop++ {
		rows, err := tx.Query(ctx, `SELECT to_id FROM `+sc.Qualify("concept_relation")+`
			WHERE from_id = ANY($1) AND kind = $2`, frontier, model.RelationBroader)
		if err != nil {
			return 0, fmt.Errorf("walk broader chain: %w", err)
		}
		var next []uuid.UUID
		for rows.Next() {
			var parent uuid.UUID
			if err := rows.Scan(&parent); err != nil {
				rows.Close()
				return 0, err
			}
			if !visited[parent] {
				visited[parent] = true
				next = append(next, parent)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		if len(next) == 0 {
			return depth, nil
		}
		depth++
		frontier = next
	}
	return depth, nil
}

// ancestorsTx returns the set of concepts reachable from id by following
// broader edges transitively, bounded by maxHops (a visited-set guards
// against any pre-existing cycle short-circuiting the walk).
func (s *Service) ancestorsTx(ctx context.Context, tx pgx.Tx, sc archive.SchemaContext, id uuid.UUID, maxHops int) (map[uuid.UUID]bool, error) {
	visited := map[uuid.UUID]bool{}
	frontier := []uuid.UUID{id}
	for hop := 0; hop < maxHops+1 && len(frontier) > 0; hop++ {
		rows, err := tx.Query(ctx, `SELECT to_id FROM `+sc.Qualify("concept_relation")+`
			WHERE from_id = ANY($1) AND kind = $2`, frontier, model.RelationBroader)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors: %w", err)
		}
		var next []uuid.UUID
		for rows.Next() {
			var parent uuid.UUID
			if err := rows.Scan(&parent); err != nil {
				rows.Close()
				return nil, err
			}
			if !visited[parent] {
				visited[parent] = true
				next = append(next, parent)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	return visited, nil
}

// ExpandNarrower returns conceptID plus every concept transitively
// reachable by following narrower edges, bounded by model.MaxConceptDepth
// hops with a visited-set — the expansion the search engine's concept
// filter uses.
func (s *Service) ExpandNarrower(ctx context.Context, sc archive.SchemaContext, conceptID uuid.UUID) ([]uuid.UUID, error) {
	visited := map[uuid.UUID]bool{conceptID: true}
	frontier := []uuid.UUID{conceptID}
	for hop := 0; hop < model.MaxConceptDepth+1 && len(frontier) > 0; hop++ {
		rows, err := s.pool.Query(ctx, `SELECT to_id FROM `+sc.Qualify("concept_relation")+`
			WHERE from_id = ANY($1) AND kind = $2`, frontier, model.RelationNarrower)
		if err != nil {
			return nil, fmt.Errorf("expand narrower: %w", err)
		}
		var next []uuid.UUID
		for rows.Next() {
			var child uuid.UUID
			if err := rows.Scan(&child); err != nil {
				rows.Close()
				return nil, err
			}
			if !visited[child] {
				visited[child] = true
				next = append(next, child)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		frontier = next
	}
	out := make([]uuid.UUID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out, nil
}

// TagNote links a note to a concept with a confidence score,
// idempotently (UPSERT keyed by (note, concept), so at-least-once job
// execution is safe). Increments the concept's note_count and applies the
// literary-warrant promotion: a candidate concept auto-promotes to
// approved once note_count reaches model.LiteraryWarrantThreshold.
func (s *Service) TagNote(ctx context.Context, sc archive.SchemaContext, noteID, conceptID uuid.UUID, confidence float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tag note tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `INSERT INTO `+sc.Qualify("note_skos_concept")+`
		(note_id, concept_id, confidence) VALUES ($1,$2,$3)
		ON CONFLICT (note_id, concept_id) DO UPDATE SET confidence = $3`, noteID, conceptID, confidence)
	if err != nil {
		return apperr.FromPgError(fmt.Errorf("tag note: %w", err), "tag_note")
	}

	if tag.RowsAffected() > 0 {
		var count int
		var status model.ConceptStatus
		if err := tx.QueryRow(ctx, `UPDATE `+sc.Qualify("concept")+`
			SET note_count = (SELECT count(*) FROM `+sc.Qualify("note_skos_concept")+` WHERE concept_id = $1)
			WHERE id = $1 RETURNING note_count, status`, conceptID).Scan(&count, &status); err != nil {
			return fmt.Errorf("update note_count: %w", err)
		}
		if status == model.ConceptCandidate && count >= model.LiteraryWarrantThreshold {
			if _, err := tx.Exec(ctx, `UPDATE `+sc.Qualify("concept")+`
				SET status = $2 WHERE id = $1`, conceptID, model.ConceptApproved); err != nil {
				return fmt.Errorf("promote concept: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

// LabelMatch is one autocomplete hit: a concept id and the label text
// that matched.
type LabelMatch struct {
	ConceptID uuid.UUID
	Text      string
	Preferred bool
}

// Autocomplete returns labels starting with prefix (case-insensitive),
// preferred labels first, for typeahead over the concept vocabulary.
func (s *Service) Autocomplete(ctx context.Context, sc archive.SchemaContext, prefix string, limit int) ([]LabelMatch, error) {
	if prefix == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT concept_id, text, preferred FROM `+sc.Qualify("concept_label")+`
		WHERE text ILIKE $1 || '%' ORDER BY preferred DESC, text ASC LIMIT $2`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("autocomplete %q: %w", prefix, err)
	}
	defer rows.Close()
	var out []LabelMatch
	for rows.Next() {
		var m LabelMatch
		if err := rows.Scan(&m.ConceptID, &m.Text, &m.Preferred); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConceptsForNote returns the concept ids a note is tagged with.
func (s *Service) ConceptsForNote(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT concept_id FROM `+sc.Qualify("note_skos_concept")+` WHERE note_id = $1`, noteID)
	if err != nil {
		return nil, fmt.Errorf("concepts for note %s: %w", noteID, err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NotesForConcepts returns the distinct note ids tagged with any of the
// given concepts (used by the related-concept-inference and re-embedding
// cascades).
func (s *Service) NotesForConcepts(ctx context.Context, sc archive.SchemaContext, conceptIDs []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT note_id FROM `+sc.Qualify("note_skos_concept")+`
		WHERE concept_id = ANY($1)`, conceptIDs)
	if err != nil {
		return nil, fmt.Errorf("notes for concepts: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InferRelatedConcepts proposes `related` edges (inferred=true, so not
// reciprocally cascaded further) between every pair of concepts in ids,
// the related-concept-inference stage's co-occurrence rule: concepts
// tagged onto the same note are related.
func (s *Service) InferRelatedConcepts(ctx context.Context, sc archive.SchemaContext, ids []uuid.UUID) error {
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := s.AddRelation(ctx, sc, ids[i], ids[j], model.RelationRelated, true); err != nil {
				return err
			}
		}
	}
	return nil
}
