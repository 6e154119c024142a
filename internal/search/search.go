// Package search implements hybrid retrieval: full-text search, vector
// similarity, concept-graph expansion, and structured filters fused
// into one ranked result list via a weighted sum of lexical and vector
// signal plus recency and tag-overlap terms, with a deterministic
// tie-break for stable pagination.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fortemi/fortemi/internal/archive"
	"github.com/fortemi/fortemi/internal/config"
	"github.com/fortemi/fortemi/internal/metrics"
	"github.com/fortemi/fortemi/internal/model"
	"github.com/fortemi/fortemi/internal/skos"
)

// Weights is the fusion formula's coefficient set:
// score = alpha*fts + beta*vector + gamma*recency + delta*tagOverlap.
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
	Delta float64
}

// WeightsFromConfig reads the fusion coefficients out of a loaded Config.
func WeightsFromConfig(c config.SearchConfig) Weights {
	return Weights{Alpha: c.AlphaFTS, Beta: c.BetaVector, Gamma: c.GammaRecency, Delta: c.DeltaTagOverlap}
}

// Query is one search request.
type Query struct {
	Text         string
	QueryVector  *pgvector.Vector // nil skips the vector term entirely
	SetID        *uuid.UUID       // embedding set to search within; a filter set is resolved to membership + the default pool
	MemberSetID  *uuid.UUID       // require membership in this set; set automatically when SetID names a filter set
	Tags         []string         // tag-overlap scoring input (whole tags, case-insensitive), and an optional hard filter when TagsRequired; the filter matches hierarchically (foo matches foo, foo/bar)
	TagsRequired bool
	ConceptID    *uuid.UUID // expanded via skos.ExpandNarrower, OR'd against note_skos_concept
	CollectionID *uuid.UUID
	OwnerID      *string
	Visibility   *string
	CreatedAfter *time.Time
	CreatedBefore *time.Time
	UpdatedAfter *time.Time
	UpdatedBefore *time.Time
	IncludeArchived bool

	// Spatial restricts to notes with provenance within RadiusM meters of
	// (Lon, Lat); all three must be set together.
	Lat     *float64
	Lon     *float64
	RadiusM *float64

	// Temporal restricts to notes whose provenance time_range overlaps
	// [TimeFrom, TimeTo). Distinct from CreatedAfter/Before, which filter
	// on when the note was written rather than what it is about.
	TimeFrom *time.Time
	TimeTo   *time.Time

	Limit int
}

// Result is one ranked hit.
type Result struct {
	NoteID     uuid.UUID
	Archive    string
	Title      string
	Snippet    string
	Score      float64
	FTSScore   float64
	VectorScore float64
	RecencyBonus float64
	TagOverlap   float64
	UpdatedAt  time.Time
}

// Engine runs hybrid search within and across archives.
type Engine struct {
	pool    *pgxpool.Pool
	router  *archive.Router
	concepts *skos.Service
	weights Weights
}

// New builds an Engine. concepts may be nil if no concept filter is ever
// used; router may be nil when only single-archive Search (not Federated)
// is needed.
func New(pool *pgxpool.Pool, router *archive.Router, concepts *skos.Service, weights Weights) *Engine {
	return &Engine{pool: pool, router: router, concepts: concepts, weights: weights}
}

// Search runs a single query against one archive's schema.
func (e *Engine) Search(ctx context.Context, sc archive.SchemaContext, q Query) ([]Result, error) {
	start := time.Now()
	defer func() {
		metrics.SearchQueryLatency.WithLabelValues(sc.Archive).Observe(time.Since(start).Seconds())
	}()

	if q.Limit <= 0 {
		q.Limit = 20
	}

	// A filter set carries no vectors of its own: its membership narrows
	// the result set, and the vector term scans the default pool instead.
	if q.SetID != nil {
		var setType model.EmbeddingSetType
		err := e.pool.QueryRow(ctx, `SELECT type FROM `+sc.Qualify("embedding_set")+` WHERE id = $1`, *q.SetID).Scan(&setType)
		if err == nil && setType == model.EmbeddingSetFilter {
			member := *q.SetID
			q.MemberSetID = &member
			var poolID uuid.UUID
			if err := e.pool.QueryRow(ctx, `SELECT id FROM `+sc.Qualify("embedding_set")+` WHERE slug = $1`, model.DefaultPoolSetSlug).Scan(&poolID); err == nil {
				q.SetID = &poolID
			} else {
				q.SetID = nil
				q.QueryVector = nil // no pool to scan; degrade to text-only
			}
		}
	}

	var conceptIDs []uuid.UUID
	if q.ConceptID != nil {
		if e.concepts == nil {
			return nil, fmt.Errorf("search: concept filter requested but no skos service configured")
		}
		ids, err := e.concepts.ExpandNarrower(ctx, sc, *q.ConceptID)
		if err != nil {
			return nil, fmt.Errorf("expand concept filter: %w", err)
		}
		conceptIDs = ids
	}

	sql, args := buildQuery(sc, q, conceptIDs)
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var tags []string
		if err := rows.Scan(&r.NoteID, &r.Title, &r.Snippet, &r.FTSScore, &r.VectorScore, &r.UpdatedAt, &tags); err != nil {
			return nil, err
		}
		r.Archive = sc.Archive
		r.RecencyBonus = recencyBonus(r.UpdatedAt)
		r.TagOverlap = tagOverlap(q.Tags, tags)
		r.Score = e.weights.Alpha*r.FTSScore + e.weights.Beta*r.VectorScore +
			e.weights.Gamma*r.RecencyBonus + e.weights.Delta*r.TagOverlap
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Federated runs Search against every archive named, tagging each result
// with its source archive, and merges the results with the same
// deterministic ordering as a single-archive search.
func (e *Engine) Federated(ctx context.Context, archives []string, q Query) ([]Result, error) {
	if e.router == nil {
		return nil, fmt.Errorf("federated search: no archive router configured")
	}
	var all []Result
	for _, name := range archives {
		sc, err := e.router.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve archive %q: %w", name, err)
		}
		res, err := e.Search(ctx, sc, q)
		if err != nil {
			return nil, fmt.Errorf("search archive %q: %w", name, err)
		}
		all = append(all, res...)
	}
	sortResults(all)
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

// sortResults applies the deterministic tie-break: score descending,
// then updated_at descending, then note id ascending. Go's
// sort.SliceStable, not SQL ORDER BY, is the source of truth here since
// the fusion score is computed application-side after the query runs.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].UpdatedAt.Equal(results[j].UpdatedAt) {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		}
		return results[i].NoteID.String() < results[j].NoteID.String()
	})
}

// recencyBonus decays linearly to zero over 30 days, giving a [0,1] signal
// the gamma coefficient scales.
func recencyBonus(updatedAt time.Time) float64 {
	age := time.Since(updatedAt)
	const window = 30 * 24 * time.Hour
	if age >= window {
		return 0
	}
	if age < 0 {
		return 1
	}
	return 1 - float64(age)/float64(window)
}

func tagOverlap(queryTags, noteTags []string) float64 {
	if len(queryTags) == 0 {
		return 0
	}
	set := make(map[string]bool, len(noteTags))
	for _, t := range noteTags {
		set[strings.ToLower(t)] = true
	}
	matches := 0
	for _, t := range queryTags {
		if set[strings.ToLower(t)] {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTags))
}

// buildQuery renders the parameterized SQL for one archive's search. The
// text score is the greatest of three signals: ts_rank_cd against
// matric_english (websearch_to_tsquery, so the caller's
// OR/"phrase"/leading-minus syntax works), ts_rank_cd against
// matric_simple for CJK/mixed scripts, and trigram similarity for
// substrings/emoji/math symbols the tsvector configs miss entirely; a
// note matches when any of the three does. Vector score is 1 - cosine distance
// (pgvector's <=> operator) averaged across a note's chunks within the
// requested embedding set, and is 0 when no QueryVector was supplied (the
// fusion formula's beta term then contributes nothing).
func buildQuery(sc archive.SchemaContext, q Query, conceptIDs []uuid.UUID) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	ftsExpr := "0::float8"
	ftsMatchExpr := "false"
	if q.Text != "" {
		textEnglish := arg(q.Text)
		textSimple := arg(q.Text)
		textTrgm := arg(q.Text)
		ftsExpr = fmt.Sprintf(`GREATEST(
			ts_rank_cd(no.fts_en, websearch_to_tsquery('public.matric_english', %s)),
			ts_rank_cd(no.fts_simple, websearch_to_tsquery('public.matric_simple', %s)),
			similarity(no.content, %s)
		)`, textEnglish, textSimple, textTrgm)
		ftsMatchExpr = fmt.Sprintf(`(
			no.fts_en @@ websearch_to_tsquery('public.matric_english', %s)
			OR no.fts_simple @@ websearch_to_tsquery('public.matric_simple', %s)
			OR no.content %% %s
		)`, textEnglish, textSimple, textTrgm)
	}

	vecExpr := "0::float8"
	vecJoin := ""
	if q.QueryVector != nil && q.SetID != nil {
		vecParam := arg(*q.QueryVector)
		setParam := arg(*q.SetID)
		vecJoin = fmt.Sprintf(`LEFT JOIN LATERAL (
			SELECT 1 - AVG(e.vector <=> %s) AS score
			FROM %s e
			WHERE e.note_id = n.id AND e.set_id = %s
		) ev ON true`, vecParam, sc.Qualify("embedding"), setParam)
		vecExpr = "COALESCE(ev.score, 0)"
	}

	where := []string{"n.deleted_at IS NULL"}
	if !q.IncludeArchived {
		where = append(where, "n.archived = false")
	}
	if q.Text != "" {
		where = append(where, fmt.Sprintf("(%s OR %s > 0)", ftsMatchExpr, vecExpr))
	}
	if q.TagsRequired && len(q.Tags) > 0 {
		placeholders := make([]string, len(q.Tags))
		for i, t := range q.Tags {
			placeholders[i] = arg(t)
		}
		where = append(where, fmt.Sprintf(`n.id IN (
			SELECT note_id FROM %s nt WHERE EXISTS (
				SELECT 1 FROM unnest(ARRAY[%s]::text[]) AS crit
				WHERE lower(nt.tag) = lower(crit) OR lower(nt.tag) LIKE lower(crit) || '/%%'
			))`, sc.Qualify("note_tag"), strings.Join(placeholders, ",")))
	}
	if q.MemberSetID != nil {
		where = append(where, fmt.Sprintf(`n.id IN (SELECT note_id FROM %s WHERE set_id = %s)`,
			sc.Qualify("embedding_set_member"), arg(*q.MemberSetID)))
	}
	if q.CollectionID != nil {
		where = append(where, fmt.Sprintf("n.collection_id = %s", arg(*q.CollectionID)))
	}
	if q.OwnerID != nil {
		where = append(where, fmt.Sprintf("n.owner_id = %s", arg(*q.OwnerID)))
	}
	if q.Visibility != nil {
		where = append(where, fmt.Sprintf("n.visibility = %s", arg(*q.Visibility)))
	}
	if q.CreatedAfter != nil {
		where = append(where, fmt.Sprintf("n.created_at >= %s", arg(*q.CreatedAfter)))
	}
	if q.CreatedBefore != nil {
		where = append(where, fmt.Sprintf("n.created_at <= %s", arg(*q.CreatedBefore)))
	}
	if q.UpdatedAfter != nil {
		where = append(where, fmt.Sprintf("n.updated_at >= %s", arg(*q.UpdatedAfter)))
	}
	if q.UpdatedBefore != nil {
		where = append(where, fmt.Sprintf("n.updated_at <= %s", arg(*q.UpdatedBefore)))
	}
	if len(conceptIDs) > 0 {
		placeholders := make([]string, len(conceptIDs))
		for i, id := range conceptIDs {
			placeholders[i] = arg(id)
		}
		where = append(where, fmt.Sprintf(`n.id IN (SELECT note_id FROM %s WHERE concept_id IN (%s))`,
			sc.Qualify("note_skos_concept"), strings.Join(placeholders, ",")))
	}
	if q.TimeFrom != nil || q.TimeTo != nil {
		from := arg(q.TimeFrom)
		to := arg(q.TimeTo)
		where = append(where, fmt.Sprintf(`n.id IN (
			SELECT p.note_id FROM %s p
			WHERE p.note_id IS NOT NULL AND p.time_range && tstzrange(%s, %s))`,
			sc.Qualify("provenance"), from, to))
	}
	if q.Lat != nil && q.Lon != nil && q.RadiusM != nil {
		lon := arg(*q.Lon)
		lat := arg(*q.Lat)
		radius := arg(*q.RadiusM)
		where = append(where, fmt.Sprintf(`n.id IN (
			SELECT p.note_id FROM %s p JOIN %s pl ON pl.id = p.location_id
			WHERE p.note_id IS NOT NULL AND ST_DWithin(pl.point,
				ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography, %s))`,
			sc.Qualify("provenance"), sc.Qualify("prov_location"), lon, lat, radius))
	}

	groupBy := "n.id, n.title, no.note_id, no.content, n.updated_at"
	if vecJoin != "" {
		groupBy += ", ev.score"
	}
	sql := fmt.Sprintf(`SELECT n.id, COALESCE(n.title, ''),
			left(no.content, 280),
			%s AS fts_score,
			%s AS vector_score,
			n.updated_at,
			COALESCE(array_agg(nt.tag) FILTER (WHERE nt.tag IS NOT NULL), '{}')
		FROM %s n
		JOIN %s no ON no.note_id = n.id
		LEFT JOIN %s nt ON nt.note_id = n.id
		%s
		WHERE %s
		GROUP BY %s
		`, ftsExpr, vecExpr, sc.Qualify("note"), sc.Qualify("note_original"), sc.Qualify("note_tag"),
		vecJoin, strings.Join(where, " AND "), groupBy)

	return sql, args
}
