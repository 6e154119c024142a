package dbx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaFingerprint is the version number stamped on a freshly migrated
// archive schema. Bump this and append to SchemaStatements when the table
// set changes; archive.Router compares it against archive_registry's
// stored schema_version to decide whether ensure_schema must run.
const SchemaFingerprint = 1

// SchemaStatements returns the ordered CREATE statements for a single
// archive schema, parameterized by schema name. The `public` schema
// additionally carries the two shared text-search configurations and
// the archive/job-queue tables that are process-global rather than
// per-archive.
func SchemaStatements(schema string) []string {
	q := QuoteIdent(schema)
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.collection (
			id UUID PRIMARY KEY,
			parent_id UUID REFERENCES %s.collection(id),
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.document_type (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			agentic_config JSONB NOT NULL DEFAULT '{}'
		)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note (
			id UUID PRIMARY KEY,
			title TEXT,
			format TEXT NOT NULL DEFAULT 'markdown',
			source TEXT NOT NULL DEFAULT 'api',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			starred BOOLEAN NOT NULL DEFAULT false,
			archived BOOLEAN NOT NULL DEFAULT false,
			last_access TIMESTAMPTZ,
			access_count BIGINT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			deleted_at TIMESTAMPTZ,
			owner_id TEXT,
			tenant_id TEXT,
			visibility TEXT NOT NULL DEFAULT 'private',
			collection_id UUID REFERENCES %s.collection(id),
			doc_type_id UUID REFERENCES %s.document_type(id),
			chunk_of UUID REFERENCES %s.note(id),
			chunk_index INT
		)`, q, q, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_active_idx ON %s.note(deleted_at) WHERE deleted_at IS NULL`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_collection_idx ON %s.note(collection_id)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_updated_idx ON %s.note(updated_at DESC)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_original (
			note_id UUID PRIMARY KEY REFERENCES %s.note(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			fts_en tsvector GENERATED ALWAYS AS (to_tsvector('public.matric_english', content)) STORED,
			fts_simple tsvector GENERATED ALWAYS AS (to_tsvector('public.matric_simple', content)) STORED
		)`, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_original_fts_en_idx ON %s.note_original USING GIN (fts_en)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_original_fts_simple_idx ON %s.note_original USING GIN (fts_simple)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_original_trgm_idx ON %s.note_original USING GIN (content gin_trgm_ops)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_original_history (
			id UUID PRIMARY KEY,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(note_id, version)
		)`, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_revision (
			id UUID PRIMARY KEY,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			generation INT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			model_name TEXT NOT NULL DEFAULT '',
			user_edited BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_revised_current (
			note_id UUID PRIMARY KEY REFERENCES %s.note(id) ON DELETE CASCADE,
			revision_id UUID NOT NULL REFERENCES %s.note_revision(id)
		)`, q, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_tag (
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'manual',
			PRIMARY KEY (note_id, tag)
		)`, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_tag_tag_idx ON %s.note_tag(tag)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.attachment_blob (
			hash TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			reference_count INT NOT NULL DEFAULT 0,
			storage_path TEXT NOT NULL DEFAULT '',
			inline_data BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.attachment (
			id UUID PRIMARY KEY,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			blob_hash TEXT NOT NULL REFERENCES %s.attachment_blob(hash),
			size_bytes BIGINT NOT NULL,
			extracted_text TEXT NOT NULL DEFAULT '',
			extracted_metadata JSONB NOT NULL DEFAULT '{}',
			ai_description TEXT NOT NULL DEFAULT '',
			extraction_status TEXT NOT NULL DEFAULT 'queued',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS attachment_note_idx ON %s.attachment(note_id)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_scheme (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept (
			id UUID PRIMARY KEY,
			scheme_id UUID NOT NULL REFERENCES %s.concept_scheme(id),
			status TEXT NOT NULL DEFAULT 'candidate',
			note_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_label (
			id UUID PRIMARY KEY,
			concept_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			language TEXT NOT NULL,
			text TEXT NOT NULL,
			preferred BOOLEAN NOT NULL DEFAULT false
		)`, q, q),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS concept_label_one_preferred
			ON %s.concept_label(concept_id, language) WHERE preferred`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS concept_label_text_idx ON %s.concept_label USING GIN (text gin_trgm_ops)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_relation (
			id UUID PRIMARY KEY,
			from_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			to_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			inferred BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(from_id, to_id, kind),
			CHECK (from_id != to_id)
		)`, q, q, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_mapping (
			id UUID PRIMARY KEY,
			concept_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			scheme TEXT NOT NULL,
			external_id TEXT NOT NULL
		)`, q, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_collection (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.concept_collection_member (
			collection_id UUID NOT NULL REFERENCES %s.concept_collection(id) ON DELETE CASCADE,
			concept_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			PRIMARY KEY (collection_id, concept_id)
		)`, q, q, q),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_skos_concept (
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			concept_id UUID NOT NULL REFERENCES %s.concept(id) ON DELETE CASCADE,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (note_id, concept_id)
		)`, q, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_skos_concept_idx ON %s.note_skos_concept(concept_id)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.note_entity (
			id UUID PRIMARY KEY,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			entity_type TEXT NOT NULL,
			normalized TEXT NOT NULL,
			surface TEXT NOT NULL,
			position INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS note_entity_normalized_idx ON %s.note_entity(normalized)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.link (
			id UUID PRIMARY KEY,
			from_note UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			to_note UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(from_note, to_note, kind)
		)`, q, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.embedding_config (
			id UUID PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			dimension INT NOT NULL,
			chunk_size INT NOT NULL DEFAULT 512,
			chunk_overlap INT NOT NULL DEFAULT 50,
			supports_mrl BOOLEAN NOT NULL DEFAULT false,
			allowed_truncation_dims INT[] NOT NULL DEFAULT '{}',
			content_types TEXT[] NOT NULL DEFAULT '{}',
			is_default BOOLEAN NOT NULL DEFAULT false
		)`, q),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS embedding_config_one_default
			ON %s.embedding_config((true)) WHERE is_default`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.embedding_set (
			id UUID PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'auto',
			criteria JSONB NOT NULL DEFAULT '{}',
			config_id UUID NOT NULL REFERENCES %s.embedding_config(id),
			truncate_dim INT,
			auto_embed_rules JSONB NOT NULL DEFAULT '{}',
			auto_refresh BOOLEAN NOT NULL DEFAULT true,
			is_system BOOLEAN NOT NULL DEFAULT false,
			is_active BOOLEAN NOT NULL DEFAULT true,
			document_count INT NOT NULL DEFAULT 0,
			embedding_count INT NOT NULL DEFAULT 0,
			index_status TEXT NOT NULL DEFAULT 'empty'
		)`, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.embedding_set_member (
			set_id UUID NOT NULL REFERENCES %s.embedding_set(id) ON DELETE CASCADE,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			PRIMARY KEY (set_id, note_id)
		)`, q, q, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.embedding (
			id UUID PRIMARY KEY,
			note_id UUID NOT NULL REFERENCES %s.note(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			text TEXT NOT NULL,
			vector vector(768) NOT NULL,
			model TEXT NOT NULL,
			set_id UUID NOT NULL REFERENCES %s.embedding_set(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE(note_id, set_id, chunk_index)
		)`, q, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS embedding_vector_hnsw_idx ON %s.embedding USING hnsw (vector vector_cosine_ops)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.prov_location (
			id UUID PRIMARY KEY,
			point geography(Point, 4326) NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			named_id UUID
		)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS prov_location_point_idx ON %s.prov_location USING GIST (point)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.named_location (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			center geography(Point, 4326) NOT NULL,
			boundary geography(Polygon, 4326)
		)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS named_location_boundary_idx ON %s.named_location USING GIST (boundary)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.prov_agent_device (
			id UUID PRIMARY KEY,
			make TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			UNIQUE(make, model, owner)
		)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.activity (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			agent_name TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		)`, q),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.provenance (
			id UUID PRIMARY KEY,
			note_id UUID REFERENCES %s.note(id) ON DELETE CASCADE,
			attachment_id UUID REFERENCES %s.attachment(id) ON DELETE CASCADE,
			time_range tstzrange,
			source TEXT NOT NULL,
			confidence TEXT NOT NULL DEFAULT 'medium',
			location_id UUID REFERENCES %s.prov_location(id),
			device_id UUID REFERENCES %s.prov_agent_device(id),
			activity_id UUID REFERENCES %s.activity(id),
			raw_metadata JSONB NOT NULL DEFAULT '{}',
			ai_metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (note_id IS NOT NULL OR attachment_id IS NOT NULL)
		)`, q, q, q, q, q, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS provenance_time_idx ON %s.provenance USING GIST (time_range)`, q),
	}
}

// SharedPublicStatements returns the process-global tables/configs that
// live in `public` regardless of archive: the archive registry, the job
// queue, system config, and the two shared text-search configurations
// every archive schema's FTS columns reference (always schema-qualified
// as public.matric_english / public.matric_simple, never duplicated
// per-archive.
func SharedPublicStatements() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE EXTENSION IF NOT EXISTS unaccent`,

		`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_ts_config WHERE cfgname = 'matric_english') THEN
				CREATE TEXT SEARCH CONFIGURATION public.matric_english (COPY = english);
				ALTER TEXT SEARCH CONFIGURATION public.matric_english
					ALTER MAPPING FOR hword, hword_part, word WITH unaccent, english_stem;
			END IF;
		END $$`,
		`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_ts_config WHERE cfgname = 'matric_simple') THEN
				CREATE TEXT SEARCH CONFIGURATION public.matric_simple (COPY = simple);
				ALTER TEXT SEARCH CONFIGURATION public.matric_simple
					ALTER MAPPING FOR hword, hword_part, word WITH unaccent, simple;
			END IF;
		END $$`,

		`CREATE TABLE IF NOT EXISTS public.archive_registry (
			name TEXT PRIMARY KEY,
			schema_name TEXT NOT NULL UNIQUE,
			is_default BOOLEAN NOT NULL DEFAULT false,
			schema_version INT NOT NULL DEFAULT 0,
			note_count BIGINT NOT NULL DEFAULT 0,
			features TEXT[] NOT NULL DEFAULT '{}'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS archive_registry_one_default
			ON public.archive_registry((true)) WHERE is_default`,

		`CREATE TABLE IF NOT EXISTS public.system_config (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS public.job_queue (
			id UUID PRIMARY KEY,
			archive TEXT NOT NULL,
			note_id UUID,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INT NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			progress_percent INT NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			logs TEXT[] NOT NULL DEFAULT '{}',
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			estimated_ms BIGINT NOT NULL DEFAULT 0,
			actual_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			cancel_requested BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS job_queue_claim_idx
			ON public.job_queue(tier, status, priority DESC, created_at ASC)
			WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS job_queue_note_type_idx ON public.job_queue(note_id, job_type, status)`,

		`CREATE TABLE IF NOT EXISTS public.job_history (
			id UUID PRIMARY KEY,
			job_type TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			succeeded BOOLEAN NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS job_history_type_idx ON public.job_history(job_type, completed_at DESC)`,
	}
}

// RunSharedMigrations applies SharedPublicStatements against the pool.
// Idempotent; safe to call on every process start.
func RunSharedMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range SharedPublicStatements() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("shared migration failed: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
