package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingSetType distinguishes filter sets (no own vectors, narrow the
// default pool) from full sets (own vectors, own model).
type EmbeddingSetType string

const (
	EmbeddingSetFilter EmbeddingSetType = "filter"
	EmbeddingSetFull   EmbeddingSetType = "full"
)

// EmbeddingSetMode controls how membership is maintained.
type EmbeddingSetMode string

const (
	EmbeddingSetAuto   EmbeddingSetMode = "auto"
	EmbeddingSetManual EmbeddingSetMode = "manual"
	EmbeddingSetMixed  EmbeddingSetMode = "mixed"
)

// IndexStatus is the cached health state of an embedding set.
type IndexStatus string

const (
	IndexEmpty    IndexStatus = "empty"
	IndexPending  IndexStatus = "pending"
	IndexBuilding IndexStatus = "building"
	IndexReady    IndexStatus = "ready"
	IndexStale    IndexStatus = "stale"
	IndexDisabled IndexStatus = "disabled"
)

// ComputeIndexStatus implements the index-status decision table:
//
//	0/0           -> empty
//	docs>0,embs=0 -> pending
//	embs<docs     -> stale
//	embs>=docs    -> ready
//	building/disabled are preserved by the caller and never recomputed here.
func ComputeIndexStatus(documentCount, embeddingCount int) IndexStatus {
	switch {
	case documentCount == 0 && embeddingCount == 0:
		return IndexEmpty
	case embeddingCount == 0:
		return IndexPending
	case embeddingCount < documentCount:
		return IndexStale
	default:
		return IndexReady
	}
}

// EmbeddingSetCriteria is the closed union of known predicate keys for
// EmbeddingSet.criteria. Unknown keys
// encountered while decoding are dropped silently (no warning is logged);
// they are never rejected.
type EmbeddingSetCriteria struct {
	IncludeAll     bool     `json:"include_all,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Collections    []uuid.UUID `json:"collections,omitempty"`
	FTSQuery       string   `json:"fts_query,omitempty"`
	CreatedAfter   *time.Time `json:"created_after,omitempty"`
	CreatedBefore  *time.Time `json:"created_before,omitempty"`
	ExcludeArchived bool    `json:"exclude_archived,omitempty"`
}

// AutoEmbedRules controls when membership in a full set triggers an
// embedding job.
type AutoEmbedRules struct {
	OnCreate bool `json:"on_create"`
}

// EmbeddingConfig is a named (provider, model, dimension, ...) embedding
// configuration.
type EmbeddingConfig struct {
	ID                uuid.UUID
	Provider          string
	Model             string
	Dimension         int
	ChunkSize         int
	ChunkOverlap      int
	SupportsMRL       bool
	AllowedTruncation []int
	ContentTypes      []string
	IsDefault         bool
}

// EmbeddingSet is a named scope for semantic search.
type EmbeddingSet struct {
	ID               uuid.UUID
	Slug             string
	Type             EmbeddingSetType
	Mode             EmbeddingSetMode
	Criteria         EmbeddingSetCriteria
	ConfigID         uuid.UUID
	TruncateDim      *int
	AutoEmbedRules    AutoEmbedRules
	AutoRefresh      bool
	IsSystem         bool
	IsActive         bool
	DocumentCount    int
	EmbeddingCount   int
	IndexStatus      IndexStatus
}

// DefaultFilterSetSlug is the slug of the system-seeded filter set that
// contains every non-archived note.
const DefaultFilterSetSlug = "default"

// DefaultPoolSetSlug is the slug of the system-seeded full set that holds
// the actual "default embedding pool" vectors a filter set's membership
// narrows at query time.
const DefaultPoolSetSlug = "default-pool"

// EntityGraphSetSlug is the slug of the system-seeded full set that holds
// the per-note aggregated entity-graph vector, kept separate from the
// default pool so writing one never clobbers the other's chunks.
const EntityGraphSetSlug = "entity-graph"

// Embedding is one chunk's vector.
type Embedding struct {
	ID         uuid.UUID
	NoteID     uuid.UUID
	ChunkIndex int
	Text       string
	Vector     pgvector.Vector
	Model      string
	SetID      uuid.UUID
	CreatedAt  time.Time
}
