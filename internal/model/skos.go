package model

import (
	"time"

	"github.com/google/uuid"
)

// ConceptStatus is the literary-warrant lifecycle state of a concept.
type ConceptStatus string

const (
	ConceptCandidate ConceptStatus = "candidate"
	ConceptApproved  ConceptStatus = "approved"
)

// LiteraryWarrantThreshold is the note_count at which a candidate concept
// is auto-promoted to approved.
const LiteraryWarrantThreshold = 3

// Concept graph invariants.
const (
	MaxConceptDepth          = 5
	MaxConceptParents        = 3
	MaxPromotedChildren      = 200
)

// ConceptScheme groups a set of concepts (SKOS "scheme").
type ConceptScheme struct {
	ID   uuid.UUID
	Name string
}

// Concept is a node in the SKOS concept graph.
type Concept struct {
	ID        uuid.UUID
	SchemeID  uuid.UUID
	Status    ConceptStatus
	NoteCount int
	CreatedAt time.Time
}

// ConceptLabel is a language-scoped label on a concept; exactly one label
// per (concept, language) may be preferred.
type ConceptLabel struct {
	ID         uuid.UUID
	ConceptID  uuid.UUID
	Language   string
	Text       string
	Preferred  bool
}

// RelationKind is the SKOS relation type between two concepts.
type RelationKind string

const (
	RelationBroader RelationKind = "broader"
	RelationNarrower RelationKind = "narrower"
	RelationRelated RelationKind = "related"
)

// ConceptRelation is a directed edge in the concept graph. User-created
// edges are reciprocally maintained (broader <-> narrower); inferred edges
// are not.
type ConceptRelation struct {
	ID         uuid.UUID
	FromID     uuid.UUID
	ToID       uuid.UUID
	Kind       RelationKind
	Inferred   bool
	CreatedAt  time.Time
}

// ConceptMapping maps a concept to an external vocabulary term.
type ConceptMapping struct {
	ID        uuid.UUID
	ConceptID uuid.UUID
	Scheme    string
	ExternalID string
}

// NoteConcept links a note to a concept it was tagged with, by the
// concept-tagging pipeline stage.
type NoteConcept struct {
	NoteID     uuid.UUID
	ConceptID  uuid.UUID
	Confidence float64
	CreatedAt  time.Time
}

// NoteEntity is a named entity extracted from a note's text.
type NoteEntity struct {
	ID         uuid.UUID
	NoteID     uuid.UUID
	EntityType string // "person", "organization", "location", ...
	Normalized string
	Surface    string
	Position   int
	CreatedAt  time.Time
}

// Link is a computed relationship between two notes.
type Link struct {
	ID        uuid.UUID
	FromNote  uuid.UUID
	ToNote    uuid.UUID
	Kind      string // "semantic", ...
	Score     float64
	CreatedAt time.Time
}
