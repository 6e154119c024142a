package model

import (
	"time"

	"github.com/google/uuid"
)

// Note is the atomic unit of memory.
type Note struct {
	ID         uuid.UUID
	Archive    string // schema name the note lives in, set by callers, not persisted on the row
	Title      *string
	Format     string // "markdown", "plaintext", "html", ...
	Source     string // "api", "mcp", "import", ...
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Starred    bool
	Archived   bool
	LastAccess *time.Time
	AccessCount int64
	Metadata   map[string]any
	DeletedAt  *time.Time

	OwnerID      *string
	TenantID     *string
	Visibility   string // "private", "tenant", "public"
	CollectionID *uuid.UUID
	DocTypeID    *uuid.UUID

	ChunkOf    *uuid.UUID // non-nil when this note is a generated chunk of another note
	ChunkIndex *int
}

// IsSearchable reports whether the note should appear in search results or
// embedding-set counts, per the invariant "soft-deleted notes are excluded
// from all search results and embedding-set counts".
func (n *Note) IsSearchable() bool {
	return n.DeletedAt == nil
}

// NoteOriginal is the immutable user-submitted content.
type NoteOriginal struct {
	NoteID    uuid.UUID
	Content   string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NoteOriginalHistory is a snapshot of a prior NoteOriginal version.
type NoteOriginalHistory struct {
	ID        uuid.UUID
	NoteID    uuid.UUID
	Content   string
	Version   int
	CreatedAt time.Time
}

// DefaultHistoryRetention is the retention cap applied when snapshotting
// NoteOriginal on update.
const DefaultHistoryRetention = 50

// NoteRevision is an AI-generated revision of a note's content.
type NoteRevision struct {
	ID          uuid.UUID
	NoteID      uuid.UUID
	Content     string
	Generation  int
	Rationale   string
	ModelName   string
	UserEdited  bool
	CreatedAt   time.Time
}

// Collection is a node in the optional folder tree.
type Collection struct {
	ID       uuid.UUID
	ParentID *uuid.UUID
	Name     string
	CreatedAt time.Time
}

// TagSource records how a tag came to be attached to a note.
type TagSource string

const (
	TagSourceManual TagSource = "manual"
	TagSourceAI     TagSource = "ai"
	TagSourceRule   TagSource = "rule"
	TagSourceImport TagSource = "import"
)

// NoteTag associates a flat string tag with a note.
type NoteTag struct {
	NoteID uuid.UUID
	Tag    string
	Source TagSource
}

// Attachment is a binary artifact linked to a note.
type Attachment struct {
	ID               uuid.UUID
	NoteID           uuid.UUID
	Filename         string
	ContentType      string
	BlobHash         string // BLAKE3 hex digest, foreign key into AttachmentBlob
	SizeBytes        int64
	ExtractedText    string
	ExtractedMeta    map[string]any
	AIDescription    string
	ExtractionStatus string // "queued", "processing", "completed", "failed"
	CreatedAt        time.Time
}

// AttachmentBlob is the content-addressed binary store entry.
type AttachmentBlob struct {
	Hash           string // BLAKE3 hex digest
	Backend        string // "database" or "filesystem"; there is no object-storage backend
	SizeBytes      int64
	ReferenceCount int
	StoragePath    string // set for filesystem backend
	InlineData     []byte // set for database backend
	CreatedAt      time.Time
}
