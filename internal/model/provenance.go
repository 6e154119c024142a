package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProvenanceSource is where a provenance record's information came from.
type ProvenanceSource string

const (
	ProvenanceSourceEXIF    ProvenanceSource = "exif"
	ProvenanceSourceUser    ProvenanceSource = "user"
	ProvenanceSourceInferred ProvenanceSource = "inferred"
	ProvenanceSourceDevice  ProvenanceSource = "device"
)

// ProvenanceConfidence is a coarse confidence bucket for a provenance
// record's source.
type ProvenanceConfidence string

const (
	ConfidenceHigh   ProvenanceConfidence = "high"
	ConfidenceMedium ProvenanceConfidence = "medium"
	ConfidenceLow    ProvenanceConfidence = "low"
)

// ProvenanceTarget is the polymorphic target of a Provenance record:
// originally conceived as XOR(note, attachment), relaxed to "at least
// one" so a single row can describe the file-as-note case. This type
// enforces "at least one" at construction time, standing in for a
// sum-type rather than sentinel nulls on the row.
type ProvenanceTarget struct {
	NoteID       *uuid.UUID
	AttachmentID *uuid.UUID
}

// NewProvenanceTarget builds a target, requiring at least one of the two
// ids to be set.
func NewProvenanceTarget(noteID, attachmentID *uuid.UUID) (ProvenanceTarget, error) {
	if noteID == nil && attachmentID == nil {
		return ProvenanceTarget{}, fmt.Errorf("provenance target requires a note or an attachment (or both)")
	}
	return ProvenanceTarget{NoteID: noteID, AttachmentID: attachmentID}, nil
}

// Provenance is the unified when/where/by-what record for a note or file.
type Provenance struct {
	ID         uuid.UUID
	Target     ProvenanceTarget
	StartTime  *time.Time
	EndTime    *time.Time
	Source     ProvenanceSource
	Confidence ProvenanceConfidence
	LocationID *uuid.UUID
	DeviceID   *uuid.UUID
	ActivityID *uuid.UUID
	RawMeta    map[string]any
	AIMeta     map[string]any
	CreatedAt  time.Time
}

// Point is a WGS84 lon/lat pair, rendered to PostGIS WKT by the repository
// layer (`POINT(lon lat)`); no Go geography library is wired in — the
// geography extension is exercised only through SQL.
type Point struct {
	Lat float64
	Lon float64
}

// WKT renders the point as Well-Known Text for use in a parameterized
// ST_GeogFromText(...) call.
func (p Point) WKT() string {
	return fmt.Sprintf("POINT(%f %f)", p.Lon, p.Lat)
}

// ProvLocation is a spatial record attached to a Provenance row.
type ProvLocation struct {
	ID      uuid.UUID
	Point   Point
	Name    string
	NamedID *uuid.UUID
}

// NamedLocation is a registered place with an optional boundary polygon,
// supporting reverse geocoding.
type NamedLocation struct {
	ID       uuid.UUID
	Name     string
	Center   Point
	HasBoundary bool // true if a boundary polygon is stored (ST_Contains candidate)
}

// ProvAgentDevice is a capture device, deduplicated by (make, model,
// owner).
type ProvAgentDevice struct {
	ID      uuid.UUID
	Make    string
	Model   string
	Owner   string
}

// ActivityKind enumerates W3C-PROV-style activity types recorded against a
// note or attachment.
type ActivityKind string

const (
	ActivityIngest   ActivityKind = "ingest"
	ActivityRevise   ActivityKind = "revise"
	ActivityEmbed    ActivityKind = "embed"
	ActivityTag      ActivityKind = "tag"
)

// Activity is a W3C-PROV-style node describing what process produced a
// provenance record.
type Activity struct {
	ID        uuid.UUID
	Kind      ActivityKind
	AgentName string
	StartedAt time.Time
	EndedAt   *time.Time
}
