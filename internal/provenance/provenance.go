// Package provenance implements when/where/by-what records for notes
// and files, named-location reverse geocoding, and deduplicated
// device/activity registries.
package provenance

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

// Store implements the provenance repository.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Record inserts a provenance row. p.Target must already satisfy "at
// least one of note/attachment" (enforced by model.NewProvenanceTarget at
// construction); Record additionally guards against a target that slipped
// through some other path with both nil, surfacing it as an
// IntegrityError rather than letting the CHECK constraint fire deep
// inside a transaction with a less specific message.
func (s *Store) Record(ctx context.Context, sc archive.SchemaContext, p model.Provenance) (uuid.UUID, error) {
	if p.Target.NoteID == nil && p.Target.AttachmentID == nil {
		return uuid.Nil, apperr.Integrity("provenance target requires a note or an attachment")
	}
	if p.ID == uuid.Nil {
		p.ID = model.NewID()
	}
	if p.Confidence == "" {
		p.Confidence = model.ConfidenceMedium
	}
	if p.RawMeta == nil {
		p.RawMeta = map[string]any{}
	}
	if p.AIMeta == nil {
		p.AIMeta = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("provenance")+` (
		id, note_id, attachment_id, time_range, source, confidence,
		location_id, device_id, activity_id, raw_metadata, ai_metadata
	) VALUES ($1,$2,$3, tstzrange($4,$5), $6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.Target.NoteID, p.Target.AttachmentID, p.StartTime, p.EndTime,
		p.Source, p.Confidence, p.LocationID, p.DeviceID, p.ActivityID, p.RawMeta, p.AIMeta)
	if err != nil {
		return uuid.Nil, apperr.FromPgError(fmt.Errorf("record provenance: %w", err), "record_provenance")
	}
	return p.ID, nil
}

// ForNote returns every provenance row targeting noteID (either directly,
// or as the note of an attachment carrying capture metadata).
func (s *Store) ForNote(ctx context.Context, sc archive.SchemaContext, noteID uuid.UUID) ([]model.Provenance, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, note_id, attachment_id, lower(time_range), upper(time_range),
		source, confidence, location_id, device_id, activity_id, raw_metadata, ai_metadata, created_at
		FROM `+sc.Qualify("provenance")+`
		WHERE note_id = $1 OR attachment_id IN (SELECT id FROM `+sc.Qualify("attachment")+` WHERE note_id = $1)`, noteID)
	if err != nil {
		return nil, fmt.Errorf("provenance for note %s: %w", noteID, err)
	}
	defer rows.Close()

	var out []model.Provenance
	for rows.Next() {
		var p model.Provenance
		if err := rows.Scan(&p.ID, &p.Target.NoteID, &p.Target.AttachmentID, &p.StartTime, &p.EndTime,
			&p.Source, &p.Confidence, &p.LocationID, &p.DeviceID, &p.ActivityID, &p.RawMeta, &p.AIMeta, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertLocation inserts a prov_location row at point, optionally linked
// to a registered NamedLocation.
func (s *Store) UpsertLocation(ctx context.Context, sc archive.SchemaContext, point model.Point, name string, namedID *uuid.UUID) (uuid.UUID, error) {
	id := model.NewID()
	_, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("prov_location")+`
		(id, point, name, named_id) VALUES ($1, ST_GeogFromText($2), $3, $4)`,
		id, point.WKT(), name, namedID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert location: %w", err)
	}
	return id, nil
}

// ReverseGeocode resolves point to a NamedLocation whose boundary polygon
// contains it (ST_Contains; when several boundaries overlap, which one is
// returned is not defined), falling back
// to the nearest named location within radiusM via ST_DWithin when no
// boundary contains the point.
func (s *Store) ReverseGeocode(ctx context.Context, sc archive.SchemaContext, point model.Point, radiusM float64) (*model.NamedLocation, error) {
	loc := &model.NamedLocation{}
	err := s.pool.QueryRow(ctx, `SELECT id, name, boundary IS NOT NULL FROM `+sc.Qualify("named_location")+`
		WHERE boundary IS NOT NULL AND ST_Contains(boundary::geometry, ST_GeogFromText($1)::geometry)
		LIMIT 1`, point.WKT()).Scan(&loc.ID, &loc.Name, &loc.HasBoundary)
	if err == nil {
		return loc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reverse geocode (contains): %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT id, name, boundary IS NOT NULL FROM `+sc.Qualify("named_location")+`
		WHERE ST_DWithin(center, ST_GeogFromText($1), $2)
		ORDER BY ST_Distance(center, ST_GeogFromText($1)) ASC LIMIT 1`, point.WKT(), radiusM).
		Scan(&loc.ID, &loc.Name, &loc.HasBoundary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no named location within %.0fm", radiusM)
	}
	if err != nil {
		return nil, fmt.Errorf("reverse geocode (dwithin): %w", err)
	}
	return loc, nil
}

// UpsertDevice finds or creates a ProvAgentDevice by its natural key
// (make, model, owner).
func (s *Store) UpsertDevice(ctx context.Context, sc archive.SchemaContext, make_, model_, owner string) (uuid.UUID, error) {
	id := model.NewID()
	err := s.pool.QueryRow(ctx, `INSERT INTO `+sc.Qualify("prov_agent_device")+`
		(id, make, model, owner) VALUES ($1,$2,$3,$4)
		ON CONFLICT (make, model, owner) DO UPDATE SET make = EXCLUDED.make
		RETURNING id`, id, make_, model_, owner).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert device: %w", err)
	}
	return id, nil
}

// StartActivity records the start of a W3C-PROV-style activity.
func (s *Store) StartActivity(ctx context.Context, sc archive.SchemaContext, kind model.ActivityKind, agentName string) (uuid.UUID, error) {
	id := model.NewID()
	_, err := s.pool.Exec(ctx, `INSERT INTO `+sc.Qualify("activity")+`
		(id, kind, agent_name) VALUES ($1,$2,$3)`, id, kind, agentName)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start activity: %w", err)
	}
	return id, nil
}

// EndActivity stamps an activity's end time.
func (s *Store) EndActivity(ctx context.Context, sc archive.SchemaContext, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE `+sc.Qualify("activity")+`
		SET ended_at = now() WHERE id = $1 AND ended_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("end activity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("activity %s not found or already ended", id)
	}
	return nil
}
