// Package model holds the domain types shared across the ingestion and
// retrieval core: notes, tags, the SKOS concept graph, embedding sets,
// provenance, and the job queue. Types here carry no persistence logic —
// that lives in the sibling repository packages (notestore, skos, jobs, ...).
package model

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a time-ordered 128-bit identifier (UUIDv7), per the data
// model's requirement that Note (and every other top-level entity) id be
// time-ordered.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/random source is
		// unavailable, which is not a condition we can recover from.
		panic(fmt.Sprintf("model: generate UUIDv7: %v", err))
	}
	return id
}

// ParseID parses a string into a UUID, wrapping the error for callers that
// want to surface it as a ValidationError.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
