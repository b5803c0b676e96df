// Package store defines the persistence interface for generated CGM data.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
)

// ErrNotFound is returned when a lookup has no result.
var ErrNotFound = errors.New("not found")

// DefaultLimit caps query results when the caller passes no limit.
const DefaultLimit = 10

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Writes ---

	// InsertEntries persists a batch of readings. Records whose id already
	// exists are skipped, so regenerating a range is safe.
	InsertEntries(ctx context.Context, entries []model.Entry) error

	// InsertTreatments persists a batch of treatments, skipping known ids.
	InsertTreatments(ctx context.Context, treatments []model.Treatment) error

	// DeleteBySource removes every record tagged with source.
	DeleteBySource(ctx context.Context, source string) (entries, treatments int64, err error)

	// --- Reads ---

	// CountBySource counts records tagged with source.
	CountBySource(ctx context.Context, source string) (entries, treatments int64, err error)

	// QueryEntries returns readings matching q, newest first.
	QueryEntries(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Entry, error)

	// QueryTreatments returns treatments matching q, newest first.
	QueryTreatments(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Treatment, error)

	// LatestEntry returns the newest reading or ErrNotFound.
	LatestEntry(ctx context.Context) (*model.Entry, error)
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
