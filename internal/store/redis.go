package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEntries(ctx context.Context, entries []model.Entry) error {
	if err := s.primary.InsertEntries(ctx, entries); err != nil {
		return err
	}
	keys := []string{latestKey()}
	for _, src := range sources(entries, func(e model.Entry) string { return e.Source }) {
		keys = append(keys, countKey(src))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) InsertTreatments(ctx context.Context, treatments []model.Treatment) error {
	if err := s.primary.InsertTreatments(ctx, treatments); err != nil {
		return err
	}
	var keys []string
	for _, src := range sources(treatments, func(t model.Treatment) string { return t.Source }) {
		keys = append(keys, countKey(src))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) DeleteBySource(ctx context.Context, source string) (int64, int64, error) {
	ne, nt, err := s.primary.DeleteBySource(ctx, source)
	if err != nil {
		return 0, 0, err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, countKey(source), latestKey())
	return ne, nt, nil
}

// --- Read-through (check cache first) ---

type sourceCounts struct {
	Entries    int64 `json:"entries"`
	Treatments int64 `json:"treatments"`
}

func (s *CachedStore) CountBySource(ctx context.Context, source string) (int64, int64, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, countKey(source)).Bytes()
	if err == nil {
		var c sourceCounts
		if json.Unmarshal(data, &c) == nil {
			return c.Entries, c.Treatments, nil
		}
	}

	// Cache miss: read from primary.
	ne, nt, err := s.primary.CountBySource(ctx, source)
	if err != nil {
		return 0, 0, err
	}

	if data, err := json.Marshal(sourceCounts{ne, nt}); err == nil {
		s.rdb.Set(ctx, countKey(source), data, s.ttl)
	}
	return ne, nt, nil
}

func (s *CachedStore) LatestEntry(ctx context.Context) (*model.Entry, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, latestKey()).Bytes()
	if err == nil {
		var e model.Entry
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	// Cache miss.
	e, err := s.primary.LatestEntry(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, latestKey(), data, s.ttl)
	}
	return e, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) QueryEntries(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Entry, error) {
	return s.primary.QueryEntries(ctx, q, limit)
}

func (s *CachedStore) QueryTreatments(ctx context.Context, q query.ParsedQuery, limit int) ([]model.Treatment, error) {
	return s.primary.QueryTreatments(ctx, q, limit)
}

// --- Cache helpers ---

func sources[T any](records []T, source func(T) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range records {
		if src := source(r); !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

func countKey(source string) string { return fmt.Sprintf("counts:%s", source) }
func latestKey() string             { return "entries:latest" }
