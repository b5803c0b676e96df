package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nocturne/demo-engine/internal/model"
	"github.com/nocturne/demo-engine/internal/query"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]model.Entry
	treatments map[string]model.Treatment
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]model.Entry),
		treatments: make(map[string]model.Treatment),
	}
}

func (s *MemoryStore) InsertEntries(_ context.Context, entries []model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.entries[e.ID]; !ok {
			s.entries[e.ID] = e
		}
	}
	return nil
}

func (s *MemoryStore) InsertTreatments(_ context.Context, treatments []model.Treatment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range treatments {
		if _, ok := s.treatments[t.ID]; !ok {
			s.treatments[t.ID] = t
		}
	}
	return nil
}

func (s *MemoryStore) DeleteBySource(_ context.Context, source string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ne, nt int64
	for id, e := range s.entries {
		if e.Source == source {
			delete(s.entries, id)
			ne++
		}
	}
	for id, t := range s.treatments {
		if t.Source == source {
			delete(s.treatments, id)
			nt++
		}
	}
	return ne, nt, nil
}

func (s *MemoryStore) CountBySource(_ context.Context, source string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ne, nt int64
	for _, e := range s.entries {
		if e.Source == source {
			ne++
		}
	}
	for _, t := range s.treatments {
		if t.Source == source {
			nt++
		}
	}
	return ne, nt, nil
}

func (s *MemoryStore) QueryEntries(_ context.Context, q query.ParsedQuery, limit int) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if query.Match(q, &e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date > result[j].Date
		}
		return result[i].ID < result[j].ID
	})
	if n := effectiveLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (s *MemoryStore) QueryTreatments(_ context.Context, q query.ParsedQuery, limit int) ([]model.Treatment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Treatment
	for _, t := range s.treatments {
		if query.Match(q, &t) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Date != result[j].Date {
			return result[i].Date > result[j].Date
		}
		return result[i].ID < result[j].ID
	})
	if n := effectiveLimit(limit); len(result) > n {
		result = result[:n]
	}
	return result, nil
}

func (s *MemoryStore) LatestEntry(_ context.Context) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Entry
	for _, e := range s.entries {
		if latest == nil || e.Date > latest.Date {
			copy := e
			latest = &copy
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}
