package persist

import (
	"context"
	"sync"
)

// MemStore is an in-memory Adapter for tests and ephemeral sessions.
type MemStore struct {
	mu          sync.Mutex
	collections map[Collection]map[string]Record

	// FailUpserts makes BatchUpsert return FailErr, for exercising the
	// dropped-write path of the sync writer.
	FailUpserts bool
	FailErr     error

	// Upserts counts BatchUpsert calls.
	Upserts int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{collections: make(map[Collection]map[string]Record)}
}

func (s *MemStore) collection(c Collection) map[string]Record {
	col, ok := s.collections[c]
	if !ok {
		col = make(map[string]Record)
		s.collections[c] = col
	}
	return col
}

// ListAll implements Adapter.
func (s *MemStore) ListAll(_ context.Context, c Collection) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collection(c)
	out := make([]Record, 0, len(col))
	for _, rec := range col {
		cp := make(Record, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

// BatchUpsert implements Adapter.
func (s *MemStore) BatchUpsert(_ context.Context, c Collection, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserts++
	if s.FailUpserts {
		return s.FailErr
	}
	col := s.collection(c)
	for _, rec := range records {
		key := rec.Key()
		if key == "" {
			return ErrInvalidRecord
		}
		cp := make(Record, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		col[key] = cp
	}
	return nil
}

// DeleteOne implements Adapter.
func (s *MemStore) DeleteOne(_ context.Context, c Collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collection(c)
	if _, ok := col[key]; !ok {
		return ErrNotFound
	}
	delete(col, key)
	return nil
}

// DeleteAll implements Adapter.
func (s *MemStore) DeleteAll(_ context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, c)
	return nil
}

// Get returns the stored record for key, for test assertions.
func (s *MemStore) Get(c Collection, key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.collection(c)[key]
	return rec, ok
}

// Len returns the record count of a collection.
func (s *MemStore) Len(c Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collection(c))
}
