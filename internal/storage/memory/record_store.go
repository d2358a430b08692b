package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/robustfetch/internal/storage"
)

// RecordStore provides an in-memory record store for development and tests.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]storage.Record
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]storage.Record)}
}

// Save inserts or replaces a record.
func (s *RecordStore) Save(_ context.Context, rec storage.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Get fetches a record by ID.
func (s *RecordStore) Get(_ context.Context, id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}
