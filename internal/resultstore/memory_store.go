package resultstore

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/fraudlens/internal/fraud"
)

// MemoryStore is an in-memory store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*fraud.ScoreRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*fraud.ScoreRecord)}
}

func (m *MemoryStore) Record(_ context.Context, rec *fraud.ScoreRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrDuplicate
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*fraud.ScoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, limit int, opts ...ListOption) ([]*fraud.ScoreRecord, error) {
	limit = ClampLimit(limit)
	o := applyListOpts(opts)

	m.mu.RLock()
	result := make([]*fraud.ScoreRecord, 0, len(m.records))
	for _, rec := range m.records {
		if o.before.Admits(rec.ScoredAt, rec.ID) {
			result = append(result, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ScoredAt.Equal(result[j].ScoredAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].ScoredAt.After(result[j].ScoredAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	for i, rec := range result {
		result[i] = rec.Clone()
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
