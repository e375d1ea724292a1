package datastore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Gateway fake used by tests (SPEC_FULL.md §8: no
// live-Postgres integration tests in this repository's suite). It applies
// the same Gemini-provider/active-status filtering as the Postgres
// implementation's SQL WHERE clauses.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	keys   map[int64]KeyRecord
	limits *Limits
}

// NewMemory builds an empty in-memory datastore, optionally seeded with
// initial key records.
func NewMemory(seed ...KeyRecord) *Memory {
	m := &Memory{keys: make(map[int64]KeyRecord)}
	for _, rec := range seed {
		m.nextID++
		if rec.ID == 0 {
			rec.ID = m.nextID
		}
		if rec.Status == "" {
			rec.Status = "active"
		}
		m.keys[rec.ID] = rec
	}
	return m
}

func (m *Memory) Close() {}

func (m *Memory) LoadKeys(ctx context.Context) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []KeyRecord
	for _, rec := range m.keys {
		if rec.Status == "active" && isGeminiProvider(rec.Provider) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) ListKeys(ctx context.Context) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []KeyRecord
	for _, rec := range m.keys {
		if isGeminiProvider(rec.Provider) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) LoadLimits(ctx context.Context) (Limits, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits == nil {
		return Limits{}, false, nil
	}
	return *m.limits, true, nil
}

func (m *Memory) SaveLimits(ctx context.Context, limits Limits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = &limits
	return nil
}

func (m *Memory) UpdateUsage(ctx context.Context, credential string, usageToday int, lastUsedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.keys {
		if rec.API == credential {
			rec.UsageToday = usageToday
			rec.LastUsedAt = lastUsedAt
			m.keys[id] = rec
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) RevealKey(ctx context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[id]
	if !ok {
		return "", ErrNotFound
	}
	return rec.API, nil
}

func (m *Memory) InsertKey(ctx context.Context, rec KeyRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.Status == "" {
		rec.Status = "active"
	}
	m.keys[rec.ID] = rec
	return rec.ID, nil
}

func (m *Memory) DeleteKey(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[id]; !ok {
		return ErrNotFound
	}
	delete(m.keys, id)
	return nil
}

func (m *Memory) UpdateKey(ctx context.Context, credential string, patch KeyPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.keys {
		if rec.API != credential {
			continue
		}
		if patch.Status != nil {
			rec.Status = *patch.Status
		}
		if patch.Model != nil {
			rec.Model = *patch.Model
		}
		if patch.Provider != nil {
			rec.Provider = *patch.Provider
		}
		m.keys[id] = rec
		return nil
	}
	return ErrNotFound
}
