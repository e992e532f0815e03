package store

import (
	"context"
	"sync"
)

// Memory is a Backend that keeps nothing across restarts. Used for ephemeral runs and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	lastID  int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Records: append([]Record(nil), m.records...), LastID: m.lastID}, nil
}

func (m *Memory) Insert(_ context.Context, rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NameKey(rec.Name)
	for _, r := range m.records {
		if NameKey(r.Name) == key {
			return 0, ErrDuplicateName
		}
	}
	m.lastID++
	rec.ID = m.lastID
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

func (m *Memory) Close() error { return nil }
