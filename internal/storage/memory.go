package storage

import (
	"context"
	"sync"

	"pr-hostdata-cache/internal/domain"
)

// MemoryBackend keeps entries in process memory only.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[domain.Kind]map[string]Entry
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[domain.Kind]map[string]Entry)}
}

func (m *MemoryBackend) Mode() Mode { return ModeMemory }

func (m *MemoryBackend) Put(_ context.Context, kind domain.Kind, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.entries[kind]
	if !ok {
		byID = make(map[string]Entry)
		m.entries[kind] = byID
	}
	entry.Data = append([]byte(nil), entry.Data...)
	byID[entry.ID] = entry
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, kind domain.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries[kind], id)
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, kind domain.Kind) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries[kind]))
	for _, e := range m.entries[kind] {
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, kind domain.Kind, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries[kind] {
		if e.ExpiresAt <= now {
			delete(m.entries[kind], id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryBackend) Clear(_ context.Context, kind domain.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, kind)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
