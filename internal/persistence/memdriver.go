package persistence

import (
	"context"
	"sync"
)

// MemDriver is the development/testing Driver implementation — in-memory,
// matching the signaling service's own "in-memory (default, for
// development)" store convention.
type MemDriver struct {
	mu      sync.Mutex
	records map[string]Record // call-id -> record
}

// NewMemDriver constructs an empty in-memory driver.
func NewMemDriver() *MemDriver {
	return &MemDriver{records: make(map[string]Record)}
}

func (m *MemDriver) LoadAll(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemDriver) Store(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.CallID] = r
	return nil
}

func (m *MemDriver) Update(ctx context.Context, r Record) error {
	return m.Store(ctx, r)
}

func (m *MemDriver) Remove(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, callID)
	return nil
}

func (m *MemDriver) Close() error { return nil }

// Len reports the current record count, for tests and RPC diagnostics.
func (m *MemDriver) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
