package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It is also what tests use.
type Memory struct {
	mu        sync.Mutex
	whitelist []string
	settings  *Settings
	slots     SlotCache
	audit     []AuditEntry
	dedup     map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{dedup: map[string]time.Time{}}
}

func (m *Memory) Whitelist(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.whitelist...), nil
}

func (m *Memory) SetWhitelist(ctx context.Context, list []string) error {
	m.mu.Lock()
	m.whitelist = NormalizeWhitelist(list)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Settings(ctx context.Context) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return DefaultSettings(), nil
	}
	return *m.settings, nil
}

func (m *Memory) SetSettings(ctx context.Context, s Settings) error {
	m.mu.Lock()
	m.settings = &s
	m.mu.Unlock()
	return nil
}

func (m *Memory) SlotCache(ctx context.Context) (SlotCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots.Clone(), nil
}

func (m *Memory) SaveSlotCache(ctx context.Context, c SlotCache) error {
	m.mu.Lock()
	m.slots = c.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the recorded audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.dedup[key]
	return t, ok, nil
}

func (m *Memory) Close() error { return nil }
