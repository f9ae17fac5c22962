package audit

import (
	"context"
	"slices"
	"sync"

	"lexline/internal/domain"
)

type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]domain.AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string][]domain.AuditEvent{}}
}

func (m *MemoryStore) Head(_ context.Context, resourceID string) (domain.AuditEvent, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evts := m.events[resourceID]
	if len(evts) == 0 {
		return domain.AuditEvent{}, false, nil
	}
	return evts[len(evts)-1], true, nil
}

func (m *MemoryStore) Insert(_ context.Context, evt domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int64(len(m.events[evt.ResourceID]))+1 != evt.Seq {
		return ErrConflict
	}
	m.events[evt.ResourceID] = append(m.events[evt.ResourceID], evt)
	return nil
}

func (m *MemoryStore) Range(_ context.Context, resourceID string) ([]domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[resourceID]), nil
}
