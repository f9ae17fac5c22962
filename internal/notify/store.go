package notify

import (
	"context"
	"errors"
	"sync"

	"lexline/internal/domain"
)

var ErrNotFound = errors.New("notification not found")

// Store persists notifications. Broadcasts (empty TargetID) are visible to
// every target and track read state per target.
type Store interface {
	SaveNotification(ctx context.Context, n domain.Notification) error
	ListUnread(ctx context.Context, targetID string) ([]domain.Notification, error)
	MarkRead(ctx context.Context, targetID, id string) error
}

type MemoryStore struct {
	mu    sync.Mutex
	items []domain.Notification
	reads map[string]map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reads: map[string]map[string]bool{}}
}

func (m *MemoryStore) SaveNotification(_ context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

func (m *MemoryStore) ListUnread(_ context.Context, targetID string) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Notification{}
	for _, n := range m.items {
		if n.TargetID != "" && n.TargetID != targetID {
			continue
		}
		if n.Read || m.reads[n.ID][targetID] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, targetID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.items {
		if n.ID != id {
			continue
		}
		switch n.TargetID {
		case "":
			if m.reads[id] == nil {
				m.reads[id] = map[string]bool{}
			}
			m.reads[id][targetID] = true
		case targetID:
			m.items[i].Read = true
		default:
			return ErrNotFound
		}
		return nil
	}
	return ErrNotFound
}
