package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"

	"lexline/internal/domain"
)

// TaskStore persists tasks and their subtasks. repo.Repo implements it over
// SQLite; MemoryStore is used when no database is configured.
type TaskStore interface {
	CreateTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, t domain.Task) error
	SaveSubtasks(ctx context.Context, taskID string, subtasks []domain.Subtask) error
}

var ErrTaskNotFound = errors.New("task not found")

type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]domain.Task
	subtasks map[string][]domain.Subtask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]domain.Task{}, subtasks: map[string][]domain.Subtask{}}
}

func (m *MemoryStore) CreateTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return errors.New("task already exists")
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *MemoryStore) SaveSubtasks(_ context.Context, taskID string, subtasks []domain.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	m.subtasks[taskID] = slices.Clone(subtasks)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (domain.Task, []domain.Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, nil, ErrTaskNotFound
	}
	return t, slices.Clone(m.subtasks[id]), nil
}
