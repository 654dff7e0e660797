package queue

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	stored := job.Clone()
	stored.Log = []string{}
	m.jobs[job.ID] = stored
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status.IsTerminal() {
		return ErrTerminal
	}
	next := job.Clone()
	next.Log = current.Log
	m.jobs[job.ID] = next
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if current.Status.IsTerminal() {
		return ErrTerminal
	}
	current.Log = append(current.Log, line)
	return nil
}

func (m *MemoryStore) List(_ context.Context, statuses ...Status) ([]*Job, error) {
	filter := statusFilter(statuses)
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter != nil {
			if _, ok := filter[job.Status]; !ok {
				continue
			}
		}
		out = append(out, job.Clone())
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
