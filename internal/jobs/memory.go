package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryStore is a mutex-guarded map. Records live for the process lifetime
// unless pruned.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, id)
	}
	now := m.now()
	m.jobs[id] = &Job{ID: id, Status: StatusProcessing, Message: msgProcessing, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, id, outputName string) {
	m.transition(id, StatusCompleted, msgCompleted, outputName)
}

func (m *MemoryStore) Fail(_ context.Context, id, message string) {
	m.transition(id, StatusFailed, message, "")
}

func (m *MemoryStore) transition(id string, to Status, message, outputName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		log.Warn().Str("job_id", id).Str("to", string(to)).Msg("transition for unknown job ignored")
		return
	}
	if j.Status != StatusProcessing {
		log.Warn().Str("job_id", id).Str("from", string(j.Status)).Str("to", string(to)).Msg("job already settled; transition ignored")
		return
	}
	j.Status = to
	j.Message = message
	j.OutputName = outputName
	j.UpdatedAt = m.now()
}

func (m *MemoryStore) Get(_ context.Context, id string) (Job, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false, nil
	}
	return *j, true, nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked jobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func (m *MemoryStore) Close() error { return nil }
