package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

type stateRepoMemory struct {
	mu     sync.RWMutex
	states map[StateKey]*State
}

// NewMemoryStateRepo returns a process-local StateRepository.
func NewMemoryStateRepo() StateRepository {
	return &stateRepoMemory{states: make(map[StateKey]*State)}
}

func (m *stateRepoMemory) Begin(_ context.Context, key StateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if s, ok := m.states[key]; ok {
		s.Status = StatusPending
		s.UpdatedAt = now
		return nil
	}
	m.states[key] = &State{StateKey: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *stateRepoMemory) SetRecordID(_ context.Context, key StateKey, recordID string) error {
	return m.update(key, func(s *State) { s.RemoteRecordID = recordID })
}

func (m *stateRepoMemory) Finish(_ context.Context, key StateKey, status Status, success, failed int, lastError string) error {
	return m.update(key, func(s *State) {
		s.Status = status
		s.CountSuccess = success
		s.CountFailed = failed
		s.LastError = lastError
	})
}

func (m *stateRepoMemory) Fail(_ context.Context, key StateKey, lastError string) error {
	return m.update(key, func(s *State) {
		s.Status = StatusFailed
		s.LastError = lastError
	})
}

func (m *stateRepoMemory) update(key StateKey, fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		return ErrStateNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *stateRepoMemory) Get(_ context.Context, key StateKey) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *stateRepoMemory) ListByStudy(_ context.Context, studyUID string) ([]*State, error) {
	m.mu.RLock()
	var out []*State
	for _, s := range m.states {
		if s.StudyUID == studyUID {
			cp := *s
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}
