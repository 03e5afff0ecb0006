package worklist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dicomrouter/router/internal/domain/matching"
)

type memoryRepo struct {
	mu       sync.RWMutex
	patients map[string]*Patient
	entries  map[string]*Entry
	nextID   int64
	store    *matching.MemoryStore
}

// NewMemoryRepo returns a process-local Repository. When store is not nil
// every saved entry is published to it so worklist queries see it.
func NewMemoryRepo(store *matching.MemoryStore) Repository {
	return &memoryRepo{
		patients: make(map[string]*Patient),
		entries:  make(map[string]*Entry),
		store:    store,
	}
}

func (m *memoryRepo) Save(_ context.Context, p *Patient, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()

	p.UpdatedAt = now
	pc := *p
	m.patients[p.PatientID] = &pc

	if existing, ok := m.entries[e.StudyUID]; ok {
		e.ID = existing.ID
	} else {
		m.nextID++
		e.ID = m.nextID
	}
	e.SentStatus = 0
	e.UpdatedAt = now
	ec := *e
	m.entries[e.StudyUID] = &ec

	if m.store != nil {
		m.store.Put(ec.MatchingRow(&pc))
	}
	return nil
}

func (m *memoryRepo) GetPatient(_ context.Context, patientID string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	pc := *p
	return &pc, nil
}

func (m *memoryRepo) GetByStudyUID(_ context.Context, studyUID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[studyUID]
	if !ok {
		return nil, ErrNotFound
	}
	ec := *e
	return &ec, nil
}

func (m *memoryRepo) ListByAccession(_ context.Context, accession string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []*Entry
	for _, e := range m.entries {
		if e.AccessionNumber == accession {
			ec := *e
			items = append(items, &ec)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}
