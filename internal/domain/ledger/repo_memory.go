package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu   sync.RWMutex
	rows map[InstanceKey]*memoryRow
	seq  int
}

type memoryRow struct {
	Instance
	seq int
}

// NewMemoryRepo returns a process-local Repository for tests and dev mode.
func NewMemoryRepo() Repository {
	return &memoryRepo{rows: make(map[InstanceKey]*memoryRow)}
}

func (m *memoryRepo) Upsert(_ context.Context, inst *Instance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[inst.InstanceKey]; ok {
		row.CallingAE = inst.CallingAE
		row.CalledAE = inst.CalledAE
		row.AccessionNumber = inst.AccessionNumber
		row.StoragePath = inst.StoragePath
		return true, nil
	}
	m.seq++
	row := &memoryRow{Instance: *inst, seq: m.seq}
	row.Sent = false
	row.AssociationCompleted = false
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	m.rows[inst.InstanceKey] = row
	return false, nil
}

func (m *memoryRepo) MarkAssociationComplete(_ context.Context, associationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, row := range m.rows {
		if k.AssociationID == associationID {
			row.AssociationCompleted = true
		}
	}
	return nil
}

func (m *memoryRepo) ListStudies(_ context.Context, associationID string) ([]StudyRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[StudyRef]bool)
	var items []StudyRef
	for k, row := range m.rows {
		if k.AssociationID != associationID {
			continue
		}
		ref := StudyRef{StudyUID: k.StudyUID, AccessionNumber: row.AccessionNumber}
		if !seen[ref] {
			seen[ref] = true
			items = append(items, ref)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].StudyUID != items[j].StudyUID {
			return items[i].StudyUID < items[j].StudyUID
		}
		return items[i].AccessionNumber < items[j].AccessionNumber
	})
	return items, nil
}

func (m *memoryRepo) ListInstances(_ context.Context, associationID, studyUID string) ([]InstanceRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []InstanceRef
	for k, row := range m.rows {
		if k.AssociationID == associationID && k.StudyUID == studyUID {
			items = append(items, InstanceRef{InstanceKey: k, StoragePath: row.StoragePath, Sent: row.Sent})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SeriesUID != items[j].SeriesUID {
			return items[i].SeriesUID < items[j].SeriesUID
		}
		return items[i].InstanceUID < items[j].InstanceUID
	})
	return items, nil
}

func (m *memoryRepo) MarkSent(_ context.Context, key InstanceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[key]; ok {
		row.Sent = true
	}
	return nil
}

func (m *memoryRepo) AnyUnsent(_ context.Context, associationID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, row := range m.rows {
		if k.AssociationID == associationID && !row.Sent {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryRepo) FindAssociations(_ context.Context, studyUID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	first := make(map[string]int)
	for k, row := range m.rows {
		if k.StudyUID != studyUID {
			continue
		}
		if s, ok := first[k.AssociationID]; !ok || row.seq < s {
			first[k.AssociationID] = row.seq
		}
	}
	ids := make([]string, 0, len(first))
	for id := range first {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return first[ids[i]] < first[ids[j]] })
	return ids, nil
}

func (m *memoryRepo) CountStudy(_ context.Context, studyUID, accession string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sent, unsent := 0, 0
	for k, row := range m.rows {
		if k.StudyUID != studyUID || row.AccessionNumber != accession {
			continue
		}
		if row.Sent {
			sent++
		} else {
			unsent++
		}
	}
	return sent, unsent, nil
}

func (m *memoryRepo) ResetSent(_ context.Context, associationID, studyUID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, row := range m.rows {
		if k.AssociationID == associationID && k.StudyUID == studyUID && row.Sent {
			row.Sent = false
			n++
		}
	}
	return n, nil
}
