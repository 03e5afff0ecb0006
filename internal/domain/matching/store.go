package matching

import (
	"context"
	"strings"
	"sync"
)

// Store runs predicates against the worklist join.
type Store interface {
	Query(ctx context.Context, preds []Predicate) (Cursor, error)
}

// Cursor is a forward-only row iterator. Close is idempotent.
type Cursor interface {
	Next() bool
	Row() (Row, error)
	Err() error
	Close()
}

// BuildSQL renders preds as a WHERE clause over the worklist join.
func BuildSQL(preds []Predicate) (string, []interface{}) {
	var args argList
	var b strings.Builder
	b.WriteString("1=1")
	for _, p := range preds {
		b.WriteString(" AND ")
		b.WriteString(p.SQL(&args))
	}
	return b.String(), args.args
}

// MemoryStore evaluates predicates in process. Rows are kept in insertion
// order and replaced by study UID.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []Row
}

func NewMemoryStore(rows ...Row) *MemoryStore {
	s := &MemoryStore{}
	for _, r := range rows {
		s.Put(r)
	}
	return s
}

// Put inserts row, replacing an existing row with the same study UID.
func (s *MemoryStore) Put(row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := row.Get(FieldStudyUID)
	for i := range s.rows {
		if uid != "" && s.rows[i].Get(FieldStudyUID) == uid {
			s.rows[i] = row
			return
		}
	}
	s.rows = append(s.rows, row)
}

// AddInstance records that an instance of studyUID exists so series and
// SOP instance UID predicates can match it.
func (s *MemoryStore) AddInstance(studyUID, seriesUID, instanceUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].Get(FieldStudyUID) == studyUID {
			s.rows[i].SeriesUIDs = append(s.rows[i].SeriesUIDs, seriesUID)
			s.rows[i].InstanceUIDs = append(s.rows[i].InstanceUIDs, instanceUID)
		}
	}
}

func (s *MemoryStore) Query(_ context.Context, preds []Predicate) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, r := range s.rows {
		if matchAll(preds, r) {
			out = append(out, r)
		}
	}
	return &sliceCursor{rows: out, pos: -1}, nil
}

func matchAll(preds []Predicate, r Row) bool {
	for _, p := range preds {
		if !p.Match(r) {
			return false
		}
	}
	return true
}

type sliceCursor struct {
	rows []Row
	pos  int
}

func (c *sliceCursor) Next() bool {
	if c.pos+1 >= len(c.rows) {
		c.pos = len(c.rows)
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Row() (Row, error) { return c.rows[c.pos], nil }
func (c *sliceCursor) Err() error        { return nil }
func (c *sliceCursor) Close()            {}
