package matching

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/telemetry"
)

// ErrCancelled is reported by Results.Err when the caller cancelled the
// query before the rows were exhausted.
var ErrCancelled = errors.New("matching: query cancelled")

type FindRequest struct {
	Level      dimse.Level
	Identifier dimse.Dataset
	// Cancelled may be nil.
	Cancelled func() bool
}

type Engine struct {
	store   Store
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewEngine(store Store, logger zerolog.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:   store,
		logger:  logger.With().Str("component", "matching").Logger(),
		metrics: metrics,
	}
}

// Find translates the identifier and opens a cursor over the matching rows.
// Attributes that cannot be matched are logged and dropped. Only a store
// failure is returned as an error.
func (e *Engine) Find(ctx context.Context, req FindRequest) (*Results, error) {
	built := Build(req.Identifier)
	for _, u := range built.Unsupported {
		e.logger.Warn().
			Str("keyword", u.Keyword).
			Str("reason", u.Reason).
			Str("level", string(req.Level)).
			Msg("query attribute dropped")
		e.metrics.UnsupportedKeyword(u.Keyword)
	}

	cur, err := e.store.Query(ctx, built.Predicates)
	if err != nil {
		e.logger.Error().Err(err).Msg("worklist query failed")
		return nil, apperr.PersistenceError("matching.find", err)
	}

	r := &Results{
		ctx:         ctx,
		cursor:      cur,
		req:         req,
		unsupported: built.Unsupported,
	}
	if req.Level == dimse.LevelPatient {
		r.patientName = exactPatientName(req.Identifier)
		r.seenPatients = make(map[string]bool)
	}
	return r, nil
}

// exactPatientName returns the PatientName value when it carries no
// wildcard, for the PATIENT level equality post-filter.
func exactPatientName(identifier dimse.Dataset) string {
	name := strings.TrimRight(identifier.String("PatientName"), "^= ")
	if name == "" || hasWildcard(name) {
		return ""
	}
	return name
}

// Results is a lazy cursor of response datasets. Cancellation is checked
// before each row is produced.
type Results struct {
	ctx         context.Context
	cursor      Cursor
	req         FindRequest
	unsupported []UnsupportedAttribute

	patientName  string
	seenPatients map[string]bool

	current dimse.Dataset
	err     error
	closed  bool
}

func (r *Results) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	for {
		if r.cancelled() {
			r.err = ErrCancelled
			r.Close()
			return false
		}
		if !r.cursor.Next() {
			if err := r.cursor.Err(); err != nil {
				r.err = apperr.PersistenceError("matching.next", err)
			}
			r.Close()
			return false
		}
		row, err := r.cursor.Row()
		if err != nil {
			r.err = apperr.PersistenceError("matching.scan", err)
			r.Close()
			return false
		}
		if !r.keep(row) {
			continue
		}
		r.current = ResponseDataset(r.req.Identifier, row)
		return true
	}
}

func (r *Results) cancelled() bool {
	if r.ctx != nil && r.ctx.Err() != nil {
		return true
	}
	return r.req.Cancelled != nil && r.req.Cancelled()
}

func (r *Results) keep(row Row) bool {
	if r.seenPatients == nil {
		return true
	}
	if r.patientName != "" && row.Get(FieldPatientName) != r.patientName {
		return false
	}
	id := row.Get(FieldPatientID)
	if r.seenPatients[id] {
		return false
	}
	r.seenPatients[id] = true
	return true
}

// Dataset returns the response for the current row.
func (r *Results) Dataset() dimse.Dataset { return r.current }

func (r *Results) Err() error { return r.err }

// Unsupported lists the identifier elements that were dropped.
func (r *Results) Unsupported() []UnsupportedAttribute { return r.unsupported }

func (r *Results) Close() error {
	if !r.closed {
		r.closed = true
		r.cursor.Close()
	}
	return nil
}

// ResponseDataset echoes the requested keywords, filled from row. A
// requested sequence gets a single item built from its first template item.
func ResponseDataset(identifier dimse.Dataset, row Row) dimse.Dataset {
	out := make(dimse.Dataset, len(identifier))
	for kw, v := range identifier {
		if !v.IsSequence() {
			out.Set(kw, responseValue(kw, v.Text, row))
			continue
		}
		item := dimse.Dataset{}
		if len(v.Items) > 0 {
			for child, cv := range v.Items[0] {
				if cv.IsSequence() {
					continue
				}
				item.Set(child, responseValue(child, cv.Text, row))
			}
		}
		out.SetSequence(kw, item)
	}
	return out
}

func responseValue(keyword, requested string, row Row) string {
	if a, ok := LookupAttribute(keyword); ok && a.Field != "" {
		return row.Get(a.Field)
	}
	return requested
}
