package matching

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomrouter/router/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG queries work_list LEFT JOIN patient.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

var rowFields = []string{
	FieldPatientID, FieldPatientName, FieldBirthDate, FieldSex, FieldMRN,
	FieldStudyUID, FieldAccessionNumber, FieldModality, FieldStationAETitle,
	FieldReferringPhysician, FieldProcedureID, FieldProcedureDescription,
	FieldScheduledDate, FieldScheduledTime,
}

const worklistSelect = `SELECT w.patient_id, COALESCE(p.name, ''), COALESCE(p.birth_date, ''),
	COALESCE(p.sex, ''), COALESCE(p.mrn, ''), w.study_uid, w.accession_number, w.modality,
	w.scheduled_station_ae_title, w.referring_physician_name, w.requested_procedure_id,
	w.requested_procedure_description, w.scheduled_date, w.scheduled_time
	FROM work_list w LEFT JOIN patient p ON p.patient_id = w.patient_id`

func (s *storePG) Query(ctx context.Context, preds []Predicate) (Cursor, error) {
	where, args := BuildSQL(preds)
	rows, err := db.Conn(ctx, s.pool).Query(ctx, worklistSelect+" WHERE "+where+" ORDER BY w.id", args...)
	if err != nil {
		return nil, err
	}
	return &pgCursor{rows: rows}, nil
}

type pgCursor struct {
	rows pgx.Rows
}

func (c *pgCursor) Next() bool { return c.rows.Next() }

func (c *pgCursor) Row() (Row, error) {
	vals := make([]string, len(rowFields))
	dest := make([]interface{}, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := c.rows.Scan(dest...); err != nil {
		return Row{}, err
	}
	fields := make(map[string]string, len(rowFields))
	for i, f := range rowFields {
		fields[f] = vals[i]
	}
	return Row{Fields: fields}, nil
}

func (c *pgCursor) Err() error { return c.rows.Err() }
func (c *pgCursor) Close()     { c.rows.Close() }
