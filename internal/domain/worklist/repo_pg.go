package worklist

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomrouter/router/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, accession_number, study_uid, patient_id, modality, scheduled_station_ae_title,
	referring_physician_name, requested_procedure_id, requested_procedure_description,
	scheduled_date, scheduled_time, sent_status, updated_at`

func (r *repoPG) Save(ctx context.Context, p *Patient, e *Entry) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO patient (patient_id, mrn, name, birth_date, sex)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (patient_id) DO UPDATE SET
				mrn = EXCLUDED.mrn, name = EXCLUDED.name, birth_date = EXCLUDED.birth_date,
				sex = EXCLUDED.sex, updated_at = NOW()
			RETURNING updated_at`,
			p.PatientID, p.MRN, p.Name, p.BirthDate, p.Sex).Scan(&p.UpdatedAt)
		if err != nil {
			return err
		}
		return r.conn(ctx).QueryRow(ctx, `
			INSERT INTO work_list (accession_number, study_uid, patient_id, modality,
				scheduled_station_ae_title, referring_physician_name, requested_procedure_id,
				requested_procedure_description, scheduled_date, scheduled_time, sent_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
			ON CONFLICT (study_uid) DO UPDATE SET
				accession_number = EXCLUDED.accession_number, patient_id = EXCLUDED.patient_id,
				modality = EXCLUDED.modality, scheduled_station_ae_title = EXCLUDED.scheduled_station_ae_title,
				referring_physician_name = EXCLUDED.referring_physician_name,
				requested_procedure_id = EXCLUDED.requested_procedure_id,
				requested_procedure_description = EXCLUDED.requested_procedure_description,
				scheduled_date = EXCLUDED.scheduled_date, scheduled_time = EXCLUDED.scheduled_time,
				sent_status = 0, updated_at = NOW()
			RETURNING id, updated_at`,
			e.AccessionNumber, e.StudyUID, e.PatientID, e.Modality, e.StationAETitle,
			e.ReferringPhysician, e.ProcedureID, e.ProcedureDescription,
			e.ScheduledDate, e.ScheduledTime).Scan(&e.ID, &e.UpdatedAt)
	})
}

func (r *repoPG) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT patient_id, mrn, name, birth_date, sex, updated_at
		FROM patient WHERE patient_id = $1`, patientID).
		Scan(&p.PatientID, &p.MRN, &p.Name, &p.BirthDate, &p.Sex, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetByStudyUID(ctx context.Context, studyUID string) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+entryCols+` FROM work_list WHERE study_uid = $1`, studyUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) ListByAccession(ctx context.Context, accession string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM work_list WHERE accession_number = $1 ORDER BY id`, accession)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.AccessionNumber, &e.StudyUID, &e.PatientID, &e.Modality,
		&e.StationAETitle, &e.ReferringPhysician, &e.ProcedureID, &e.ProcedureDescription,
		&e.ScheduledDate, &e.ScheduledTime, &e.SentStatus, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
