package saga

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomrouter/router/internal/platform/db"
)

type stateRepoPG struct{ pool *pgxpool.Pool }

func NewStateRepoPG(pool *pgxpool.Pool) StateRepository {
	return &stateRepoPG{pool: pool}
}

func (r *stateRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const stateKeyWhere = `patient_id = $1 AND study_uid = $2 AND accession_number = $3`

const stateCols = `patient_id, study_uid, accession_number, COALESCE(remote_record_id, ''), status,
	count_success, count_failed, last_error, created_at, updated_at`

func (r *stateRepoPG) Begin(ctx context.Context, key StateKey) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO integration_state (patient_id, study_uid, accession_number, status)
		VALUES ($1, $2, $3, 'PENDING')
		ON CONFLICT (patient_id, study_uid, accession_number) DO UPDATE SET
			status = 'PENDING', updated_at = NOW()`,
		key.PatientID, key.StudyUID, key.AccessionNumber)
	return err
}

func (r *stateRepoPG) SetRecordID(ctx context.Context, key StateKey, recordID string) error {
	return r.update(ctx, `remote_record_id = $4`, key, recordID)
}

func (r *stateRepoPG) Finish(ctx context.Context, key StateKey, status Status, success, failed int, lastError string) error {
	return r.update(ctx, `status = $4, count_success = $5, count_failed = $6, last_error = $7`,
		key, string(status), success, failed, lastError)
}

func (r *stateRepoPG) Fail(ctx context.Context, key StateKey, lastError string) error {
	return r.update(ctx, `status = 'FAILED', last_error = $4`, key, lastError)
}

func (r *stateRepoPG) update(ctx context.Context, set string, key StateKey, args ...interface{}) error {
	all := append([]interface{}{key.PatientID, key.StudyUID, key.AccessionNumber}, args...)
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE integration_state SET `+set+`, updated_at = NOW() WHERE `+stateKeyWhere, all...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateNotFound
	}
	return nil
}

func (r *stateRepoPG) Get(ctx context.Context, key StateKey) (*State, error) {
	s, err := scanState(r.conn(ctx).QueryRow(ctx,
		`SELECT `+stateCols+` FROM integration_state WHERE `+stateKeyWhere,
		key.PatientID, key.StudyUID, key.AccessionNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	return s, err
}

func (r *stateRepoPG) ListByStudy(ctx context.Context, studyUID string) ([]*State, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+stateCols+` FROM integration_state WHERE study_uid = $1 ORDER BY updated_at DESC`, studyUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanState(row pgx.Row) (*State, error) {
	var s State
	var status string
	err := row.Scan(&s.PatientID, &s.StudyUID, &s.AccessionNumber, &s.RemoteRecordID, &status,
		&s.CountSuccess, &s.CountFailed, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}
