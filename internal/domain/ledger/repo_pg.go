package ledger

import (
	"context"

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

const keyWhere = `association_id = $1 AND study_uid = $2 AND series_uid = $3 AND instance_uid = $4`

func (r *repoPG) Upsert(ctx context.Context, inst *Instance) (bool, error) {
	var duplicate bool
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE dicom_instance SET calling_ae = $5, called_ae = $6, accession_number = $7,
				storage_path = $8, updated_at = NOW()
			WHERE `+keyWhere,
			inst.AssociationID, inst.StudyUID, inst.SeriesUID, inst.InstanceUID,
			inst.CallingAE, inst.CalledAE, inst.AccessionNumber, inst.StoragePath)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			duplicate = true
			return nil
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO dicom_instance (association_id, study_uid, series_uid, instance_uid,
				calling_ae, called_ae, accession_number, storage_path, sent, association_completed)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0)`,
			inst.AssociationID, inst.StudyUID, inst.SeriesUID, inst.InstanceUID,
			inst.CallingAE, inst.CalledAE, inst.AccessionNumber, inst.StoragePath)
		return err
	})
	return duplicate, err
}

func (r *repoPG) MarkAssociationComplete(ctx context.Context, associationID string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE dicom_instance SET association_completed = 1, updated_at = NOW()
		WHERE association_id = $1 AND association_completed = 0`, associationID)
	return err
}

func (r *repoPG) ListStudies(ctx context.Context, associationID string) ([]StudyRef, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT study_uid, accession_number FROM dicom_instance
		WHERE association_id = $1 ORDER BY study_uid, accession_number`, associationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []StudyRef
	for rows.Next() {
		var s StudyRef
		if err := rows.Scan(&s.StudyUID, &s.AccessionNumber); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) ListInstances(ctx context.Context, associationID, studyUID string) ([]InstanceRef, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT series_uid, instance_uid, storage_path, sent FROM dicom_instance
		WHERE association_id = $1 AND study_uid = $2
		ORDER BY series_uid, instance_uid`, associationID, studyUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []InstanceRef
	for rows.Next() {
		ref := InstanceRef{InstanceKey: InstanceKey{AssociationID: associationID, StudyUID: studyUID}}
		var sent int16
		if err := rows.Scan(&ref.SeriesUID, &ref.InstanceUID, &ref.StoragePath, &sent); err != nil {
			return nil, err
		}
		ref.Sent = sent == 1
		items = append(items, ref)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkSent(ctx context.Context, key InstanceKey) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE dicom_instance SET sent = 1, updated_at = NOW()
		WHERE `+keyWhere,
		key.AssociationID, key.StudyUID, key.SeriesUID, key.InstanceUID)
	return err
}

func (r *repoPG) AnyUnsent(ctx context.Context, associationID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dicom_instance WHERE association_id = $1 AND sent = 0)`,
		associationID).Scan(&exists)
	return exists, err
}

func (r *repoPG) FindAssociations(ctx context.Context, studyUID string) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT association_id FROM dicom_instance WHERE study_uid = $1
		GROUP BY association_id ORDER BY MIN(created_at)`, studyUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) CountStudy(ctx context.Context, studyUID, accession string) (int, int, error) {
	var sent, unsent int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE sent = 1), COUNT(*) FILTER (WHERE sent = 0)
		FROM dicom_instance WHERE study_uid = $1 AND accession_number = $2`,
		studyUID, accession).Scan(&sent, &unsent)
	return sent, unsent, err
}

func (r *repoPG) ResetSent(ctx context.Context, associationID, studyUID string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dicom_instance SET sent = 0, updated_at = NOW()
		WHERE association_id = $1 AND study_uid = $2 AND sent = 1`, associationID, studyUID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
