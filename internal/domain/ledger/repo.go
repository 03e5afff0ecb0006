package ledger

import "context"

type Repository interface {
	// Upsert inserts inst, or overwrites the row with the same key and
	// reports duplicate=true. An existing sent flag is kept.
	Upsert(ctx context.Context, inst *Instance) (duplicate bool, err error)
	MarkAssociationComplete(ctx context.Context, associationID string) error
	ListStudies(ctx context.Context, associationID string) ([]StudyRef, error)
	// ListInstances orders by series UID, then instance UID.
	ListInstances(ctx context.Context, associationID, studyUID string) ([]InstanceRef, error)
	MarkSent(ctx context.Context, key InstanceKey) error
	AnyUnsent(ctx context.Context, associationID string) (bool, error)
	FindAssociations(ctx context.Context, studyUID string) ([]string, error)
	// CountStudy counts the instances of one study across every association.
	CountStudy(ctx context.Context, studyUID, accession string) (sent, unsent int, err error)
	ResetSent(ctx context.Context, associationID, studyUID string) (int64, error)
}
