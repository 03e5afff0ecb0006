// Package ledger records every DICOM instance received over an association
// and tracks whether it has been delivered to the remote archive.
package ledger

import "time"

// InstanceKey identifies one stored SOP instance within an association.
type InstanceKey struct {
	AssociationID string
	StudyUID      string
	SeriesUID     string
	InstanceUID   string
}

type Instance struct {
	InstanceKey
	CallingAE            string
	CalledAE             string
	AccessionNumber      string
	StoragePath          string
	Sent                 bool
	AssociationCompleted bool
	CreatedAt            time.Time
}

// StudyRef is one distinct (study, accession) pair within an association.
type StudyRef struct {
	StudyUID        string `json:"study_uid"`
	AccessionNumber string `json:"accession_number"`
}

// InstanceRef is what the push step needs to deliver one instance.
type InstanceRef struct {
	InstanceKey
	StoragePath string
	Sent        bool
}

// StudyProgress is the delivery state of a study over all associations.
type StudyProgress struct {
	Sent   int
	Unsent int
}

// Complete reports whether every stored instance of the study was delivered.
func (p StudyProgress) Complete() bool { return p.Sent > 0 && p.Unsent == 0 }
