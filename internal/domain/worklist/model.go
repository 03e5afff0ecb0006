// Package worklist stores the patients and scheduled procedures the RIS
// sends as FHIR ServiceRequests. Modality Worklist queries read them back
// through the matching engine.
package worklist

import (
	"time"

	"github.com/dicomrouter/router/internal/domain/matching"
)

type Patient struct {
	PatientID string    `json:"patient_id"`
	MRN       string    `json:"mrn"`
	Name      string    `json:"name"`
	BirthDate string    `json:"birth_date,omitempty"`
	Sex       string    `json:"sex,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one scheduled procedure step. Dates and times are DICOM DA/TM
// text (YYYYMMDD, HHMMSS).
type Entry struct {
	ID                   int64     `json:"id"`
	AccessionNumber      string    `json:"accession_number"`
	StudyUID             string    `json:"study_uid"`
	PatientID            string    `json:"patient_id"`
	Modality             string    `json:"modality"`
	StationAETitle       string    `json:"scheduled_station_ae_title"`
	ReferringPhysician   string    `json:"referring_physician_name"`
	ProcedureID          string    `json:"requested_procedure_id"`
	ProcedureDescription string    `json:"requested_procedure_description"`
	ScheduledDate        string    `json:"scheduled_date"`
	ScheduledTime        string    `json:"scheduled_time"`
	SentStatus           int       `json:"sent_status"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// MatchingRow flattens the entry and its patient into a matching row.
func (e *Entry) MatchingRow(p *Patient) matching.Row {
	fields := map[string]string{
		matching.FieldPatientID:            e.PatientID,
		matching.FieldStudyUID:             e.StudyUID,
		matching.FieldAccessionNumber:      e.AccessionNumber,
		matching.FieldModality:             e.Modality,
		matching.FieldStationAETitle:       e.StationAETitle,
		matching.FieldReferringPhysician:   e.ReferringPhysician,
		matching.FieldProcedureID:          e.ProcedureID,
		matching.FieldProcedureDescription: e.ProcedureDescription,
		matching.FieldScheduledDate:        e.ScheduledDate,
		matching.FieldScheduledTime:        e.ScheduledTime,
	}
	if p != nil {
		fields[matching.FieldPatientName] = p.Name
		fields[matching.FieldBirthDate] = p.BirthDate
		fields[matching.FieldSex] = p.Sex
		fields[matching.FieldMRN] = p.MRN
	}
	return matching.Row{Fields: fields}
}
