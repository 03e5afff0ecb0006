// Package matching translates DICOM C-FIND identifiers into predicates over
// the worklist and patient tables and streams the matching rows back as
// response datasets.
package matching

import "fmt"

// Kind is the value representation class that decides the matching mode.
type Kind int

const (
	KindText Kind = iota
	KindPersonName
	KindDate
	KindTime
	KindUID
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPersonName:
		return "person-name"
	case KindDate:
		return "date"
	case KindTime:
		return "time"
	case KindUID:
		return "uid"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Row field names. Stores key rows by these names.
const (
	FieldPatientID            = "patient_id"
	FieldPatientName          = "patient_name"
	FieldBirthDate            = "birth_date"
	FieldSex                  = "sex"
	FieldMRN                  = "mrn"
	FieldStudyUID             = "study_uid"
	FieldAccessionNumber      = "accession_number"
	FieldModality             = "modality"
	FieldStationAETitle       = "scheduled_station_ae_title"
	FieldReferringPhysician   = "referring_physician_name"
	FieldProcedureID          = "requested_procedure_id"
	FieldProcedureDescription = "requested_procedure_description"
	FieldScheduledDate        = "scheduled_date"
	FieldScheduledTime        = "scheduled_time"
)

// Attribute maps a DICOM keyword onto a row field and the SQL expression
// that reads it. Instance attributes have no row field; they are matched
// against the instance ledger instead.
type Attribute struct {
	Keyword string
	Field   string
	Column  string
	Kind    Kind
	// InstanceColumn is set for series/instance UIDs, which live in
	// dicom_instance rather than the worklist.
	InstanceColumn string
}

var attributes = []Attribute{
	{Keyword: "PatientID", Field: FieldPatientID, Column: "w.patient_id", Kind: KindText},
	{Keyword: "PatientName", Field: FieldPatientName, Column: "COALESCE(p.name, '')", Kind: KindPersonName},
	{Keyword: "PatientBirthDate", Field: FieldBirthDate, Column: "COALESCE(p.birth_date, '')", Kind: KindDate},
	{Keyword: "PatientSex", Field: FieldSex, Column: "COALESCE(p.sex, '')", Kind: KindText},
	{Keyword: "StudyInstanceUID", Field: FieldStudyUID, Column: "w.study_uid", Kind: KindUID},
	{Keyword: "SeriesInstanceUID", Column: "w.study_uid", Kind: KindUID, InstanceColumn: "series_uid"},
	{Keyword: "SOPInstanceUID", Column: "w.study_uid", Kind: KindUID, InstanceColumn: "instance_uid"},
	{Keyword: "AccessionNumber", Field: FieldAccessionNumber, Column: "w.accession_number", Kind: KindText},
	{Keyword: "Modality", Field: FieldModality, Column: "w.modality", Kind: KindText},
	{Keyword: "ScheduledStationAETitle", Field: FieldStationAETitle, Column: "w.scheduled_station_ae_title", Kind: KindText},
	{Keyword: "ReferringPhysicianName", Field: FieldReferringPhysician, Column: "w.referring_physician_name", Kind: KindPersonName},
	{Keyword: "RequestedProcedureID", Field: FieldProcedureID, Column: "w.requested_procedure_id", Kind: KindText},
	{Keyword: "RequestedProcedureDescription", Field: FieldProcedureDescription, Column: "w.requested_procedure_description", Kind: KindText},
	{Keyword: "ScheduledProcedureStepStartDate", Field: FieldScheduledDate, Column: "w.scheduled_date", Kind: KindDate},
	{Keyword: "StudyDate", Field: FieldScheduledDate, Column: "w.scheduled_date", Kind: KindDate},
	{Keyword: "ScheduledProcedureStepStartTime", Field: FieldScheduledTime, Column: "w.scheduled_time", Kind: KindTime},
	{Keyword: "StudyTime", Field: FieldScheduledTime, Column: "w.scheduled_time", Kind: KindTime},
}

var byKeyword = buildAttributeIndex(attributes)

func buildAttributeIndex(attrs []Attribute) map[string]Attribute {
	idx := make(map[string]Attribute, len(attrs))
	for _, a := range attrs {
		if _, dup := idx[a.Keyword]; dup {
			panic(fmt.Sprintf("matching: duplicate attribute %s", a.Keyword))
		}
		if a.Column == "" || (a.Field == "" && a.InstanceColumn == "") {
			panic(fmt.Sprintf("matching: attribute %s has no column", a.Keyword))
		}
		idx[a.Keyword] = a
	}
	return idx
}

// LookupAttribute returns the table entry for keyword.
func LookupAttribute(keyword string) (Attribute, bool) {
	a, ok := byKeyword[keyword]
	return a, ok
}

// Attributes returns a copy of the attribute table.
func Attributes() []Attribute {
	return append([]Attribute(nil), attributes...)
}
