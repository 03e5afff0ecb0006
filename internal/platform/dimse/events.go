package dimse

import "io"

// Association identifies the DICOM association an event belongs to.
type Association struct {
	// ID is stable for the lifetime of the association ("name#native-id").
	ID        string
	CallingAE string
	CalledAE  string
}

// StoreEvent is raised for each C-STORE request. Data is the complete
// Part 10 encoding (preamble, file meta and dataset) ready to be written.
type StoreEvent struct {
	Association    Association
	SOPClassUID    string
	SOPInstanceUID string
	// Identifier carries the decoded top-level attributes of the instance
	// (StudyInstanceUID, SeriesInstanceUID, AccessionNumber, PatientID, ...).
	Identifier Dataset
	Data       io.Reader
}

// Level is the C-FIND query/retrieve level.
type Level string

const (
	LevelPatient  Level = "PATIENT"
	LevelStudy    Level = "STUDY"
	LevelSeries   Level = "SERIES"
	LevelImage    Level = "IMAGE"
	LevelWorklist Level = "WORKLIST"
)

// FindEvent is raised for each C-FIND request.
type FindEvent struct {
	Association Association
	Level       Level
	Identifier  Dataset
	// Cancelled reports whether a C-CANCEL arrived for this request. It may
	// be nil when the engine does not support cancellation.
	Cancelled func() bool
}

// EchoEvent is raised for each C-ECHO request.
type EchoEvent struct {
	Association Association
}

// ReleaseEvent is raised once an association is released.
type ReleaseEvent struct {
	Association Association
}

// FindResponse is one element of a C-FIND response stream.
type FindResponse struct {
	Status  Status
	Dataset Dataset
}

// FindResponses is a pull-based C-FIND response stream. Next advances to
// the next response and returns false once the final (non-pending) status
// has been consumed. Close releases the underlying cursor and is safe to
// call more than once.
type FindResponses interface {
	Next() bool
	Response() FindResponse
	Close() error
}
