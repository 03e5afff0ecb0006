package worklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
	"github.com/dicomrouter/router/internal/platform/fhir"
)

type Service struct {
	repo   Repository
	orgID  string
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, orgID string, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		orgID:  orgID,
		logger: logger.With().Str("component", "worklist").Logger(),
		now:    time.Now,
	}
}

// IngestServiceRequest validates an imaging order, upserts its patient and
// worklist entry and returns the order with the study UID identifier
// appended and its id set to the worklist entry id.
func (s *Service) IngestServiceRequest(ctx context.Context, sr *fhir.ServiceRequest) (*fhir.ServiceRequest, error) {
	const op = "worklist.ingest"

	patient, err := s.extractPatient(sr)
	if err != nil {
		return nil, err
	}
	entry, err := s.extractEntry(sr, patient.PatientID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, patient, entry); err != nil {
		s.logger.Error().Err(err).Str("study_uid", entry.StudyUID).Msg("worklist save failed")
		return nil, apperr.PersistenceError(op, err)
	}
	s.logger.Info().
		Str("study_uid", entry.StudyUID).
		Str("accession_number", entry.AccessionNumber).
		Str("patient_id", entry.PatientID).
		Str("modality", entry.Modality).
		Msg("worklist entry saved")

	out := *sr
	out.ResourceType = "ServiceRequest"
	out.ID = fmt.Sprintf("%d", entry.ID)
	out.Identifier = append([]fhir.Identifier(nil), sr.Identifier...)
	if sr.StudyUID() == "" {
		out.Identifier = append(out.Identifier, fhir.StudyUIDIdentifier(entry.StudyUID))
	}
	return &out, nil
}

func (s *Service) extractPatient(sr *fhir.ServiceRequest) (*Patient, error) {
	const op = "worklist.ingest"
	contained, err := sr.ContainedPatient()
	if err != nil {
		return nil, apperr.ValidationError(op, fmt.Sprintf("Error parsing 'contained' element: %v", err))
	}
	if contained == nil {
		return nil, apperr.ValidationError(op, "contained element must have Patient resourceType")
	}

	p := &Patient{PatientID: contained.ID}
	if len(contained.Name) > 0 {
		p.Name = contained.Name[0].Display()
	}
	if p.Name == "" {
		return nil, apperr.ValidationError(op, "Patient name is empty")
	}
	p.MRN = fhir.IdentifierBySystem(contained.Identifier, fhir.SystemMRNPrefix+s.orgID)
	if p.MRN == "" {
		return nil, apperr.ValidationError(op, "Patient mrn is empty")
	}
	switch contained.Gender {
	case "male":
		p.Sex = "M"
	case "female":
		p.Sex = "F"
	}
	if contained.BirthDate != "" {
		bd, err := time.Parse("2006-01-02", contained.BirthDate)
		if err != nil {
			return nil, apperr.ValidationError(op, fmt.Sprintf("Cannot parse patient birthDate: %v", err))
		}
		p.BirthDate = bd.Format("20060102")
	}
	return p, nil
}

func (s *Service) extractEntry(sr *fhir.ServiceRequest, patientID string) (*Entry, error) {
	const op = "worklist.ingest"
	e := &Entry{PatientID: patientID}

	e.AccessionNumber = fhir.IdentifierBySystem(sr.Identifier, fhir.SystemACSNPrefix+s.orgID)
	if e.AccessionNumber == "" {
		return nil, apperr.ValidationError(op, "Accession number is empty")
	}

	ref := sr.Subject.ID()
	if ref == "" {
		return nil, apperr.ValidationError(op, "Cannot parse subject reference")
	}
	if ref != patientID {
		return nil, apperr.ValidationError(op, "Patient id mismatch")
	}

	if c, ok := sr.OrderDetailCoding(fhir.SystemDCM); ok {
		e.Modality = c.Code
	}
	if c, ok := sr.OrderDetailCoding(fhir.SystemAETitle); ok {
		e.StationAETitle = c.Display
	}
	if sr.Requester == nil {
		return nil, apperr.ValidationError(op, "Cannot retrieve referring physician")
	}
	e.ReferringPhysician = sr.Requester.Display
	if sr.Code == nil || len(sr.Code.Coding) == 0 {
		return nil, apperr.ValidationError(op, "Cannot retrieve procedure code")
	}
	e.ProcedureID = sr.Code.Coding[0].Code
	e.ProcedureDescription = sr.Code.Coding[0].Display

	occ, err := fhir.ParseDateTime(sr.OccurrenceDateTime)
	if err != nil {
		return nil, apperr.ValidationError(op, fmt.Sprintf("Cannot parse occurrenceDateTime: %v", err))
	}
	e.ScheduledDate = occ.Format("20060102")
	e.ScheduledTime = occ.Format("150405")

	e.StudyUID = sr.StudyUID()
	if e.StudyUID == "" {
		e.StudyUID = NewStudyUID(s.orgID, s.now())
	}
	return e, nil
}

func (s *Service) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	p, err := s.repo.GetPatient(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFoundError("worklist.patient", "patient not found")
	}
	if err != nil {
		return nil, apperr.PersistenceError("worklist.patient", err)
	}
	return p, nil
}

func (s *Service) GetEntry(ctx context.Context, studyUID string) (*Entry, error) {
	e, err := s.repo.GetByStudyUID(ctx, studyUID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFoundError("worklist.entry", "worklist entry not found")
	}
	if err != nil {
		return nil, apperr.PersistenceError("worklist.entry", err)
	}
	return e, nil
}

func (s *Service) ListByAccession(ctx context.Context, accession string) ([]*Entry, error) {
	if accession == "" {
		return nil, apperr.ValidationError("worklist.list", "accession is required")
	}
	items, err := s.repo.ListByAccession(ctx, accession)
	if err != nil {
		return nil, apperr.PersistenceError("worklist.list", err)
	}
	return items, nil
}
