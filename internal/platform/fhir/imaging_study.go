package fhir

// Code systems used by the exchange's ImagingStudy profile.
const (
	SystemIdentifierType = "http://terminology.hl7.org/CodeSystem/v2-0203"
	SystemDCM            = "http://dicom.nema.org/resources/ontology/DCM"
	SystemDicomUID       = "urn:dicom:uid"
	SystemRFC3986        = "urn:ietf:rfc:3986"
	SystemACSNPrefix     = "http://sys-ids.kemkes.go.id/acsn/"
	SystemMRNPrefix      = "http://sys-ids.kemkes.go.id/mrn/"
	SystemAETitle        = "http://sys-ids.kemkes.go.id/ae-title"

	CodeAccession = "ACSN"
)

// ImagingStudy is the exchange's ImagingStudy profile.
type ImagingStudy struct {
	Resource
	Identifier        []Identifier         `json:"identifier,omitempty"`
	Status            string               `json:"status"`
	Modality          []Coding             `json:"modality,omitempty"`
	Subject           Reference            `json:"subject"`
	BasedOn           []Reference          `json:"basedOn,omitempty"`
	Started           string               `json:"started,omitempty"`
	NumberOfSeries    int                  `json:"numberOfSeries"`
	NumberOfInstances int                  `json:"numberOfInstances"`
	Description       string               `json:"description,omitempty"`
	Series            []ImagingStudySeries `json:"series,omitempty"`
}

type ImagingStudySeries struct {
	UID               string                 `json:"uid"`
	Number            int                    `json:"number,omitempty"`
	Modality          Coding                 `json:"modality"`
	Description       string                 `json:"description,omitempty"`
	NumberOfInstances int                    `json:"numberOfInstances"`
	Started           string                 `json:"started,omitempty"`
	Instance          []ImagingStudyInstance `json:"instance,omitempty"`
}

type ImagingStudyInstance struct {
	UID      string `json:"uid"`
	SOPClass Coding `json:"sopClass"`
	Number   int    `json:"number,omitempty"`
	Title    string `json:"title,omitempty"`
}

// NewImagingStudy returns an available study linked to patient and order.
func NewImagingStudy(patientID, serviceRequestID string) *ImagingStudy {
	return &ImagingStudy{
		Resource: Resource{ResourceType: "ImagingStudy"},
		Status:   "available",
		Subject:  NewReference("Patient", patientID),
		BasedOn:  []Reference{NewReference("ServiceRequest", serviceRequestID)},
	}
}

// AccessionIdentifier builds the organization-scoped ACSN identifier.
func AccessionIdentifier(orgID, accession string) Identifier {
	return Identifier{
		Use: "usual",
		Type: &CodeableConcept{Coding: []Coding{
			{System: SystemIdentifierType, Code: CodeAccession},
		}},
		System: SystemACSNPrefix + orgID,
		Value:  accession,
	}
}

func StudyUIDIdentifier(uid string) Identifier {
	return Identifier{Use: "official", System: SystemDicomUID, Value: "urn:oid:" + uid}
}

func ModalityCoding(code string) Coding {
	return Coding{System: SystemDCM, Code: code}
}

func SOPClassCoding(uid string) Coding {
	return Coding{System: SystemRFC3986, Code: "urn:oid:" + uid}
}

// AddModality appends c unless an equal coding is already present.
func (s *ImagingStudy) AddModality(c Coding) {
	for _, m := range s.Modality {
		if m.System == c.System && m.Code == c.Code {
			return
		}
	}
	s.Modality = append(s.Modality, c)
}
