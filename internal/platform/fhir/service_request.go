package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServiceRequest is the imaging order a RIS posts to the gateway.
type ServiceRequest struct {
	Resource
	Contained          []json.RawMessage `json:"contained,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	Status             string            `json:"status,omitempty"`
	Intent             string            `json:"intent,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	OrderDetail        []CodeableConcept `json:"orderDetail,omitempty"`
	Subject            Reference         `json:"subject"`
	Encounter          *Reference        `json:"encounter,omitempty"`
	OccurrenceDateTime string            `json:"occurrenceDateTime,omitempty"`
	AuthoredOn         string            `json:"authoredOn,omitempty"`
	Requester          *Reference        `json:"requester,omitempty"`
	Performer          []Reference       `json:"performer,omitempty"`
	ReasonCode         []CodeableConcept `json:"reasonCode,omitempty"`
	Note               []json.RawMessage `json:"note,omitempty"`
}

// ContainedPatient returns the first contained Patient resource, or nil.
func (sr *ServiceRequest) ContainedPatient() (*Patient, error) {
	for i, raw := range sr.Contained {
		var base Resource
		if err := json.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("contained[%d]: %w", i, err)
		}
		if base.ResourceType != "Patient" {
			continue
		}
		var p Patient
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("contained[%d]: %w", i, err)
		}
		return &p, nil
	}
	return nil, nil
}

// OrderDetailCoding returns the first orderDetail coding with system.
func (sr *ServiceRequest) OrderDetailCoding(system string) (Coding, bool) {
	for _, cc := range sr.OrderDetail {
		if c, ok := cc.CodingBySystem(system); ok {
			return c, true
		}
	}
	return Coding{}, false
}

// StudyUID extracts the UID from an "urn:dicom:uid" identifier whose value
// has the form "urn:oid:<uid>".
func (sr *ServiceRequest) StudyUID() string {
	v := IdentifierBySystem(sr.Identifier, SystemDicomUID)
	if v == "" {
		return ""
	}
	parts := strings.Split(strings.Trim(v, ":"), ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDateTime parses a FHIR dateTime in any of its common precisions.
func ParseDateTime(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid dateTime %q", s)
}
