package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR searchset Bundle as returned by the exchange.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type,omitempty"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// First decodes the first entry's resource into v. It reports false when the
// bundle has no entries.
func (b *Bundle) First(v interface{}) (bool, error) {
	if b.ResourceType != "Bundle" {
		return false, fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	if b.Total < 1 || len(b.Entry) == 0 || len(b.Entry[0].Resource) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b.Entry[0].Resource, v); err != nil {
		return false, fmt.Errorf("decode bundle entry: %w", err)
	}
	return true, nil
}
