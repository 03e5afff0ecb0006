package worklist

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/dicomrouter/router/internal/platform/fhir"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func postServiceRequest(t *testing.T, h *Handler, e *echo.Echo, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/fhir/ServiceRequest", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateServiceRequestFHIR(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestHandler_CreateServiceRequest(t *testing.T) {
	h, e := newTestHandler()
	rec := postServiceRequest(t, h, e, sampleServiceRequest)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sr fhir.ServiceRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &sr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sr.StudyUID() == "" {
		t.Error("expected study UID identifier in response")
	}
	if rec.Header().Get("Location") != "/fhir/ServiceRequest/"+sr.ID {
		t.Errorf("unexpected Location %q", rec.Header().Get("Location"))
	}
}

func TestHandler_CreateServiceRequest_Invalid(t *testing.T) {
	h, e := newTestHandler()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"resourceType":`, "Invalid JSON format"},
		{"wrong type", `{"resourceType":"Patient"}`, "Invalid Resource Type"},
		{"no patient", strings.Replace(sampleServiceRequest, `"resourceType": "Patient"`, `"resourceType": "Practitioner"`, 1),
			"contained element must have Patient resourceType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postServiceRequest(t, h, e, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var oo fhir.OperationOutcome
			json.Unmarshal(rec.Body.Bytes(), &oo)
			if len(oo.Issue) != 1 || !strings.Contains(oo.Issue[0].Details.Text, tt.want) {
				t.Errorf("expected %q, got %s", tt.want, rec.Body.String())
			}
		})
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler()
	postServiceRequest(t, h, e, sampleServiceRequest)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("P100")
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	h.GetPatient(c)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListWorklist(t *testing.T) {
	h, e := newTestHandler()
	postServiceRequest(t, h, e, sampleServiceRequest)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/worklist?accession=ACC1", nil)
	rec := httptest.NewRecorder()
	if err := h.ListWorklist(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Entry `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Data[0].AccessionNumber != "ACC1" {
		t.Errorf("unexpected response %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/worklist", nil)
	rec = httptest.NewRecorder()
	h.ListWorklist(e.NewContext(req, rec))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without accession, got %d", rec.Code)
	}
}
