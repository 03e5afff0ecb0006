package worklist

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dicomrouter/router/internal/platform/auth"
	"github.com/dicomrouter/router/internal/platform/fhir"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer, auth.RoleRIS))
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/worklist", h.ListWorklist)
	read.GET("/worklist/:study_uid", h.GetEntry)

	fhirWrite := fhirGroup.Group("", auth.RequireRole(auth.RoleRIS))
	fhirWrite.POST("/ServiceRequest", h.CreateServiceRequestFHIR)
}

func (h *Handler) CreateServiceRequestFHIR(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("cannot read request body"))
	}
	var sr fhir.ServiceRequest
	if err := json.Unmarshal(body, &sr); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Invalid JSON format: "+err.Error()))
	}
	if sr.ResourceType != "ServiceRequest" {
		return c.JSON(http.StatusBadRequest, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeInvalid, "Invalid Resource Type"))
	}

	out, err := h.svc.IngestServiceRequest(c.Request().Context(), &sr)
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	c.Response().Header().Set("Location", "/fhir/ServiceRequest/"+out.ID)
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetEntry(c echo.Context) error {
	e, err := h.svc.GetEntry(c.Request().Context(), c.Param("study_uid"))
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListWorklist(c echo.Context) error {
	items, err := h.svc.ListByAccession(c.Request().Context(), c.QueryParam("accession"))
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}
