package saga

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dicomrouter/router/internal/platform/auth"
	"github.com/dicomrouter/router/internal/platform/fhir"
)

type Handler struct {
	svc *TriggerService
}

func NewHandler(svc *TriggerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleRIS))
	write.POST("/reconcile", h.Trigger)

	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/reconcile/:study_uid", h.ListStates)
}

func (h *Handler) Trigger(c echo.Context) error {
	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("invalid request body"))
	}
	res, err := h.svc.TriggerReconciliation(c.Request().Context(), req)
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": string(res)})
}

func (h *Handler) ListStates(c echo.Context) error {
	states, err := h.svc.States(c.Request().Context(), c.Param("study_uid"))
	if err != nil {
		status, outcome := fhir.OutcomeForError(err)
		return c.JSON(status, outcome)
	}
	if states == nil {
		states = []*State{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  states,
		"total": len(states),
	})
}
