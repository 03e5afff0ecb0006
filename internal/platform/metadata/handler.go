package metadata

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Handler struct {
	index  Index
	logger zerolog.Logger
}

func NewHandler(index Index, logger zerolog.Logger) *Handler {
	return &Handler{index: index, logger: logger.With().Str("component", "metadata").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/dicom-files", h.FindAll)
	g.GET("/dicom-files/:patientId", h.FindByPatient)
}

type messageResponse struct {
	Message interface{} `json:"message"`
}

// FindAll returns every indexed document.
func (h *Handler) FindAll(c echo.Context) error {
	docs, err := h.index.FindAll(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list dicom files failed")
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Error retrieving DICOM files: " + err.Error()})
	}
	return c.JSON(http.StatusOK, messageResponse{Message: docs})
}

// FindByPatient returns the documents of one patient, or 404 when there are
// none.
func (h *Handler) FindByPatient(c echo.Context) error {
	patientID := c.Param("patientId")
	docs, err := h.index.FindByPatient(c.Request().Context(), patientID)
	if err != nil {
		h.logger.Error().Err(err).Str("patient_id", patientID).Msg("find dicom files failed")
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Error retrieving DICOM files: " + err.Error()})
	}
	if len(docs) == 0 {
		return c.JSON(http.StatusNotFound, messageResponse{Message: fmt.Sprintf("No DICOM files found for patient ID: %s", patientID)})
	}
	return c.JSON(http.StatusOK, docs)
}
