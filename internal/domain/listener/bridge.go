package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/domain/record"
	"github.com/dicomrouter/router/internal/platform/auth"
	"github.com/dicomrouter/router/internal/platform/dimse"
	"github.com/dicomrouter/router/internal/platform/fhir"
)

// Bridge feeds lifecycle events into a dimse.Dispatcher over HTTP, for
// modalities and gateways that cannot speak DIMSE to the router directly.
type Bridge struct {
	dispatcher *dimse.Dispatcher
	calledAE   string
	parse      func([]byte) (*record.Header, error)
	logger     zerolog.Logger
}

func NewBridge(d *dimse.Dispatcher, calledAE string, logger zerolog.Logger) *Bridge {
	return &Bridge{
		dispatcher: d,
		calledAE:   calledAE,
		parse:      record.ParseHeader,
		logger:     logger.With().Str("component", "dimse-bridge").Logger(),
	}
}

func (b *Bridge) RegisterRoutes(api *echo.Group) {
	g := api.Group("/dimse", auth.RequireRole(auth.RoleOperator))
	g.POST("/echo", b.Echo)
	g.POST("/find", b.Find)
	g.POST("/associations/:id/instances", b.Store)
	g.POST("/associations/:id/release", b.Release)
}

type statusResponse struct {
	Status string `json:"status"`
	Code   string `json:"code"`
}

func newStatusResponse(st dimse.Status) statusResponse {
	return statusResponse{Status: st.String(), Code: fmt.Sprintf("0x%04X", uint16(st))}
}

func (b *Bridge) association(c echo.Context) dimse.Association {
	calling := c.Request().Header.Get("X-Calling-AE")
	if calling == "" {
		calling = "HTTP"
	}
	return dimse.Association{ID: c.Param("id"), CallingAE: calling, CalledAE: b.calledAE}
}

func (b *Bridge) Echo(c echo.Context) error {
	st := b.dispatcher.Echo(c.Request().Context(), &dimse.EchoEvent{Association: b.association(c)})
	return c.JSON(http.StatusOK, newStatusResponse(st))
}

// Store accepts one Part-10 file as the request body.
func (b *Bridge) Store(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("request body must be a DICOM file"))
	}
	h, err := b.parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(err.Error()))
	}

	st := b.dispatcher.Store(c.Request().Context(), &dimse.StoreEvent{
		Association:    b.association(c),
		SOPClassUID:    h.SOPClassUID,
		SOPInstanceUID: h.SOPInstanceUID,
		Identifier:     IdentifierFromHeader(h),
		Data:           bytes.NewReader(body),
	})
	code := http.StatusOK
	if st != dimse.StatusSuccess {
		b.logger.Warn().
			Str("association_id", c.Param("id")).
			Str("instance_uid", h.SOPInstanceUID).
			Str("status", st.String()).
			Msg("bridged store rejected")
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, newStatusResponse(st))
}

// Release completes the association. The saga runs after the response.
func (b *Bridge) Release(c echo.Context) error {
	// The saga must not inherit the request's cancellation.
	b.dispatcher.Release(context.WithoutCancel(c.Request().Context()), &dimse.ReleaseEvent{Association: b.association(c)})
	return c.JSON(http.StatusAccepted, map[string]string{"message": "released"})
}

type findResponse struct {
	Status  string              `json:"status"`
	Code    string              `json:"code"`
	Matches []map[string]string `json:"matches"`
}

// Find takes the identifier as a JSON object of keyword to value and the
// level as the level query parameter.
func (b *Bridge) Find(c echo.Context) error {
	var raw map[string]string
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome("identifier must be a JSON object of strings"))
	}
	level := dimse.Level(strings.ToUpper(c.QueryParam("level")))
	if level == "" {
		level = dimse.LevelWorklist
	}
	id := dimse.Dataset{}
	for k, v := range raw {
		id.Set(k, v)
	}

	resps := dimse.Drain(b.dispatcher.Find(c.Request().Context(), &dimse.FindEvent{
		Association: b.association(c),
		Level:       level,
		Identifier:  id,
	}))
	out := findResponse{Matches: []map[string]string{}}
	for _, r := range resps {
		if r.Status == dimse.StatusPending {
			out.Matches = append(out.Matches, Flatten(r.Dataset))
			continue
		}
		s := newStatusResponse(r.Status)
		out.Status, out.Code = s.Status, s.Code
	}
	return c.JSON(http.StatusOK, out)
}

// Flatten drops sequences to their first item's attributes, prefixed with
// the sequence keyword.
func Flatten(ds dimse.Dataset) map[string]string {
	out := make(map[string]string, len(ds))
	for _, k := range ds.Keywords() {
		v := ds[k]
		if !v.IsSequence() {
			out[k] = v.Text
			continue
		}
		if len(v.Items) > 0 {
			for ik, iv := range Flatten(v.Items[0]) {
				out[k+"."+ik] = iv
			}
		}
	}
	return out
}

// IdentifierFromHeader lifts the parsed header of a received file into the
// identifier the store handler files it by.
func IdentifierFromHeader(h *record.Header) dimse.Dataset {
	ds := dimse.Dataset{}
	ds.Set("PatientID", h.PatientID).
		Set("PatientName", h.PatientName).
		Set("StudyInstanceUID", h.StudyInstanceUID).
		Set("SeriesInstanceUID", h.SeriesInstanceUID).
		Set("SOPInstanceUID", h.SOPInstanceUID).
		Set("SOPClassUID", h.SOPClassUID).
		Set("AccessionNumber", h.AccessionNumber).
		Set("Modality", h.Modality).
		Set("StudyDescription", h.StudyDescription).
		Set("SeriesDescription", h.SeriesDescription).
		Set("StudyDate", h.StudyDate).
		Set("StudyTime", h.StudyTime).
		Set("SeriesDate", h.SeriesDate).
		Set("SeriesTime", h.SeriesTime)
	if h.SeriesNumber != 0 {
		ds.Set("SeriesNumber", strconv.Itoa(h.SeriesNumber))
	}
	if h.InstanceNumber != 0 {
		ds.Set("InstanceNumber", strconv.Itoa(h.InstanceNumber))
	}
	return ds
}
