package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.InstanceStored("success")
	m.DuplicateInstance()
	m.FindQuery("WORKLIST", "success")
	m.FindResult()
	m.UnsupportedKeyword("OtherPatientIDs")
	m.SagaStep("PUSHING_INSTANCES", "ok", time.Second)
	m.InstancePush("sent")
	m.RemoteCall("push", 200, time.Millisecond)
	m.SagaStarted()
	m.SagaFinished()
}

func TestMetrics_Counters(t *testing.T) {
	m := newTestMetrics(t)

	m.DuplicateInstance()
	m.DuplicateInstance()
	if got := testutil.ToFloat64(m.DuplicateInstances); got != 2 {
		t.Errorf("expected 2 duplicates, got %v", got)
	}

	m.SagaStep("LINKING_PATIENT", "failed", 10*time.Millisecond)
	if got := testutil.ToFloat64(m.SagaSteps.WithLabelValues("LINKING_PATIENT", "failed")); got != 1 {
		t.Errorf("expected 1 failed linking step, got %v", got)
	}

	m.SagaStarted()
	m.SagaStarted()
	m.SagaFinished()
	if got := testutil.ToFloat64(m.SagasInFlight); got != 1 {
		t.Errorf("expected 1 saga in flight, got %v", got)
	}
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	m := newTestMetrics(t)
	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/patients/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", m.PrometheusHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/P1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/api/v1/patients/:id", "200"))
	if got != 1 {
		t.Errorf("expected 1 request recorded by route pattern, got %v", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "http_server_requests_total") {
		t.Error("expected exposition to contain http_server_requests_total")
	}
}
