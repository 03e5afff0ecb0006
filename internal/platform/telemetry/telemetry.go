// Package telemetry exposes the gateway's Prometheus metrics: DICOM store
// and find traffic, ledger duplicates, saga step outcomes, remote calls and
// HTTP requests. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the gateway registers.
type Metrics struct {
	InstancesStored     *prometheus.CounterVec
	DuplicateInstances  prometheus.Counter
	FindQueries         *prometheus.CounterVec
	FindResults         prometheus.Counter
	UnsupportedKeywords *prometheus.CounterVec
	SagaSteps           *prometheus.CounterVec
	SagaStepDuration    *prometheus.HistogramVec
	InstancePushes      *prometheus.CounterVec
	RemoteCalls         *prometheus.CounterVec
	RemoteCallDuration  *prometheus.HistogramVec
	SagasInFlight       prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors and registers them on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	m.init()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register gateway metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) init() {
	m.InstancesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_instances_stored_total",
		Help: "C-STORE requests handled, by response status",
	}, []string{"status"})
	m.DuplicateInstances = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_duplicate_instances_total",
		Help: "Instance records overwritten because the same key was stored again",
	})
	m.FindQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_find_queries_total",
		Help: "C-FIND requests handled, by level and final status",
	}, []string{"level", "status"})
	m.FindResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dicom_find_results_total",
		Help: "Pending C-FIND responses produced",
	})
	m.UnsupportedKeywords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matching_unsupported_keywords_total",
		Help: "Query keywords dropped because the attribute table does not know them",
	}, []string{"keyword"})
	m.SagaSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Association saga steps, by step and outcome",
	}, []string{"step", "outcome"})
	m.SagaStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Association saga step latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"step"})
	m.InstancePushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_instance_pushes_total",
		Help: "Instance pushes to the remote archive, by result",
	}, []string{"result"})
	m.RemoteCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remote_calls_total",
		Help: "Calls to the national exchange, by operation and status code",
	}, []string{"operation", "code"})
	m.RemoteCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_call_duration_seconds",
		Help:    "Latency of calls to the national exchange",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	m.SagasInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_in_flight",
		Help: "Association sagas currently running",
	})
	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_server_requests_total",
		Help: "HTTP requests, by method, route and status code",
	}, []string{"method", "route", "code"})
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InstancesStored, m.DuplicateInstances, m.FindQueries, m.FindResults,
		m.UnsupportedKeywords, m.SagaSteps, m.SagaStepDuration, m.InstancePushes,
		m.RemoteCalls, m.RemoteCallDuration, m.SagasInFlight, m.HTTPRequests, m.HTTPDuration,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) InstanceStored(status string) {
	if m == nil {
		return
	}
	m.InstancesStored.WithLabelValues(status).Inc()
}

func (m *Metrics) DuplicateInstance() {
	if m == nil {
		return
	}
	m.DuplicateInstances.Inc()
}

func (m *Metrics) FindQuery(level, status string) {
	if m == nil {
		return
	}
	m.FindQueries.WithLabelValues(level, status).Inc()
}

func (m *Metrics) FindResult() {
	if m == nil {
		return
	}
	m.FindResults.Inc()
}

func (m *Metrics) UnsupportedKeyword(keyword string) {
	if m == nil {
		return
	}
	m.UnsupportedKeywords.WithLabelValues(keyword).Inc()
}

// SagaStep records one step outcome ("ok", "failed", "skipped").
func (m *Metrics) SagaStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SagaSteps.WithLabelValues(step, outcome).Inc()
	m.SagaStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) InstancePush(result string) {
	if m == nil {
		return
	}
	m.InstancePushes.WithLabelValues(result).Inc()
}

// RemoteCall records a call to the exchange. code is 0 for transport errors.
func (m *Metrics) RemoteCall(operation string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(operation, strconv.Itoa(code)).Inc()
	m.RemoteCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) SagaStarted() {
	if m == nil {
		return
	}
	m.SagasInFlight.Inc()
}

func (m *Metrics) SagaFinished() {
	if m == nil {
		return
	}
	m.SagasInFlight.Dec()
}

// MetricsMiddleware records request count and latency by route pattern.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus text format.
func (m *Metrics) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
