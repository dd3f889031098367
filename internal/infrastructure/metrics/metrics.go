// Package metrics exposes Prometheus collectors for the hub's write path,
// event fan-out, recorder and automation engine.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation (tests, tools).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graylogic_hub"

// Metrics holds the hub's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	stateWrites      *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	automationRuns   *prometheus.CounterVec
	recorderFlushes  *prometheus.CounterVec
	recorderRows     prometheus.Counter
	recorderPending  prometheus.Gauge
	subscribers      prometheus.Gauge
	sceneActivations prometheus.Counter
	httpRequests     *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stateWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_writes_total",
			Help:      "Accepted state store writes by entity domain.",
		}, []string{"domain"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus by event type.",
		}, []string{"event_type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a sink queue was full.",
		}, []string{"sink"}),
		automationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_runs_total",
			Help:      "Automation run outcomes.",
		}, []string{"result"}),
		recorderFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_flushes_total",
			Help:      "Recorder flush attempts by result.",
		}, []string{"result"}),
		recorderRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_rows_written_total",
			Help:      "History rows committed to the database.",
		}),
		recorderPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recorder_pending_rows",
			Help:      "History rows waiting for the next flush.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Live event subscribers.",
		}),
		sceneActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scene_activations_total",
			Help:      "Scene activations.",
		}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by method, route pattern and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stateWrites,
		m.eventsPublished,
		m.eventsDropped,
		m.automationRuns,
		m.recorderFlushes,
		m.recorderRows,
		m.recorderPending,
		m.subscribers,
		m.sceneActivations,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StateWritten(domain string) {
	if m == nil {
		return
	}
	m.stateWrites.WithLabelValues(domain).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(sink string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(sink).Inc()
}

// AutomationRun records one arbitration outcome: "started", "dropped",
// "queued", "restarted", "condition_failed" or "error".
func (m *Metrics) AutomationRun(result string) {
	if m == nil {
		return
	}
	m.automationRuns.WithLabelValues(result).Inc()
}

// RecorderFlush records a flush attempt and, on success, the committed rows.
func (m *Metrics) RecorderFlush(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.recorderFlushes.WithLabelValues("error").Inc()
		return
	}
	m.recorderFlushes.WithLabelValues("ok").Inc()
	m.recorderRows.Add(float64(rows))
}

func (m *Metrics) SetRecorderPending(n int) {
	if m == nil {
		return
	}
	m.recorderPending.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) SceneActivated() {
	if m == nil {
		return
	}
	m.sceneActivations.Inc()
}

// HTTPRequest observes one API request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
