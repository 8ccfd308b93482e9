package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry             *prometheus.Registry
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	scheduleRequests     *prometheus.CounterVec
	eventMutations       *prometheus.CounterVec
	heartbeatsTotal      prometheus.Counter
	recordingTransitions *prometheus.CounterVec
	staleAgents          prometheus.Gauge
	livenessSweepsTotal  prometheus.Counter
	livenessSweepSeconds prometheus.Histogram
}

// New creates a fresh Metrics registry with HTTP and scheduling metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capsched",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	scheduleRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "schedule_requests_total",
		Help:      "Booking attempts by outcome (accepted, conflict, forced)",
	}, []string{"operation", "outcome"})

	eventMutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "event_mutations_total",
		Help:      "Successful event store mutations by kind",
	}, []string{"kind"})

	heartbeatsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "agent_heartbeats_total",
		Help:      "Total number of capture agent heartbeats accepted",
	})

	recordingTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "recording_transitions_total",
		Help:      "Recording lifecycle transitions by target state",
	}, []string{"state", "significant"})

	staleAgents := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "capsched",
		Name:      "stale_agents",
		Help:      "Capture agents not heard from within the staleness timeout at the last sweep",
	})

	livenessSweepsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capsched",
		Name:      "liveness_sweeps_total",
		Help:      "Total number of agent liveness sweeps processed",
	})

	livenessSweepSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "capsched",
		Name:      "liveness_sweep_duration_seconds",
		Help:      "Duration of agent liveness sweeps from start to finish",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		scheduleRequests,
		eventMutations,
		heartbeatsTotal,
		recordingTransitions,
		staleAgents,
		livenessSweepsTotal,
		livenessSweepSeconds,
	)

	return &Metrics{
		registry:             registry,
		httpRequests:         httpRequests,
		httpRequestDuration:  httpRequestDuration,
		scheduleRequests:     scheduleRequests,
		eventMutations:       eventMutations,
		heartbeatsTotal:      heartbeatsTotal,
		recordingTransitions: recordingTransitions,
		staleAgents:          staleAgents,
		livenessSweepsTotal:  livenessSweepsTotal,
		livenessSweepSeconds: livenessSweepSeconds,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncSchedule counts a schedule or reschedule attempt by outcome.
func (m *Metrics) IncSchedule(operation, outcome string) {
	if m == nil {
		return
	}
	m.scheduleRequests.WithLabelValues(operation, outcome).Inc()
}

// IncEventMutation counts an applied upsert, delete or property attach.
func (m *Metrics) IncEventMutation(kind string) {
	if m == nil {
		return
	}
	m.eventMutations.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeatsTotal.Inc()
}

func (m *Metrics) IncRecordingTransition(state string, significant bool) {
	if m == nil {
		return
	}
	m.recordingTransitions.WithLabelValues(state, strconv.FormatBool(significant)).Inc()
}

// SetStaleAgents publishes the stale agent count of the latest sweep.
func (m *Metrics) SetStaleAgents(n int) {
	if m == nil {
		return
	}
	m.staleAgents.Set(float64(n))
}

// IncLivenessSweep increments the liveness sweep counter.
func (m *Metrics) IncLivenessSweep() {
	if m == nil {
		return
	}
	m.livenessSweepsTotal.Inc()
}

// ObserveLivenessSweepDuration observes a liveness sweep duration.
func (m *Metrics) ObserveLivenessSweepDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.livenessSweepSeconds.Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
