// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livequiz"

// Metrics holds the service collectors.
type Metrics struct {
	registry prometheus.Gatherer

	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Transitions     *prometheus.CounterVec
	Answers         *prometheus.CounterVec
	Joins           *prometheus.CounterVec
	Refreshes       prometheus.Counter
	Connections     *prometheus.GaugeVec
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: gatherer,
		RequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session lifecycle transitions by action and outcome",
		}, []string{"action", "result"}),
		Answers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "play",
			Name:      "answers_total",
			Help:      "Graded answer submissions",
		}, []string{"result"}),
		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "play",
			Name:      "joins_total",
			Help:      "Join attempts by outcome",
		}, []string{"result"}),
		Refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "leaderboard",
			Name:      "refreshes_total",
			Help:      "Participant snapshot fetches issued by host rooms",
		}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open WebSocket connections",
		}, []string{"role"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition records the outcome of a lifecycle action.
func (m *Metrics) Transition(action string, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, outcome(err)).Inc()
}

// Answer records a graded submission.
func (m *Metrics) Answer(correct bool) {
	if m == nil {
		return
	}
	result := "incorrect"
	if correct {
		result = "correct"
	}
	m.Answers.WithLabelValues(result).Inc()
}

// Join records a join attempt.
func (m *Metrics) Join(err error) {
	if m == nil {
		return
	}
	m.Joins.WithLabelValues(outcome(err)).Inc()
}

// Refresh counts a snapshot fetch.
func (m *Metrics) Refresh() {
	if m == nil {
		return
	}
	m.Refreshes.Inc()
}

// Connected tracks an open connection for role and returns the matching close func.
func (m *Metrics) Connected(role string) func() {
	if m == nil {
		return func() {}
	}
	g := m.Connections.WithLabelValues(role)
	g.Inc()
	return g.Dec
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestCounter.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
