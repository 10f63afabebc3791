// Package metrics exposes prometheus collectors for the front door.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gatehouse collectors. A nil *Metrics is a no-op,
// so instrumented code never needs to branch.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retryAttempts   prometheus.Counter
	sessionsSaved   prometheus.Counter
	sessionsRotated prometheus.Counter
}

// New creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_requests_total",
			Help: "HTTP exchanges completed, by response status code.",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatehouse_request_seconds",
			Help:    "Wall time per HTTP exchange.",
			Buckets: prometheus.DefBuckets,
		}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_retry_attempts_total",
			Help: "Transactional retries performed after write conflicts.",
		}),
		sessionsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_sessions_saved_total",
			Help: "Session records persisted.",
		}),
		sessionsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_sessions_rotated_total",
			Help: "Session token rotations (soft and hard).",
		}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.retryAttempts,
		m.sessionsSaved, m.sessionsRotated)
	return m
}

// ObserveRequest records one completed exchange.
func (m *Metrics) ObserveRequest(status int, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.requestDuration.Observe(seconds)
}

// RetryAttempt records one transactional replay.
func (m *Metrics) RetryAttempt() {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
}

// SessionSaved records one persisted session.
func (m *Metrics) SessionSaved() {
	if m == nil {
		return
	}
	m.sessionsSaved.Inc()
}

// SessionRotated records one token rotation.
func (m *Metrics) SessionRotated() {
	if m == nil {
		return
	}
	m.sessionsRotated.Inc()
}
