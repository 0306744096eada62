// Package metrics exposes Prometheus collectors for the analyzer service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns all collectors for GitHub API calls, cache traffic, jobs and
// connected clients. A nil *Metrics is valid and records nothing, so
// components can be constructed without observability in tests.
type Metrics struct {
	apiCalls       *prometheus.CounterVec
	apiSleep       prometheus.Counter
	cacheRequests  *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	socketClients  prometheus.Gauge
	starringsTotal prometheus.Counter
}

// New registers the collectors against the provided registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_github_calls_total",
			Help: "GitHub API calls partitioned by outcome.",
		}, []string{"outcome"}),
		apiSleep: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_github_sleep_seconds_total",
			Help: "Total seconds slept to honor GitHub rate-limit pacing.",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_cache_requests_total",
			Help: "Result cache lookups partitioned by result (hit, miss, migrated).",
		}, []string{"result"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "analyzer_jobs_completed_total",
			Help: "Analysis jobs completed partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_jobs_running",
			Help: "Current number of running analysis jobs (0 or 1).",
		}),
		socketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "analyzer_socket_clients",
			Help: "Currently connected realtime clients.",
		}),
		starringsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analyzer_starrings_total",
			Help: "Total starring events accumulated across crawls.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.apiCalls, m.apiSleep, m.cacheRequests,
		m.jobsCompleted, m.jobsRunning, m.socketClients, m.starringsTotal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// APICall records one GitHub call with the given outcome label
// (ok, empty, error, unauthorized, graphql_error).
func (m *Metrics) APICall(outcome string) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(outcome).Inc()
}

// APISleep accumulates pacing sleep time.
func (m *Metrics) APISleep(seconds float64) {
	if m == nil {
		return
	}
	m.apiSleep.Add(seconds)
}

// CacheRequest records a cache lookup result (hit, miss, migrated).
func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// JobCompleted records a finished job with result success or error.
func (m *Metrics) JobCompleted(result string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(result).Inc()
}

// JobRunning flips the running-job gauge.
func (m *Metrics) JobRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.jobsRunning.Set(1)
	} else {
		m.jobsRunning.Set(0)
	}
}

// SocketClients sets the connected-client gauge.
func (m *Metrics) SocketClients(n int) {
	if m == nil {
		return
	}
	m.socketClients.Set(float64(n))
}

// Starrings adds accumulated starring events.
func (m *Metrics) Starrings(n int) {
	if m == nil {
		return
	}
	m.starringsTotal.Add(float64(n))
}
