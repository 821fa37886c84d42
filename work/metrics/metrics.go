package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BackendAttempts counts every match attempt made by the resolver, by backend name and
// outcome class (ok, empty, error, timeout, canceled).
var BackendAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unblock_backend_attempts_total",
	Help: "Number of backend match attempts",
}, []string{"backend", "outcome"})

// BackendLatency observes how long a single match attempt took.
var BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "unblock_backend_latency_seconds",
	Help:    "Latency of backend match attempts",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
}, []string{"backend"})

// Resolutions counts completed resolve calls by result (resolved, cached, exhausted, canceled).
var Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unblock_resolutions_total",
	Help: "Number of resolve calls by result",
}, []string{"result"})

// ProbeVerdicts counts diagnostic verdicts per backend.
var ProbeVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unblock_probe_verdicts_total",
	Help: "Diagnostic probe verdicts",
}, []string{"backend", "verdict"})

// SourcesAvailable is the number of backends marked available by the last probe run.
var SourcesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "unblock_sources_available",
	Help: "Backends available in the last probe run",
})

// ScriptRequests counts outbound requests made by sandboxed scripts.
var ScriptRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "unblock_script_requests_total",
	Help: "Outbound requests issued by plugin scripts",
}, []string{"script", "result"})
