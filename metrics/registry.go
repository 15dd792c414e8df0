package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the deployer's collectors. A nil *Registry is valid and
// records nothing.
type Registry struct {
	// Node protocol
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Module pipeline
	PipelineStepDuration *prometheus.HistogramVec
	PipelineStepFailures *prometheus.CounterVec

	// Connections
	ConnectionsEstablished *prometheus.CounterVec

	// Status API
	HTTPRequestsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initNodeMetrics()
	r.initPipelineMetrics()
	r.initHTTPMetrics()

	return r
}

func (r *Registry) initNodeMetrics() {
	r.CommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_node_commands_total",
			Help: "Reactive commands sent to nodes",
		},
		[]string{"node", "command", "result"},
	)

	r.CommandDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployer_node_command_duration_seconds",
			Help:    "Round trip time of reactive commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node", "command"},
	)
}

func (r *Registry) initPipelineMetrics() {
	r.PipelineStepDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployer_pipeline_step_duration_seconds",
			Help:    "Duration of module build, deploy, attest and key steps",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"family", "step"},
	)

	r.PipelineStepFailures = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_pipeline_step_failures_total",
			Help: "Failed module pipeline steps",
		},
		[]string{"family", "step"},
	)

	r.ConnectionsEstablished = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_connections_established_total",
			Help: "Connections established between modules",
		},
		[]string{"encryption", "direct"},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployer_http_requests_total",
			Help: "Requests served by the status API",
		},
		[]string{"method", "route", "status"},
	)
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) ObserveCommand(node, command string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.CommandsTotal.WithLabelValues(node, command, resultLabel(err)).Inc()
	r.CommandDuration.WithLabelValues(node, command).Observe(duration.Seconds())
}

func (r *Registry) ObserveStep(family, step string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	r.PipelineStepDuration.WithLabelValues(family, step).Observe(duration.Seconds())
	if err != nil {
		r.PipelineStepFailures.WithLabelValues(family, step).Inc()
	}
}

func (r *Registry) ObserveConnection(encryption string, direct bool) {
	if r == nil {
		return
	}
	label := "false"
	if direct {
		label = "true"
	}
	r.ConnectionsEstablished.WithLabelValues(encryption, label).Inc()
}

func (r *Registry) ObserveHTTPRequest(method, route, status string) {
	if r == nil {
		return
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
