package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemetryhub"

// Recorder owns the service metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	ingestionMessages *prometheus.CounterVec   // Ingestion outcomes by status
	stageDuration     *prometheus.HistogramVec // Pipeline stage duration by stage and status
	automationRuns    *prometheus.CounterVec   // Finished runs by status
	deviceCommands    *prometheus.CounterVec   // Dispatched commands by status
	jobs              *prometheus.CounterVec   // Background jobs by type and outcome
}

// New creates a recorder backed by its own registry, including Go runtime collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		ingestionMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "messages_total",
			Help:      "Ingestion messages by final status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "stage_duration_seconds",
			Help:      "Duration of ingestion pipeline stages",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"stage", "status"}),
		automationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "runs_total",
			Help:      "Automation runs by final status",
		}, []string{"status"}),
		deviceCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device_control",
			Name:      "commands_total",
			Help:      "Device commands by delivery status",
		}, []string{"status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Background jobs by type and outcome",
		}, []string{"type", "outcome"}),
	}
	r.registry.MustRegister(
		r.ingestionMessages,
		r.stageDuration,
		r.automationRuns,
		r.deviceCommands,
		r.jobs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IngestionMessage(status string) {
	if r == nil {
		return
	}
	r.ingestionMessages.WithLabelValues(status).Inc()
}

func (r *Recorder) Stage(stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (r *Recorder) AutomationRun(status string) {
	if r == nil {
		return
	}
	r.automationRuns.WithLabelValues(status).Inc()
}

func (r *Recorder) DeviceCommand(status string) {
	if r == nil {
		return
	}
	r.deviceCommands.WithLabelValues(status).Inc()
}

func (r *Recorder) Job(jobType, outcome string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(jobType, outcome).Inc()
}
