package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookgen"

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	jobs              *prometheus.CounterVec
	phaseDuration     *prometheus.HistogramVec
	phaseFailures     *prometheus.CounterVec
	tasks             *prometheus.CounterVec
	deadLetters       prometheus.Gauge
	notifications     *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	validationQuality prometheus.Histogram
	activeJobs        prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Biography jobs by final status.",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Workflow phase execution time.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Failed phase executions by error kind.",
		}, []string{"phase", "kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task attempts by queue and outcome.",
		}, []string{"queue", "outcome"}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letter_size",
			Help:      "Tasks in the dead letter store.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and status.",
		}, []string{"channel", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		validationQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_quality_score",
			Help:      "Chapter quality scores from the length validator.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently executing in this process.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobs,
		m.phaseDuration,
		m.phaseFailures,
		m.tasks,
		m.deadLetters,
		m.notifications,
		m.httpRequests,
		m.validationQuality,
		m.activeJobs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

func (m *Metrics) JobStopped() {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) PhaseFailed(phase, kind string) {
	if m == nil {
		return
	}
	m.phaseFailures.WithLabelValues(phase, kind).Inc()
}

func (m *Metrics) ObserveTask(queue string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.tasks.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.deadLetters.Set(float64(n))
}

func (m *Metrics) ObserveNotification(channel, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveQuality(score float64) {
	if m == nil {
		return
	}
	m.validationQuality.Observe(score)
}
