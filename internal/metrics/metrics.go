// Package metrics exposes the dispatcher's progress as Prometheus metrics.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dispatcher's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal     *prometheus.CounterVec
	attemptsTotal prometheus.Counter
	jobsPending   prometheus.Gauge
	jobsRunning   prometheus.Gauge
	devicesLeased prometheus.Gauge
	poolSize      prometheus.Gauge
	jobDuration   prometheus.Histogram
}

// New creates and registers the dispatcher's collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpugrid_jobs_total",
			Help: "Jobs that reached a terminal status, by status",
		}, []string{"status"}),
		attemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpugrid_job_attempts_total",
			Help: "Job processes launched, including retries",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpugrid_jobs_pending",
			Help: "Jobs waiting for devices, including queued retries",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpugrid_jobs_running",
			Help: "Jobs currently holding a device lease",
		}),
		devicesLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpugrid_devices_leased",
			Help: "Devices currently leased to running jobs",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpugrid_pool_devices",
			Help: "Devices in the pool",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpugrid_job_duration_seconds",
			Help:    "Wall-clock duration of job attempts",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	m.registry.MustRegister(
		m.jobsTotal,
		m.attemptsTotal,
		m.jobsPending,
		m.jobsRunning,
		m.devicesLeased,
		m.poolSize,
		m.jobDuration,
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

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.jobsPending.Set(float64(n))
}

// AttemptStarted marks a job process as launched on devices devices.
func (m *Metrics) AttemptStarted(devices int) {
	if m == nil {
		return
	}
	m.attemptsTotal.Inc()
	m.jobsRunning.Inc()
	m.devicesLeased.Add(float64(devices))
}

// AttemptFinished undoes AttemptStarted once the attempt's lease is
// released.
func (m *Metrics) AttemptFinished(devices int, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
	m.devicesLeased.Sub(float64(devices))
	m.jobDuration.Observe(d.Seconds())
}

// JobFinished counts a terminal job status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}
