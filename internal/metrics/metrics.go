// Package metrics provides Prometheus instrumentation for the vbrowser pool manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health probes and store round trips
	fastBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0}

	// Assignment, usually instant but may wait for a fresh instance
	mediumBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	// Instance lifetime in seconds, minutes to days
	lifetimeBuckets = []float64{60, 300, 900, 1800, 3600, 7200, 10800, 21600, 43200, 86400, 259200}
)

// Collector holds all Prometheus metrics for the pool manager.
// Every series carries a "pool" label with the pool name (e.g. "dockerLarge").
type Collector struct {
	// Gauges - current pool state
	PoolAvailable *prometheus.GaugeVec
	PoolStaging   *prometheus.GaugeVec
	PoolLocked    *prometheus.GaugeVec
	PoolTarget    *prometheus.GaugeVec

	// Counters - cumulative events
	LaunchesTotal      *prometheus.CounterVec
	TerminationsTotal  *prometheus.CounterVec
	StagingChecksTotal *prometheus.CounterVec
	PowerOnsTotal      *prometheus.CounterVec
	OrphansTotal       *prometheus.CounterVec
	ReleasesTotal      *prometheus.CounterVec
	AssignmentsTotal   *prometheus.CounterVec
	LoopPanicsTotal    *prometheus.CounterVec
	HTTPRequestsTotal  *prometheus.CounterVec

	// Histograms - latency distributions
	AssignDuration      *prometheus.HistogramVec
	InstanceLifetime    *prometheus.HistogramVec
	HealthCheckDuration *prometheus.HistogramVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with all metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	pool := []string{"pool"}

	c := &Collector{
		PoolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbrowser",
			Subsystem: "pool",
			Name:      "available_instances",
			Help:      "Number of instances ready for immediate assignment",
		}, pool),
		PoolStaging: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbrowser",
			Subsystem: "pool",
			Name:      "staging_instances",
			Help:      "Number of instances booting and awaiting readiness",
		}, pool),
		PoolLocked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbrowser",
			Subsystem: "pool",
			Name:      "locked_instances",
			Help:      "Number of instances assigned and held by a session",
		}, pool),
		PoolTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbrowser",
			Subsystem: "pool",
			Name:      "target_size",
			Help:      "Configured buffer or fixed fleet size",
		}, pool),

		LaunchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "launches_total",
			Help:      "Total number of instance launch attempts",
		}, []string{"pool", "result"}),
		TerminationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "terminations_total",
			Help:      "Total number of instance terminations",
		}, []string{"pool", "reason"}),
		StagingChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "staging_checks_total",
			Help:      "Total number of staging readiness checks",
		}, []string{"pool", "result"}),
		PowerOnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "power_ons_total",
			Help:      "Total number of power-on nudges sent to unready instances",
		}, pool),
		OrphansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "orphans_recycled_total",
			Help:      "Total number of untracked instances recycled by the reaper",
		}, pool),
		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "releases_total",
			Help:      "Total number of sessions detached from their instance",
		}, []string{"pool", "reason"}),
		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "assignments_total",
			Help:      "Total number of assignment attempts",
		}, []string{"pool", "result"}),
		LoopPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "loop_panics_total",
			Help:      "Total number of recovered panics in background loops",
		}, []string{"pool", "loop"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbrowser",
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		}, []string{"method", "path", "status"}),

		AssignDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vbrowser",
			Name:      "assign_duration_seconds",
			Help:      "Time from assignment request to a locked instance in seconds",
			Buckets:   mediumBuckets,
		}, pool),
		InstanceLifetime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vbrowser",
			Name:      "instance_lifetime_seconds",
			Help:      "Age of instances at termination in seconds",
			Buckets:   lifetimeBuckets,
		}, pool),
		HealthCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vbrowser",
			Name:      "health_check_duration_seconds",
			Help:      "Single staging readiness check latency in seconds",
			Buckets:   fastBuckets,
		}, pool),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vbrowser",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   mediumBuckets,
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		// Gauges
		c.PoolAvailable,
		c.PoolStaging,
		c.PoolLocked,
		c.PoolTarget,
		// Counters
		c.LaunchesTotal,
		c.TerminationsTotal,
		c.StagingChecksTotal,
		c.PowerOnsTotal,
		c.OrphansTotal,
		c.ReleasesTotal,
		c.AssignmentsTotal,
		c.LoopPanicsTotal,
		c.HTTPRequestsTotal,
		// Histograms
		c.AssignDuration,
		c.InstanceLifetime,
		c.HealthCheckDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
