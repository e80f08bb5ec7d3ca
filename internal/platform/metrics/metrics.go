// Package metrics exposes Prometheus metrics for the HTTP layer and for
// duplicate detection and merge outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/mpi/internal/domain/mpi"
)

// Collector holds all Prometheus metrics for the service. Each collector has
// its own registry so tests can create as many as they like.
type Collector struct {
	registry *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	CacheLookups *prometheus.CounterVec

	DetectionRuns     *prometheus.CounterVec
	DetectionDuration prometheus.Histogram
	DetectionPairs    prometheus.Histogram
	DuplicateGroups   prometheus.Gauge

	Merges           *prometheus.CounterVec
	MergeDuration    prometheus.Histogram
	PatientsAbsorbed prometheus.Counter
	RelationsMoved   *prometheus.CounterVec
}

// NewCollector creates a collector whose metric names are prefixed with
// namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_cache_lookups_total",
			Help:      "Duplicate report cache lookups by result",
		}, []string{"result"}),
		DetectionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Duplicate detection runs by outcome",
		}, []string{"outcome"}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Duplicate detection duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		DetectionPairs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_pairs_scored",
			Help:      "Number of record pairs scored per detection run",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}),
		DuplicateGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicate_groups",
			Help:      "Duplicate groups found by the most recent successful run",
		}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by outcome",
		}, []string{"outcome"}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Merge duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		PatientsAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patients_absorbed_total",
			Help:      "Duplicate patient records removed by merges",
		}),
		RelationsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relations_moved_total",
			Help:      "Clinical records re-pointed to a surviving patient",
		}, []string{"relation"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.HTTPRequests,
		c.HTTPDuration,
		c.CacheLookups,
		c.DetectionRuns,
		c.DetectionDuration,
		c.DetectionPairs,
		c.DuplicateGroups,
		c.Merges,
		c.MergeDuration,
		c.PatientsAbsorbed,
		c.RelationsMoved,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// DetectionCompleted implements mpi.Observer.
func (c *Collector) DetectionCompleted(stats mpi.DetectionStats, err error) {
	c.DetectionRuns.WithLabelValues(mpi.Outcome(err)).Inc()
	c.DetectionDuration.Observe(stats.Duration.Seconds())
	if err != nil {
		return
	}
	c.DetectionPairs.Observe(float64(stats.Pairs))
	c.DuplicateGroups.Set(float64(stats.Groups))
}

// MergeCompleted implements mpi.Observer. Previews are not counted.
func (c *Collector) MergeCompleted(summary *mpi.MergeSummary, elapsed time.Duration, err error) {
	if summary != nil && summary.Preview {
		return
	}
	c.Merges.WithLabelValues(mpi.Outcome(err)).Inc()
	c.MergeDuration.Observe(elapsed.Seconds())
	if err != nil || summary == nil {
		return
	}
	c.PatientsAbsorbed.Add(float64(len(summary.Absorbed)))
	for rel, n := range summary.RelationsMoved {
		c.RelationsMoved.WithLabelValues(string(rel)).Add(float64(n))
	}
}

// Middleware records request counts and latency by route template, plus the
// X-Cache result set by the report cache.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			status := ctx.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := ctx.Path()
			if route == "" {
				route = "unmatched"
			}
			method := ctx.Request().Method

			c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			c.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			switch ctx.Response().Header().Get("X-Cache") {
			case "HIT":
				c.CacheLookups.WithLabelValues("hit").Inc()
			case "MISS":
				c.CacheLookups.WithLabelValues("miss").Inc()
			}
			return err
		}
	}
}

var _ mpi.Observer = (*Collector)(nil)
