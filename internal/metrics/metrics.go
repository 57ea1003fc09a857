package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sajjad-MoBe/corecache/internal/storage"
)

// StatsSource exposes engine counters
type StatsSource interface {
	Stats() storage.Stats
	BufferSize() int
}

// Collector holds all Prometheus metrics of a node
type Collector struct {
	registry *prometheus.Registry

	// Request metrics
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	// Background task metrics
	flushDuration      prometheus.Histogram
	flushErrors        prometheus.Counter
	compactionDuration prometheus.Histogram
	compactionErrors   prometheus.Counter
	segments           prometheus.Gauge

	// Cluster metrics
	forwardFailures *prometheus.CounterVec
	leader          prometheus.Gauge
}

// NewCollector creates the node's metrics on a private registry. Engine
// counters are read from source at scrape time.
func NewCollector(source StatsSource) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "corecache_http_request_duration_seconds",
				Help:    "Duration of admin HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corecache_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		flushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "corecache_flush_duration_seconds",
			Help:    "Duration of write buffer flushes in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		flushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "corecache_flush_errors_total",
			Help: "Total number of failed flushes",
		}),
		compactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "corecache_compaction_duration_seconds",
			Help:    "Duration of compactions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		compactionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "corecache_compaction_errors_total",
			Help: "Total number of failed compactions",
		}),
		segments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corecache_segments",
			Help: "Number of live segments",
		}),
		forwardFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "corecache_forward_failures_total",
				Help: "Total number of failed forwards to remote nodes",
			},
			[]string{"operation", "error_type"},
		),
		leader: factory.NewGauge(prometheus.GaugeOpts{
			Name: "corecache_leader",
			Help: "1 while this node is the cluster leader",
		}),
	}

	if source != nil {
		stat := func(name, help string, read func(storage.Stats) int64) {
			factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
				return float64(read(source.Stats()))
			})
		}
		stat("corecache_storage_buffer_hits_total", "Reads served by the write buffer", func(s storage.Stats) int64 { return s.BufferHits })
		stat("corecache_storage_segment_hits_total", "Reads served by a segment", func(s storage.Stats) int64 { return s.SegmentHits })
		stat("corecache_storage_misses_total", "Reads that found no live record", func(s storage.Stats) int64 { return s.Misses })
		stat("corecache_storage_writes_total", "Records written", func(s storage.Stats) int64 { return s.WriteCount })
		stat("corecache_storage_deletes_total", "Tombstones written", func(s storage.Stats) int64 { return s.DeleteCount })
		stat("corecache_storage_flushes_total", "Segments written by flush", func(s storage.Stats) int64 { return s.FlushCount })
		stat("corecache_storage_errors_total", "Storage failures", func(s storage.Stats) int64 { return s.ErrorCount })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "corecache_buffer_keys",
			Help: "Keys waiting in the write buffer",
		}, func() float64 {
			return float64(source.BufferSize())
		})
	}
	return c
}

// ObserveRequest records one admin request
func (c *Collector) ObserveRequest(method, route, status string, d time.Duration) {
	c.requestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	c.requestTotal.WithLabelValues(method, route, status).Inc()
}

// ObserveFlush records one flush
func (c *Collector) ObserveFlush(d time.Duration, err error) {
	c.flushDuration.Observe(d.Seconds())
	if err != nil {
		c.flushErrors.Inc()
	}
}

// ObserveCompaction records one compaction
func (c *Collector) ObserveCompaction(d time.Duration, err error) {
	c.compactionDuration.Observe(d.Seconds())
	if err != nil {
		c.compactionErrors.Inc()
	}
}

// SetSegments sets the live segment gauge
func (c *Collector) SetSegments(n int) {
	c.segments.Set(float64(n))
}

// ForwardFailed counts a failed forward
func (c *Collector) ForwardFailed(operation, errType string) {
	c.forwardFailures.WithLabelValues(operation, errType).Inc()
}

// SetLeader sets the leader gauge
func (c *Collector) SetLeader(isLeader bool) {
	if isLeader {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
