// Package metrics exposes the detector's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teth"

// Collector groups the detector's collectors. A nil *Collector is valid and
// records nothing.
type Collector struct {
	eventsTotal      *prometheus.CounterVec
	detectionSeconds prometheus.Histogram
	chainsTracked    prometheus.Gauge
	recordsDropped   prometheus.Counter
	sinkErrors       *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestSeconds   *prometheus.HistogramVec
}

// New creates an unregistered collector set.
func New() *Collector {
	return &Collector{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Ingested tool events, partitioned by recommended action and detection outcome.",
			},
			[]string{"action", "detected"},
		),
		detectionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "detection_seconds",
				Help:      "Time spent scoring one event, including chain correlation.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		chainsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chains_tracked",
				Help:      "Chains currently held in correlation state.",
			},
		),
		recordsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Detection records dropped because the sink queue was full.",
			},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Failed sink writes, partitioned by sink.",
			},
			[]string{"sink"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests handled, partitioned by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		requestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// Register attaches the collectors to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.eventsTotal,
		c.detectionSeconds,
		c.chainsTracked,
		c.recordsDropped,
		c.sinkErrors,
		c.requestsTotal,
		c.requestSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveDetection records one scored event.
func (c *Collector) ObserveDetection(action string, detected bool, d time.Duration) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(action, strconv.FormatBool(detected)).Inc()
	if d < 0 {
		d = 0
	}
	c.detectionSeconds.Observe(d.Seconds())
}

// SetChainsTracked records the current number of tracked chains.
func (c *Collector) SetChainsTracked(n int) {
	if c == nil {
		return
	}
	c.chainsTracked.Set(float64(n))
}

// IncDropped counts a dropped detection record.
func (c *Collector) IncDropped() {
	if c == nil {
		return
	}
	c.recordsDropped.Inc()
}

// IncSinkError counts a failed write to the named sink.
func (c *Collector) IncSinkError(sink string) {
	if c == nil {
		return
	}
	c.sinkErrors.WithLabelValues(sink).Inc()
}

// ObserveRequest records one HTTP request.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.requestSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
