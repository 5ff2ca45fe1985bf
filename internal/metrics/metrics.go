// Package metrics exposes Prometheus metrics for store, auth and gateway activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panyam/barter"
)

// Collector records barter activity.  It implements barter.Observer.
type Collector struct {
	storeOps      *prometheus.CounterVec
	storeLatency  *prometheus.HistogramVec
	authOps       *prometheus.CounterVec
	authLatency   *prometheus.HistogramVec
	httpStatus    *prometheus.CounterVec
	sessions      prometheus.Gauge
	subscriptions prometheus.Gauge
}

var _ barter.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barter_store_ops_total",
			Help: "Document store operations by op, collection and outcome",
		}, []string{"op", "collection", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barter_store_op_duration_seconds",
			Help:    "Document store operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		authOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barter_auth_ops_total",
			Help: "Identity operations by op and outcome",
		}, []string{"op", "result"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "barter_auth_op_duration_seconds",
			Help:    "Identity operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barter_http_responses_total",
			Help: "Gateway responses by status code",
		}, []string{"status_code"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barter_active_sessions",
			Help: "Browser sessions currently held by the gateway",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "barter_active_watches",
			Help: "Open websocket watches",
		}),
	}

	reg.MustRegister(
		c.storeOps,
		c.storeLatency,
		c.authOps,
		c.authLatency,
		c.httpStatus,
		c.sessions,
		c.subscriptions,
	)
	return c
}

// result labels an outcome by error kind
func result(err error) string {
	if err == nil {
		return "ok"
	}
	if k := barter.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

func (c *Collector) ObserveStoreOp(op, collection string, err error, elapsed time.Duration) {
	c.storeOps.WithLabelValues(op, collection, result(err)).Inc()
	c.storeLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveAuthOp(op string, err error, elapsed time.Duration) {
	c.authOps.WithLabelValues(op, result(err)).Inc()
	c.authLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordHTTPStatus counts a gateway response
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetSessions records the number of live browser sessions
func (c *Collector) SetSessions(n int) {
	c.sessions.Set(float64(n))
}

// WatchOpened and WatchClosed track websocket watches
func (c *Collector) WatchOpened() { c.subscriptions.Inc() }
func (c *Collector) WatchClosed() { c.subscriptions.Dec() }

// Handler returns the HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
