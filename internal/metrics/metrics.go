// Package metrics instruments the BO service the way stoserver
// instruments varasto: a prometheus.Registry, promconstmetrics for
// interval-shaped readings (dispatch queue depth, outstanding flushes),
// and an httpsnoop-wrapped HTTP handler for request counts.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/hermesbo/bufferorganizer/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller owns the BO's metric registry.
type Controller struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	tasksTotal   *prometheus.CounterVec

	constMetrics       *promconstmetrics.Collector
	queueDepth         *promconstmetrics.Ref
	outstandingFlushes *promconstmetrics.Ref
}

// New builds a Controller and registers a live gauge over queue's
// pending-task depth.
func New(queue *dispatch.Queue) *Controller {
	reg := prometheus.NewRegistry()
	constMetrics := promconstmetrics.NewCollector()

	c := &Controller{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bo_http_requests_total",
			Help: "RPC HTTP requests handled by this node",
		}, []string{"code", "method"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bo_tasks_total",
			Help: "Move/Copy/Delete/Flush tasks run by the dispatch queue",
		}, []string{"kind", "result"}),
		constMetrics: constMetrics,
		queueDepth: constMetrics.Register(
			"bo_dispatch_queue_depth", "Pending (not yet started) tasks in the dispatch queue",
			prometheus.Labels{}, "priority"),
		outstandingFlushes: constMetrics.Register(
			"bo_outstanding_flushes", "Outstanding async flush count for a vbucket",
			prometheus.Labels{}, "vbucket"),
	}

	reg.MustRegister(c.httpRequests, c.tasksTotal, c.constMetrics)

	dispatchGaugeFunc := func(priority string, read func() int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "bo_dispatch_queue_depth_live",
			Help:        "Pending tasks in the dispatch queue, sampled on scrape",
			ConstLabels: prometheus.Labels{"priority": priority},
		}, func() float64 { return float64(read()) })
	}

	reg.MustRegister(dispatchGaugeFunc("high", func() int { h, _ := queue.Depth(); return h }))
	reg.MustRegister(dispatchGaugeFunc("low", func() int { _, l := queue.Depth(); return l }))

	return c
}

// RecordTask increments the task counter for kind ("move", "copy",
// "delete", "flush"), labeling the outcome as "ok" or "error".
func (c *Controller) RecordTask(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.tasksTotal.WithLabelValues(kind, result).Inc()
}

// ObserveQueueDepth records a point-in-time reading, in case a caller
// wants to sample depth outside of a scrape (e.g. right after a burst of
// Enqueue calls).
func (c *Controller) ObserveQueueDepth(priority string, depth int) {
	c.constMetrics.Observe(c.queueDepth, float64(depth), time.Now(), priority)
}

// ObserveOutstandingFlushes records vbktName's outstanding-flush count.
func (c *Controller) ObserveOutstandingFlushes(vbktName string, count int) {
	c.constMetrics.Observe(c.outstandingFlushes, float64(count), time.Now(), vbktName)
}

// HTTPHandler serves the Prometheus text exposition format.
func (c *Controller) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WrapHTTP instruments an RPC listener's handler with per-request
// counters keyed by status code and method.
func (c *Controller) WrapHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(next, w, r)

		c.httpRequests.WithLabelValues(strconv.Itoa(stats.Code), r.Method).Inc()
	})
}
