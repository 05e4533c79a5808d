// Package metrics – operational counters for the Command Center.
//
// # Overview
//
// Counters tracks ingestion, alerting, delivery, and streaming activity. All
// fields are updated atomically so they can be read concurrently from an
// HTTP handler without holding any additional lock.
//
// # Prometheus text format
//
// Handler returns an [net/http.Handler] that serves the counters in the
// standard Prometheus text exposition format on every GET request. Wire it
// into the router at /ops/metrics:
//
//	c := metrics.NewCounters()
//	r.Handle("/ops/metrics", c.Handler())
//
// # Metric catalogue
//
//	commandcenter_events_ingested_total        – counter: events accepted and persisted
//	commandcenter_events_rejected_total        – counter: events rejected by schema validation
//	commandcenter_alerts_raised_total          – counter: rule trips that persisted an alert event
//	commandcenter_alerts_suppressed_total      – counter: trips whose enqueue was suppressed by dedup
//	commandcenter_delivery_attempts_total      – counter: webhook POSTs attempted
//	commandcenter_deliveries_succeeded_total   – counter: webhook POSTs answered with 2xx
//	commandcenter_deliveries_rescheduled_total – counter: transient failures rescheduled with backoff
//	commandcenter_deliveries_dead_letter_total – counter: deliveries that exhausted their attempts
//	commandcenter_events_pruned_total          – counter: events deleted by the retention worker
//	commandcenter_stream_dropped_total         – counter: frames dropped on full subscriber buffers
//	commandcenter_stream_subscribers           – gauge:   currently connected streaming subscribers
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Counters holds all operational counters and gauges for the Command Center.
// The zero value is ready to use; all counters start at zero.
type Counters struct {
	// Counters
	EventsIngested        atomic.Int64
	EventsRejected        atomic.Int64
	AlertsRaised          atomic.Int64
	AlertsSuppressed      atomic.Int64
	DeliveryAttempts      atomic.Int64
	DeliveriesSucceeded   atomic.Int64
	DeliveriesRescheduled atomic.Int64
	DeliveriesDeadLetter  atomic.Int64
	EventsPruned          atomic.Int64
	StreamDropped         atomic.Int64

	// Gauge
	StreamSubscribers atomic.Int64
}

// NewCounters allocates a new [Counters] value with everything at zero.
func NewCounters() *Counters {
	return &Counters{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (c *Counters) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of events accepted by the ingestion API and persisted.",
			kind:  "counter",
			name:  "commandcenter_events_ingested_total",
			value: c.EventsIngested.Load(),
		},
		{
			help:  "Total number of events rejected by schema validation.",
			kind:  "counter",
			name:  "commandcenter_events_rejected_total",
			value: c.EventsRejected.Load(),
		},
		{
			help:  "Total number of rule trips that persisted an alert event.",
			kind:  "counter",
			name:  "commandcenter_alerts_raised_total",
			value: c.AlertsRaised.Load(),
		},
		{
			help:  "Total number of rule trips whose delivery enqueue was suppressed by deduplication.",
			kind:  "counter",
			name:  "commandcenter_alerts_suppressed_total",
			value: c.AlertsSuppressed.Load(),
		},
		{
			help:  "Total number of webhook delivery attempts made by the dispatcher.",
			kind:  "counter",
			name:  "commandcenter_delivery_attempts_total",
			value: c.DeliveryAttempts.Load(),
		},
		{
			help:  "Total number of webhook deliveries that received a 2xx response.",
			kind:  "counter",
			name:  "commandcenter_deliveries_succeeded_total",
			value: c.DeliveriesSucceeded.Load(),
		},
		{
			help:  "Total number of transient delivery failures rescheduled with backoff.",
			kind:  "counter",
			name:  "commandcenter_deliveries_rescheduled_total",
			value: c.DeliveriesRescheduled.Load(),
		},
		{
			help:  "Total number of deliveries dead-lettered after exhausting their attempts.",
			kind:  "counter",
			name:  "commandcenter_deliveries_dead_letter_total",
			value: c.DeliveriesDeadLetter.Load(),
		},
		{
			help:  "Total number of events deleted by the retention worker.",
			kind:  "counter",
			name:  "commandcenter_events_pruned_total",
			value: c.EventsPruned.Load(),
		},
		{
			help:  "Total number of stream frames dropped because a subscriber buffer was full.",
			kind:  "counter",
			name:  "commandcenter_stream_dropped_total",
			value: c.StreamDropped.Load(),
		},
		{
			help:  "Number of currently connected streaming subscribers.",
			kind:  "gauge",
			name:  "commandcenter_stream_subscribers",
			value: c.StreamSubscribers.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all counters in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by the
// Prometheus specification so that a vanilla Prometheus scraper will parse
// the output correctly.
func (c *Counters) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, c.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
