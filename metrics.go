// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Call results as reported in duplex_calls_total.
const (
	resultOK             = "ok"
	resultRemoteError    = "remote_error"
	resultNotImplemented = "not_implemented"
	resultTimeout        = "timeout"
	resultCancelled      = "cancelled"
	resultFailed         = "failed"
)

// Metrics holds the prometheus instruments of one or more connections.
// A nil *Metrics records nothing.
type Metrics struct {
	calls            *prometheus.CounterVec
	pending          prometheus.Gauge
	eventsDelivered  prometheus.Counter
	deliveryFailures prometheus.Counter
	protocolErrors   prometheus.Counter
}

// NewMetrics creates the instruments and registers them, together with a
// high-water collector for pool, on reg.
func NewMetrics(reg prometheus.Registerer, pool *BufferPool) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "calls_total",
			Help:      "Completed outgoing calls by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duplex",
			Name:      "pending_calls",
			Help:      "Outgoing calls awaiting a response.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "events_delivered_total",
			Help:      "Event frames handed to subscribers.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "event_delivery_failures_total",
			Help:      "Event deliveries that failed to serialize or send.",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duplex",
			Name:      "protocol_errors_total",
			Help:      "Frames rejected as malformed.",
		}),
	}
	collectors := []prometheus.Collector{m.calls, m.pending, m.eventsDelivered, m.deliveryFailures, m.protocolErrors}
	if pool != nil {
		collectors = append(collectors, &poolCollector{pool: pool})
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) callDone(result string) {
	if m != nil {
		m.calls.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) pendingAdd(n float64) {
	if m != nil {
		m.pending.Add(n)
	}
}

func (m *Metrics) delivered() {
	if m != nil {
		m.eventsDelivered.Inc()
	}
}

func (m *Metrics) deliveryFailed() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}

var poolHighWaterDesc = prometheus.NewDesc(
	"duplex_pool_high_water_buffers",
	"Most buffers of a size class rented at once.",
	[]string{"size"}, nil,
)

var poolOutstandingDesc = prometheus.NewDesc(
	"duplex_pool_outstanding_buffers",
	"Buffers of a size class currently rented.",
	[]string{"size"}, nil,
)

type poolCollector struct {
	pool *BufferPool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolHighWaterDesc
	ch <- poolOutstandingDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.pool.Stats() {
		size := strconv.Itoa(s.Size)
		ch <- prometheus.MustNewConstMetric(poolHighWaterDesc, prometheus.GaugeValue, float64(s.HighWater), size)
		ch <- prometheus.MustNewConstMetric(poolOutstandingDesc, prometheus.GaugeValue, float64(s.Outstanding), size)
	}
}
