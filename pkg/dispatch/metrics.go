package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the dispatcher's prometheus instruments. Passing a nil
// Registerer to NewMetrics builds live instruments that are simply never
// scraped, so the dispatcher never needs a nil check on the hot path.
type Metrics struct {
	Ingested  *prometheus.CounterVec
	Forwarded prometheus.Counter
	Delivered prometheus.Counter
	Dropped   *prometheus.CounterVec

	EgressQueueDepth *prometheus.GaugeVec
	ForwardLatency   prometheus.Histogram
}

// NewMetrics builds a Metrics instance and registers it on reg, if reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "bundles_ingested_total",
			Help:      "Bundles accepted past ingress filters, by outcome.",
		}, []string{"outcome"}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "bundles_forwarded_total",
			Help:      "Bundles handed to a CLA egress queue.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "bundles_delivered_total",
			Help:      "Bundles delivered to a local sink.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "bundles_dropped_total",
			Help:      "Bundles tombstoned without delivery, by reason.",
		}, []string{"reason"}),
		EgressQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "egress_queue_depth",
			Help:      "Bundles currently queued per peer awaiting CLA forward.",
		}, []string{"peer"}),
		ForwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpcore",
			Subsystem: "dispatch",
			Name:      "cla_forward_latency_seconds",
			Help:      "Time spent inside a CLA's forward call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Ingested, m.Forwarded, m.Delivered, m.Dropped, m.EgressQueueDepth, m.ForwardLatency)
	}
	return m
}
