package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/fieldgate/metric"
)

// Metrics holds Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	eventsIngested    *prometheus.CounterVec
	eventsRejected    *prometheus.CounterVec
	batchesDelivered  prometheus.Counter
	batchRedeliveries prometheus.Counter
	deliveryLatency   prometheus.Histogram
	activeStreams     prometheus.Gauge
}

// newMetrics creates and registers pipeline metrics.
// Returns nil if no registry is provided.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Telemetry events admitted, by validation status",
		}, []string{"status"}),
		eventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "events_rejected_total",
			Help:      "Telemetry events rejected, by reason",
		}, []string{"reason"}),
		batchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "batches_delivered_total",
			Help:      "Batches acknowledged by the sink",
		}),
		batchRedeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "batch_redeliveries_total",
			Help:      "Batch delivery attempts after a sink failure",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver a batch to the sink",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldgate",
			Subsystem: "ingest",
			Name:      "active_streams",
			Help:      "Devices with a live ingest stream",
		}),
	}

	_ = registry.RegisterCounterVec("ingest", "events", m.eventsIngested)
	_ = registry.RegisterCounterVec("ingest", "events_rejected", m.eventsRejected)
	_ = registry.RegisterCounter("ingest", "batches_delivered", m.batchesDelivered)
	_ = registry.RegisterCounter("ingest", "batch_redeliveries", m.batchRedeliveries)
	_ = registry.RegisterHistogram("ingest", "delivery_latency", m.deliveryLatency)
	_ = registry.RegisterGauge("ingest", "active_streams", m.activeStreams)

	return m
}
