// Package metrics exposes the pipeline's operational counters via
// Prometheus. Rejected events and detector faults are observability, not
// part of the detection stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_events_ingested_total",
		Help: "Events admitted to the pipeline, labelled by event type.",
	}, []string{"event_type"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_events_rejected_total",
		Help: "Events refused at the validation boundary, labelled by reason code.",
	}, []string{"reason"})

	EventsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_events_quarantined_total",
		Help: "Rejected events recorded in the quarantine sink.",
	})

	IngestBackpressure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_ingest_backpressure_total",
		Help: "Ingest calls refused because the writer queue stayed full past its timeout.",
	})

	EventsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_events_written_total",
		Help: "Events durably appended to the event log.",
	})

	WriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_write_failures_total",
		Help: "Append attempts that failed at the durability layer.",
	})

	SegmentsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_segments_sealed_total",
		Help: "Log segments sealed by rotation.",
	})

	SubscriberDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_subscriber_dropped_total",
		Help: "Events not delivered to a subscriber because its buffer was full.",
	}, []string{"subscriber"})

	DetectorFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_detector_faults_total",
		Help: "Detector errors isolated per detector.",
	}, []string{"detector"})

	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_alerts_emitted_total",
		Help: "Alerts emitted back onto the bus, labelled by alert type.",
	}, []string{"alert_type"})

	AlertsDepthCapped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hostguard_alerts_depth_capped_total",
		Help: "Alerts suppressed by the alert-on-alert correlation depth cap.",
	})

	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hostguard_writer_queue_depth",
		Help: "Current depth of the durable writer queue.",
	})

	AppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hostguard_append_latency_seconds",
		Help:    "Latency of durable append including group-commit sync.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	EventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hostguard_events_forwarded_total",
		Help: "Events published to external sinks, labelled by sink and status.",
	}, []string{"sink", "status"})
)
