package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the ingestion pipeline.
type PipelineMetrics struct {
	ReadingsStored     prometheus.Counter
	AlarmsCreated      *prometheus.CounterVec
	DecodeFailures     prometheus.Counter
	ResolutionMisses   prometheus.Counter
	InactiveDrops      prometheus.Counter
	PersistenceRetries prometheus.Counter
	DataLoss           prometheus.Counter
	ProcessDuration    prometheus.Histogram
}

// NewPipelineMetrics creates and registers ingestion pipeline metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	m := &PipelineMetrics{
		ReadingsStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "readings_stored_total",
				Help:      "Total number of readings persisted",
			},
		),
		AlarmsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "alarms_created_total",
				Help:      "Total number of alarms created per breach kind",
			},
			[]string{"kind"},
		),
		DecodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "decode_failures_total",
				Help:      "Total number of payloads that were not valid JSON objects",
			},
		),
		ResolutionMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "resolution_misses_total",
				Help:      "Total number of messages with no matching device",
			},
		),
		InactiveDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "inactive_drops_total",
				Help:      "Total number of messages dropped because the device is inactive",
			},
		),
		PersistenceRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "persistence_retries_total",
				Help:      "Total number of retried persistence calls",
			},
		),
		DataLoss: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "data_loss_total",
				Help:      "Total number of messages dropped after persistence retries were exhausted",
			},
		),
		ProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "process_duration_seconds",
				Help:      "Duration of per-message ingest-and-evaluate processing",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ReadingsStored,
		m.AlarmsCreated,
		m.DecodeFailures,
		m.ResolutionMisses,
		m.InactiveDrops,
		m.PersistenceRetries,
		m.DataLoss,
		m.ProcessDuration,
	)

	return m
}
