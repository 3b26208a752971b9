package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics contains Prometheus metrics for the MQTT connection manager.
type BrokerMetrics struct {
	ConnectionStatus  *prometheus.GaugeVec
	ReconnectAttempts *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	SubscribedTopics  *prometheus.GaugeVec
}

// NewBrokerMetrics creates and registers connection manager metrics.
func NewBrokerMetrics(namespace string) *BrokerMetrics {
	m := &BrokerMetrics{
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connection_status",
				Help:      "Current connection status per broker (1=active, 0=not active)",
			},
			[]string{"broker"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of connection attempts per broker",
			},
			[]string{"broker"},
		),
		ConnectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "connect_failures_total",
				Help:      "Total number of failed connection attempts per broker and reason",
			},
			[]string{"broker", "reason"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_received_total",
				Help:      "Total number of inbound MQTT messages per broker",
			},
			[]string{"broker"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "messages_dropped_total",
				Help:      "Total number of inbound messages dropped because the work queue was full",
			},
			[]string{"broker"},
		),
		SubscribedTopics: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broker",
				Name:      "subscribed_topics",
				Help:      "Current number of subscribed topics per broker",
			},
			[]string{"broker"},
		),
	}

	MustRegister(
		m.ConnectionStatus,
		m.ReconnectAttempts,
		m.ConnectFailures,
		m.MessagesReceived,
		m.MessagesDropped,
		m.SubscribedTopics,
	)

	return m
}
