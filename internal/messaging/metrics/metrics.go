// Package metrics exposes Prometheus collectors for the messaging layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Messages accepted for delivery, by target and action",
	}, []string{"target", "action"})

	MessageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_message_retries_total",
		Help: "Delivery retries scheduled, by target",
	}, []string{"target"})

	MessageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_message_failures_total",
		Help: "Deliveries that exhausted their retry budget, by target",
	}, []string{"target"})

	AcksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_acks_received_total",
		Help: "Acknowledgments received, by source and kind (ack or nack)",
	}, []string{"target", "kind"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_delivery_queue_depth",
		Help: "Deliveries queued for an unavailable target",
	}, []string{"target"})

	PendingDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pending_deliveries",
		Help: "Deliveries awaiting a response",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	BreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_breaker_failures_total",
		Help: "Failures recorded by circuit breakers",
	}, []string{"breaker"})

	ExportsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_exports_started_total",
		Help: "Export sessions started",
	})

	ExportsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_exports_completed_total",
		Help: "Export sessions finished, by outcome",
	}, []string{"outcome"})

	APICallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_api_call_latency_seconds",
		Help:    "Latency of backend API calls, by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
)
