// Package metrics exposes relay pipeline counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSubmitted counts accepted messages by tier name.
	MessagesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_submitted_total",
		Help: "Messages accepted by the pipeline, by tier.",
	}, []string{"tier"})

	// SpamDetected counts messages classified as spam.
	SpamDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_spam_detected_total",
		Help: "Messages classified as spam at ingress.",
	})

	// BatchesReleased counts batch envelopes by release reason.
	BatchesReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_batches_released_total",
		Help: "Batch envelopes released, by reason.",
	}, []string{"reason"})

	// BatchSize observes released batch sizes.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Size of released batch envelopes.",
		Buckets: []float64{1, 2, 5, 10, 25, 50},
	})

	// RetriesSucceeded counts redeliveries that eventually succeeded.
	RetriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retries_succeeded_total",
		Help: "Messages redelivered successfully after retry.",
	})

	// RetriesAbandoned counts dead-lettered messages.
	RetriesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retries_abandoned_total",
		Help: "Messages abandoned after exhausting the retry budget.",
	})

	// OfflineStored counts messages stored for disconnected recipients.
	OfflineStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_offline_stored_total",
		Help: "Messages stored in offline mailboxes.",
	})

	// OfflineDelivered counts mailbox messages drained on reconnect.
	OfflineDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_offline_delivered_total",
		Help: "Offline messages delivered on reconnect.",
	})

	// OfflineExpired counts mailbox messages dropped past their TTL.
	OfflineExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_offline_expired_total",
		Help: "Offline messages discarded after expiry.",
	})

	// ConnectedClients tracks live gateway sessions.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_clients",
		Help: "Currently connected gateway clients.",
	})
)
