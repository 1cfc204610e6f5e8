package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	sentMsgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "sent_total",
			Help:      "Amount of messages accepted by the relay",
		},
	)
	failedAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "failed_attempts_total",
			Help:      "Amount of delivery attempts that ended in an error",
		},
	)
	deadMsgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "dead_total",
			Help:      "Amount of messages that exhausted the retry budget",
		},
	)
	purgedMsgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "purged_total",
			Help:      "Amount of terminal messages removed by retention",
		},
	)
	skippedAttachments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Subsystem: "queue",
			Name:      "skipped_attachments_total",
			Help:      "Amount of attachments skipped due to missing blobs",
		},
	)
)

func init() {
	prometheus.MustRegister(sentMsgs, failedAttempts, deadMsgs, purgedMsgs, skippedAttachments)
}
