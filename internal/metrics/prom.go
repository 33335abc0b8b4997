package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "framerelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "relay"},
		},
		[]string{"date", "sha", "version"},
	)

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_messages_sent_total",
			Help: "Envelopes posted to the counterpart window",
		},
		[]string{"side", "category"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_messages_received_total",
			Help: "Envelopes dispatched to the message handler",
		},
		[]string{"side", "category"},
	)

	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_messages_dropped_total",
			Help: "Inbound messages dropped before dispatch",
		},
		[]string{"side", "reason"},
	)

	messagesQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_messages_queued_total",
			Help: "Outgoing envelopes queued while no counterpart was ready",
		},
		[]string{"side"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "framerelay_queue_depth",
			Help: "Current depth of the outgoing queue",
		},
		[]string{"side"},
	)

	requestTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_request_timeouts_total",
			Help: "Async requests that expired without a reply",
		},
		[]string{"side"},
	)

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framerelay_handshakes_total",
			Help: "Handshake attempts by outcome",
		},
		[]string{"side", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, messagesSent, messagesReceived, messagesDropped, messagesQueued, queueDepth, requestTimeouts, handshakes)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordMessageSent increments the sent counter for one envelope.
func RecordMessageSent(side, category string) {
	messagesSent.WithLabelValues(side, category).Inc()
}

// RecordMessageReceived increments the received counter for one envelope.
func RecordMessageReceived(side, category string) {
	messagesReceived.WithLabelValues(side, category).Inc()
}

// RecordMessageDropped increments the dropped counter with a reason such as
// "untrusted_origin", "malformed" or "self_source".
func RecordMessageDropped(side, reason string) {
	messagesDropped.WithLabelValues(side, reason).Inc()
}

// RecordMessageQueued increments the queued counter.
func RecordMessageQueued(side string) {
	messagesQueued.WithLabelValues(side).Inc()
}

// SetQueueDepth records the current outgoing queue depth.
func SetQueueDepth(side string, n int) {
	queueDepth.WithLabelValues(side).Set(float64(n))
}

// RecordRequestTimeout increments the request timeout counter.
func RecordRequestTimeout(side string) {
	requestTimeouts.WithLabelValues(side).Inc()
}

// RecordHandshake increments the handshake counter with outcome "ok" or
// "timeout".
func RecordHandshake(side, outcome string) {
	handshakes.WithLabelValues(side, outcome).Inc()
}
