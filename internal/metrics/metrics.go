// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "messaging"

var (
	MessagesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_appended_total",
		Help:      "Messages written to the store, by type.",
	}, []string{"type"})

	SequenceConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_conflicts_total",
		Help:      "Appends retried after a sequence collision.",
	})

	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_failures_total",
		Help:      "Events that could not be handed to the broadcast bus.",
	}, []string{"event"})

	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open WebSocket connections on this instance.",
	})

	PresenceMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "presence_members",
		Help:      "Members across all presence channels on this instance.",
	})

	TipTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tip_request_transitions_total",
		Help:      "Tip request responses, by outcome.",
	}, []string{"outcome"})

	PaymentFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_failures_total",
		Help:      "Payment captures that failed or timed out.",
	})

	TypingThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "typing_throttled_total",
		Help:      "Typing signals dropped by the per-user limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		SequenceConflicts,
		PublishFailures,
		WSConnections,
		PresenceMembers,
		TipTransitions,
		PaymentFailures,
		TypingThrottled,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
