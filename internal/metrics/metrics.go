// Package metrics provides Prometheus instrumentation for the Duet relay.
// It exposes counters for signaling throughput, polling, and push
// notifications, plus a histogram for request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalSendsTotal counts accepted signaling writes, labeled by kind:
	// "offer", "answer", "candidate", or "end".
	SignalSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_signal_sends_total",
		Help: "Total number of signaling messages accepted into mailboxes",
	}, []string{"kind"})

	// SignalRejectsTotal counts rejected signaling writes, labeled by
	// reason: "no_partner", "missing_payload", or "rate_limited".
	SignalRejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_signal_rejects_total",
		Help: "Total number of rejected signaling sends",
	}, []string{"reason"})

	// PollsTotal counts mailbox polls, labeled by result: "pending" when
	// anything was delivered, "empty" otherwise.
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_polls_total",
		Help: "Total number of mailbox polls",
	}, []string{"result"})

	// CandidatesDeliveredTotal counts candidate fragments drained to
	// recipients.
	CandidatesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_candidates_delivered_total",
		Help: "Total number of candidate fragments delivered via poll",
	})

	// PushNotificationsTotal counts push notifications published.
	PushNotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_push_notifications_total",
		Help: "Total number of push notifications published",
	})

	// RequestDuration records API request handling latency in seconds.
	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_request_duration_seconds",
		Help:    "API request handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		SignalSendsTotal,
		SignalRejectsTotal,
		PollsTotal,
		CandidatesDeliveredTotal,
		PushNotificationsTotal,
		RequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
