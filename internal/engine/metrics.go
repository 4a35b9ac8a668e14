package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/stmtrelay/internal/model"
	"github.com/seantiz/stmtrelay/internal/store"
)

var (
	statementsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmtrelay_statements_submitted_total",
			Help: "Total number of statements submitted, by adapter kind.",
		},
		[]string{"adapter"},
	)

	singletonRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stmtrelay_singleton_rejections_total",
			Help: "Total number of singleton submissions rejected because the statement was already running.",
		},
	)

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmtrelay_completions_total",
			Help: "Total number of completion notifications processed, by state and mark result.",
		},
		[]string{"state", "result"},
	)

	callbackErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmtrelay_callback_errors_total",
			Help: "Total number of failed callback deliveries, by adapter kind.",
		},
		[]string{"adapter"},
	)

	batchMessageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stmtrelay_batch_message_failures_total",
			Help: "Total number of notification messages reported back to the transport as failed, by reason.",
		},
		[]string{"reason"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stmtrelay_batch_duration_seconds",
			Help:    "Duration of notification batch processing, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(statementsSubmitted)
	prometheus.MustRegister(singletonRejections)
	prometheus.MustRegister(completionsTotal)
	prometheus.MustRegister(callbackErrors)
	prometheus.MustRegister(batchMessageFailures)
	prometheus.MustRegister(batchDuration)

	// Pre-initialize label combinations so they appear in /metrics
	// before the first event.
	for _, kind := range []model.AdapterKind{model.AdapterNone, model.AdapterTaskToken, model.AdapterProvisioning} {
		statementsSubmitted.WithLabelValues(string(kind))
		callbackErrors.WithLabelValues(string(kind))
	}
	for _, state := range []string{model.StateFinished, model.StateFailed, model.StateAborted} {
		completionsTotal.WithLabelValues(state, store.Recorded.String())
		completionsTotal.WithLabelValues(state, store.AlreadyHandled.String())
	}
	for _, reason := range []string{"malformed", "unknown_statement", "unrecognized_state", "internal"} {
		batchMessageFailures.WithLabelValues(reason)
	}
}
