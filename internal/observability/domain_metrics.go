package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laragrep_questions_total",
			Help: "Total number of natural language questions received.",
		},
	)
	refusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laragrep_refusals_total",
			Help: "Total number of refused questions by cause.",
		},
		[]string{"cause"},
	)
	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laragrep_model_calls_total",
			Help: "Total number of model calls by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)
	planRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laragrep_plan_rejections_total",
			Help: "Total number of rejected model plans by reason.",
		},
		[]string{"reason"},
	)
	queryDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "laragrep_query_duration_ms",
			Help:    "Planned SQL step execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
	)
	conversationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "laragrep_conversation_failures_total",
			Help: "Total number of conversation storage failures tolerated as stateless requests.",
		},
	)
	authFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "laragrep_auth_failures_total",
			Help: "Total number of rejected requests by failure reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		refusalsTotal,
		modelCallsTotal,
		planRejectionsTotal,
		queryDurationMs,
		conversationFailuresTotal,
		authFailuresTotal,
	)
}

func IncrementQuestions() {
	questionsTotal.Inc()
}

func IncrementRefusal(cause string) {
	refusalsTotal.WithLabelValues(cause).Inc()
}

func ObserveModelCall(phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	modelCallsTotal.WithLabelValues(phase, outcome).Inc()
}

func IncrementPlanRejection(reason string) {
	planRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveQueryDuration(elapsed time.Duration) {
	queryDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementConversationFailure() {
	conversationFailuresTotal.Inc()
}

func IncrementAuthFailure(reason string) {
	authFailuresTotal.WithLabelValues(reason).Inc()
}
