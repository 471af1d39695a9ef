package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_events_processed",
	Help: "Number of events run through the pipeline",
}, []string{"kind"})

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "warden_event_duration_sec",
	Help: "Total duration of pipeline event processing",
}, []string{"kind"})

var ruleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_rule_matches",
	Help: "Number of rule matches before resolution",
}, []string{"rule"})

var ruleEvalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_rule_eval_errors",
	Help: "Number of rule evaluations that failed and were treated as no-match",
}, []string{"rule"})

var actionsTaken = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_actions_taken",
	Help: "Number of punitive actions dispatched",
}, []string{"action"})

var actionsDeduped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "warden_actions_deduped",
	Help: "Number of apply calls rejected by the event-id idempotence guard",
})

var executorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_executor_failures",
	Help: "Number of platform executor calls that reported failure",
}, []string{"action"})
