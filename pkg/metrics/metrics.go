// Package metrics holds the prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fengshui",
		Name:      "outbound_http_attempts_total",
		Help:      "Outbound HTTP attempts by host and outcome.",
	}, []string{"host", "outcome"})

	StageCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fengshui",
		Name:      "workflow_stage_calls_total",
		Help:      "Workflow stage invocations by stage and outcome.",
	}, []string{"stage", "outcome"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fengshui",
		Name:      "idempotency_cache_lookups_total",
		Help:      "Idempotency cache lookups by stage and result.",
	}, []string{"stage", "result"})

	ReportJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fengshui",
		Name:      "report_jobs_total",
		Help:      "Async report jobs by outcome.",
	}, []string{"outcome"})

	PaymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fengshui",
		Name:      "payment_transitions_total",
		Help:      "Applied payment status transitions.",
	}, []string{"status"})
)

// Register adds every collector to reg. Registering twice returns the
// AlreadyRegistered error from the registry.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{HTTPAttempts, StageCalls, CacheLookups, ReportJobs, PaymentTransitions} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
