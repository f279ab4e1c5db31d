// Package metrics holds the process-wide prometheus collectors of the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TaskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_task_runs_total", Help: "Tenant task executions by outcome"},
		[]string{"task", "outcome"},
	)
	TaskSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_task_skipped_total", Help: "Ticks skipped because the previous run was still in flight"},
		[]string{"task"},
	)
	RunningSchedulers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_running_tenants", Help: "Tenant schedulers currently owned by this process"},
	)
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_is_leader", Help: "1 while this process holds the leader lease"},
	)
	SignalTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signal_transitions_total", Help: "Signal lifecycle transitions by target status"},
		[]string{"status"},
	)
	PriceFetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "price_fetch_errors_total", Help: "Failed upstream price fetches"},
		[]string{"instrument", "served_stale"},
	)
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_processed_total", Help: "Queue jobs processed by type and outcome"},
		[]string{"job_type", "outcome"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifications_total", Help: "Outbound channel messages by kind and outcome"},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TaskRunsTotal,
		TaskSkippedTotal,
		RunningSchedulers,
		IsLeader,
		SignalTransitionsTotal,
		PriceFetchErrorsTotal,
		JobsProcessedTotal,
		NotificationsTotal,
	)
}
