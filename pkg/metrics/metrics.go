// Package metrics declares the scheduling core's Prometheus instruments and
// an HTTP handler to expose them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal tracks the current task count by status.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sched_tasks_total",
			Help: "Current number of tasks by schedule status",
		},
		[]string{"status"},
	)

	// TaskQueriesByID counts consistent single-task lookups.
	TaskQueriesByID = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_task_queries_by_id_total",
			Help: "Total number of task lookups keyed by task id",
		},
	)

	// TaskQueriesByJob counts lookups scoped to a single job.
	TaskQueriesByJob = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_task_queries_by_job_total",
			Help: "Total number of task queries scoped to a job key",
		},
	)

	// TaskQueriesAll counts unscoped queries across the whole store.
	TaskQueriesAll = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_task_queries_all_total",
			Help: "Total number of unscoped task queries",
		},
	)

	// SlowQueriesTotal counts reads that exceeded the slow-query logging
	// threshold.
	SlowQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_slow_queries_total",
			Help: "Total number of storage reads exceeding the slow-query threshold",
		},
	)

	// SchedulingAttempts counts every offer-matching attempt, successful or
	// not.
	SchedulingAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_scheduling_attempts_total",
			Help: "Total number of scheduling attempts against an offer",
		},
	)

	// SchedulingLatency measures the time to find and commit a placement for
	// a single PENDING task once an offer is available.
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sched_scheduling_latency_seconds",
			Help:    "Time to place a pending task against an offer",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TasksScheduled counts tasks that transitioned PENDING -> ASSIGNED.
	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a host",
		},
	)

	// VetoesTotal counts filter vetoes by reason.
	VetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sched_vetoes_total",
			Help: "Total number of scheduling filter vetoes by reason",
		},
		[]string{"reason"},
	)

	// PreemptionAttempts counts preempter sweep iterations.
	PreemptionAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_preemption_attempts_total",
			Help: "Total number of preemption sweep iterations",
		},
	)

	// TasksPreempted counts victim tasks killed to make room for a
	// higher-priority pending task.
	TasksPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_tasks_preempted_total",
			Help: "Total number of tasks preempted to admit a higher priority task",
		},
	)

	// PreemptionLatency measures time from preemption decision to victim
	// kill dispatch.
	PreemptionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sched_preemption_latency_seconds",
			Help:    "Time from preemption candidate selection to kill dispatch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CronJobLaunchFailures counts cron jobs that could not be scheduled
	// because they failed admission or carried an invalid cron schedule.
	CronJobLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sched_cron_job_launch_failures_total",
			Help: "Total number of cron job launch failures by job key",
		},
		[]string{"job"},
	)

	// ShardSanityCheckFailures counts shard-uniqueness violations caught by
	// the storage backfill sweep.
	ShardSanityCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sched_shard_sanity_check_failures_total",
			Help: "Total number of duplicate-shard violations corrected at storage recovery",
		},
	)

	// UpdatesInProgress tracks the number of jobs with an active rolling
	// update.
	UpdatesInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sched_updates_in_progress",
			Help: "Current number of jobs with an active rolling update",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TaskQueriesByID)
	prometheus.MustRegister(TaskQueriesByJob)
	prometheus.MustRegister(TaskQueriesAll)
	prometheus.MustRegister(SlowQueriesTotal)
	prometheus.MustRegister(SchedulingAttempts)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(VetoesTotal)
	prometheus.MustRegister(PreemptionAttempts)
	prometheus.MustRegister(TasksPreempted)
	prometheus.MustRegister(PreemptionLatency)
	prometheus.MustRegister(CronJobLaunchFailures)
	prometheus.MustRegister(ShardSanityCheckFailures)
	prometheus.MustRegister(UpdatesInProgress)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
