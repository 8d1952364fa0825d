package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task lifecycle metrics
	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_claimed_total",
			Help: "Total number of tasks claimed by this process",
		},
	)

	TasksFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_finished_total",
			Help: "Total number of tasks that exited successfully",
		},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_failed_total",
			Help: "Total number of failed task runs; final is true when no retry is left",
		},
		[]string{"final"},
	)

	TasksRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_requeued_total",
			Help: "Total number of tasks returned to todo by reason",
		},
		[]string{"reason"},
	)

	TasksPreempted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_preempted_total",
			Help: "Total number of running tasks killed under memory pressure",
		},
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_claim_conflicts_total",
			Help: "Total number of claims lost to another worker",
		},
	)

	DeadWorkersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_dead_workers_reaped_total",
			Help: "Total number of workers declared dead by the reaper",
		},
	)

	ConfigReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_config_reloads_total",
			Help: "Total number of config reload attempts by result",
		},
		[]string{"result"},
	)

	// Worker state
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_tasks_in_flight",
			Help: "Number of tasks currently executing on this worker",
		},
	)

	PromisedDRAMGB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_promised_dram_gb",
			Help: "Sum of min_dram_gb over tasks running on this worker",
		},
	)

	// Store metrics
	MappingEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_mapping_entries",
			Help: "Number of entries per store mapping",
		},
		[]string{"mapping"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_workers",
			Help: "Number of workers by heartbeat state",
		},
		[]string{"state"},
	)

	// Latency metrics
	ClaimCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_claim_cycle_duration_seconds",
			Help:    "Time taken to select and claim one task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_task_duration_seconds",
			Help:    "Task execution time in seconds by outcome",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"outcome"},
	)

	ReapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reap_duration_seconds",
			Help:    "Time taken by one dead worker sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRequeued)
	prometheus.MustRegister(TasksPreempted)
	prometheus.MustRegister(ClaimConflicts)
	prometheus.MustRegister(DeadWorkersReaped)
	prometheus.MustRegister(ConfigReloadsTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(PromisedDRAMGB)
	prometheus.MustRegister(MappingEntries)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ClaimCycleDuration)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(ReapDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
