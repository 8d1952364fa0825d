/*
Package metrics exposes Prometheus metrics and health endpoints for burrow
workers and reapers.

# Architecture

	┌──────────────────────── METRICS ────────────────────────┐
	│                                                          │
	│  worker / runner / reaper ──► events.Broker              │
	│                                   │                      │
	│                          RecordEvents(sub)               │
	│                                   ▼                      │
	│  counters ◄──────────────── task + worker events         │
	│                                                          │
	│  Collector (every 15s) ──► store sizes, live/dead workers │
	│                                                          │
	│  worker loop ──► in-flight gauge, promised DRAM,         │
	│                  claim cycle histogram                   │
	│                                                          │
	│  NewServeMux: /metrics  /health  /ready  /live           │
	└──────────────────────────────────────────────────────────┘

# Metrics

Counters:

	burrow_tasks_claimed_total
	burrow_tasks_finished_total
	burrow_tasks_failed_total{final}       every failed run; final when no retry is left
	burrow_tasks_requeued_total{reason}    retry, preempted, dead_worker, interrupted
	burrow_tasks_preempted_total
	burrow_claim_conflicts_total           claim lost to another worker
	burrow_dead_workers_reaped_total
	burrow_config_reloads_total{result}    changed, unchanged, error

Gauges:

	burrow_tasks_in_flight
	burrow_promised_dram_gb
	burrow_mapping_entries{mapping}
	burrow_workers{state}                  alive, dead

Histograms:

	burrow_claim_cycle_duration_seconds
	burrow_task_duration_seconds{outcome}
	burrow_reap_duration_seconds

# Health

Components report through UpdateComponent. /health is unhealthy when any
component is, /ready waits for the critical components set with
SetCriticalComponents, and /live always answers while the process runs.

	metrics.SetCriticalComponents(metrics.ComponentStore, metrics.ComponentWorker)
	metrics.UpdateComponent(metrics.ComponentStore, true, "")
	srv := metrics.NewServer(":9100")
	go srv.ListenAndServe()

Use Timer to observe durations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReapDuration)
*/
package metrics
