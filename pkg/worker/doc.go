/*
Package worker implements the per-host task puller.

A worker claims tasks from the shared todo mapping, runs them as child
processes through the runner package and keeps claiming while the host has
room. Two background loops run beside the claim loop: the heartbeat writes
the host's resources to worker_status, and the memory monitor preempts the
newest task when free DRAM falls below the return threshold.

# Architecture

	┌──────────────────────────── WORKER ─────────────────────────────┐
	│                                                                  │
	│  Recover: in_progress_tasks owned by this worker ──► todo_tasks  │
	│                                                                  │
	│  ┌──────────── claim loop ────────────┐   ┌── heartbeat ──────┐ │
	│  │ ClaimNext                           │   │ every health       │ │
	│  │   stop marker? ──► drain ──► exit   │   │ report interval    │ │
	│  │   filter: failed here, DRAM fit     │   │ worker_status[w]   │ │
	│  │   sort by priority desc             │   └────────────────────┘ │
	│  │   Claim (atomic move)               │   ┌── monitor ────────┐ │
	│  │ dispatch ──► runner.Start           │   │ free DRAM below    │ │
	│  │ while !CanAcceptNewTask:            │   │ trigger: preempt   │ │
	│  │   sleep gate recheck; ReapFinished  │   │ newest task        │ │
	│  │ sleep between accepts; ReapFinished │   └────────────────────┘ │
	│  └─────────────────────────────────────┘                          │
	└──────────────────────────────────────────────────────────────────┘

# Admission

CanAcceptNewTask refuses work when any of these holds:

	free DRAM      < min_dram_gb_accept_new_task
	total - promised DRAM < min_dram_gb_accept_new_task
	in-flight tasks >= max_task_per_worker
	idle cores     < CPUHeadroomCores

Promised DRAM is the sum of the declared DRAM of every in-flight task.

# Preemption

When only one task is running, a memory shortage means that task alone needs
more than the host offers, so it is recorded as failed with the reason
"require too much dram (worker <name>)". Otherwise the newest task goes back
to todo uncounted.

# Shutdown

Cancelling the context passed to Run kills every in-flight task and returns
it to todo. The stop marker instead lets in-flight tasks finish; DrainTimeout
bounds how long that may take.
*/
package worker
