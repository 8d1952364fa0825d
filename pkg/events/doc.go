/*
Package events provides an in-memory event broker for task and worker
lifecycle notifications inside a burrow process.

The broker decouples the code that moves tasks between mappings from the code
that observes those moves. The worker and reaper publish; the metrics package
subscribes and turns events into Prometheus counters, and the CLI can stream
them as log lines with `burrow worker --events`.

	┌──────────────────── EVENT BROKER ─────────────────────┐
	│                                                        │
	│  worker / reaper / manager                             │
	│        │ Publish (never blocks, drops when full)       │
	│        ▼                                               │
	│  event channel (buffer: 256)                           │
	│        │ broadcast loop                                │
	│        ▼                                               │
	│  subscriber channels (buffer: 128 each)                │
	│        ├─► metrics.RecordEvents                        │
	│        └─► CLI event log                               │
	└────────────────────────────────────────────────────────┘

# Event Types

	task.claimed     a worker moved a task from todo to in-progress
	task.finished    result recorded in finished
	task.failed      failure recorded; task stays failed
	task.requeued    task returned to todo (reason: retry, preempted,
	                 dead_worker, interrupted, admin)
	task.preempted   a running task was killed to relieve memory pressure
	worker.started   worker loop started
	worker.draining  stop marker seen, waiting for in-flight tasks
	worker.stopped   worker loop exited
	worker.dead      reaper found a stale heartbeat

Events are process-local and best effort. The coordination store remains the
only source of truth for task state.
*/
package events
