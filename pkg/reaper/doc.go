/*
Package reaper detects dead workers and returns the tasks they held.

A worker writes worker_status every health report interval. A worker whose
last report is older than the dead worker threshold, or whose status entry
can't be parsed, is dead:

	┌──────────────────── REAP PASS (every reap interval) ───────────────────┐
	│                                                                         │
	│  worker_status ──► stale or malformed? ──► delete entry, worker.dead     │
	│                                                                         │
	│  in_progress_tasks ──► owner dead? ─────────────► move to todo_tasks     │
	│                                                   task.requeued          │
	│                                                   (reason dead_worker)   │
	└─────────────────────────────────────────────────────────────────────────┘

Only tasks owned by a worker declared dead in the same pass are moved. An
owner with no status entry at all is left alone: it may have started after
worker_status was read. Before moving, the reaper checks whether the dead
worker has reported again and reads the task owner once more, so a task that
changed hands after the scan stays where it is. A requeue never counts as a
failure.

The threshold defaults to twenty health report intervals. Run ReapOnce from
the CLI for a single pass, or Start for the periodic loop.
*/
package reaper
