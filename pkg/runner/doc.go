/*
Package runner executes claimed tasks as child processes and records their
outcome in the coordination store.

	┌──────────────────────── TASK RUN ────────────────────────┐
	│                                                            │
	│  Registry.Command(task) ──► exec.Cmd (own process group)   │
	│                                │                           │
	│                  stdout/stderr captured (capped)           │
	│                                │                           │
	│            exit 0 ─────────────┼──────────── exit != 0     │
	│              │                 │                 │         │
	│       Reporter.Finish      Kill (preempt,   Reporter.Fail  │
	│              │            shutdown): no         │         │
	│              ▼             report               ▼         │
	│   finished_tasks                         failed_tasks      │
	│   "worker: <json stdout>"                "w1,w2,"          │
	│                                          task_fail_reason  │
	│                                          todo_tasks if     │
	│                                          distinct < max    │
	└────────────────────────────────────────────────────────────┘

# Handlers

	shell   sh -c <params>
	demo    echo demo <params>
	python  python3 -c <params>

Register adds further types; registering also makes the type valid for
types.ParseTask.

# Reporting

Before writing, the reporter checks that in_progress_tasks names this worker.
A mismatch means another process already moved the task; it is logged and the
report proceeds, matching how the stores have always been written. Writes are
ordered so a task is never in todo and in progress at the same time: the
in-progress entry is deleted before the todo entry is set.

Stdout of 1 MiB or more is stored as "stdout is too large". A failure reason
longer than 1024 bytes is stored as "stderr is too large. " followed by the
first 1024 bytes of the quoted stderr.

Each child receives BURROW_WORKER and BURROW_TASK in its environment and runs
in result_dir when that is configured.
*/
package runner
