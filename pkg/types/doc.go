/*
Package types defines the data model shared by every burrow component.

Everything a worker, the reaper or an operator exchanges goes through the
coordination store as plain strings. This package owns those string formats
so that the rest of the code base only sees typed values.

# Task strings

A task is identified by its canonical string:

	<type>:<priority>:<min_dram_gb>:<cpu_cores>:<params>

	shell:5:8:0:./cachesim trace.bin lru 0.1
	│     │ │ │ └─ params, passed to the handler (may contain ':')
	│     │ │ └─── cpu cores (informational)
	│     │ └───── DRAM in GB needed before a worker accepts it
	│     └─────── priority, higher runs first
	└───────────── task type, must be registered

The canonical string is also the store key, so two tasks are equal iff their
strings are equal and ParseTask(s).String() == s for every valid s.

Task is a tagged value. Besides real tasks there are two sentinels:

  - EmptyTask: the scheduler found nothing it can run right now
  - StopTask: the todo mapping holds StopMarker; workers drain and exit

# Other records

  - WorkerStatus: "<unix_ts>:<used_cores>:<total_cores>:<used_gb>:<total_gb>"
  - failed record: comma-joined worker names, "w1,w2,"
  - finished summary: "<worker>: <json stdout>"

# Usage

	task, err := types.ParseTask("shell:5:1:0:echo hi")
	if err != nil {
		return err
	}
	fmt.Println(task.Priority, task.Params)

	status := types.WorkerStatus{Timestamp: time.Now(), TotalCores: 8}
	store.Set(ctx, storage.WorkerStatus, name, status.String())
*/
package types
