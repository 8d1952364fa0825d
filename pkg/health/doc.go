/*
Package health measures the resources of the host a worker runs on.

A Sampler returns total and used CPU cores and DRAM. The worker samples once
per health_report_interval and uses the result two ways: it publishes a
WorkerStatus heartbeat to the worker_status mapping, and it keeps the last
sample as the view behind the admission gate and the preemption check.

	┌──────────────── RESOURCE SAMPLING ────────────────┐
	│                                                    │
	│   /proc/meminfo ──┐                                │
	│   /proc/stat   ───┼─► SystemSampler ─► Resources   │
	│   pbnjay/memory ──┘   (fallback)        │          │
	│                                         ├─► worker_status
	│                                         └─► admission gate
	└────────────────────────────────────────────────────┘

Used memory is MemTotal minus MemAvailable, so page cache counts as free.
CPU usage is the busy share of CPU time between two samples multiplied by the
number of logical CPUs.

Tests substitute a SamplerFunc to drive the worker through exact memory
boundaries.
*/
package health
