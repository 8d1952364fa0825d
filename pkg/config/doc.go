/*
Package config loads burrow's operator settings and keeps them fresh.

Settings live in a single YAML file. JSON is a subset of YAML, so the flat
conf.json files written for earlier deployments load unchanged. Any key left
out falls back to the built-in default.

	┌──────────────── CONFIG PROVIDER ────────────────┐
	│                                                  │
	│   conf.yaml ──► Load ──► Validate ──► *Config    │
	│       ▲                                  │       │
	│       │ fsnotify / every reload_interval │       │
	│       └──────────── Reload ◄─────────────┘       │
	│                                                  │
	│   atomic.Pointer[Config]                         │
	│       │                                          │
	│       ├─► worker:  one snapshot per decision     │
	│       ├─► reaper:  dead_worker_threshold_sec     │
	│       └─► manager: max_retry_per_task            │
	└──────────────────────────────────────────────────┘

A Config value is never mutated once published. Code that makes a decision
(admission, preemption, reporting) takes one snapshot with Current and uses
it for the whole decision, so a reload in the middle can never mix old and
new values. A file that fails to parse or validate is logged and ignored.

Store connection parameters are read once when the store is opened; a reload
that changes them only logs a warning.

# Keys

	min_dram_gb_trigger_return        preempt when free DRAM drops below this (GB)
	min_dram_gb_accept_new_task       admit only while free DRAM stays at or above this (GB)
	max_task_per_worker               concurrent task cap
	max_retry_per_task                distinct workers a task may fail on before it stays failed
	health_report_interval            heartbeat period (seconds)
	sleep_sec_between_accepting_task  pause after each successful claim
	monitor_interval_sec              reap and preemption period
	gate_recheck_sec                  wait after the admission gate says no
	drain_poll_sec, drain_timeout_sec graceful stop polling and upper bound
	dead_worker_threshold_sec         default 20 x health_report_interval
	reap_interval_sec                 reaper period
	reload_interval_sec               config refresh period
	todo_sample_threshold/_size       random sampling of large backlogs
	store_driver                      redis | bolt | postgres
	redis_host, redis_port, redis_pass, redis_db, bolt_path, postgres_dsn
	log_level, log_json, metrics_addr, result_dir
*/
package config
