/*
Package manager provides the administrative operations run from the CLI
against the coordination store.

	┌────────────── OPERATION ──────────────┬──────────── EFFECT ─────────────┐
	│ InitStore                              │ clear all six mappings          │
	│ LoadTasks                              │ task file ──► todo_tasks        │
	│ TaskStatus                             │ counts and filtered listings    │
	│ WorkerReport                           │ worker_status plus task counts  │
	│ RequeueFailed                          │ failed_tasks ──► todo_tasks     │
	│ RequeueInProgress                      │ in_progress ──► todo_tasks      │
	│ RemoveFinished                         │ drop finished_tasks             │
	│ StopWorkers / ResumeWorkers            │ set / delete the stop marker    │
	│ Reap                                   │ one dead worker pass            │
	└────────────────────────────────────────┴─────────────────────────────────┘

# Task Files

One canonical task string per line:

	# comment
	shell:5:2:1:python3 sim.py --size 10
	python:1:0:0:print("hello")

Lines starting with '#' and lines of two or fewer non-blank characters are
skipped. Invalid lines are reported and skipped. LoadTasks never queues a
task that is already finished or in progress, and never overwrites a queued
one.

# Filters

Listings take an include and an exclude substring. When both are given only
include applies.

RequeueInProgress ignores ownership. Stop every worker first; a running
worker would otherwise run a task that is queued again.
*/
package manager
