/*
Package log provides structured logging for burrow using zerolog.

A single global zerolog.Logger is configured once by the CLI through Init and
every long-lived component derives a child logger from it:

	┌──────────────────── LOGGING ─────────────────────┐
	│                                                   │
	│   log.Init(Config{Level, JSONOutput, Output})     │
	│                  │                                │
	│        ┌─────────┼──────────┬───────────┐         │
	│        ▼         ▼          ▼           ▼         │
	│     worker    runner     reaper     manager       │
	│  WithWorker  WithTask  WithComponent WithComponent│
	└───────────────────────────────────────────────────┘

Console output is meant for operators watching a worker in a terminal; JSON
output is meant for log shipping. The level can be changed at runtime with
SetLevel, which the config provider calls when log_level changes on reload.

# Fields

  - component: "worker", "runner", "reaper", "manager", "config", "storage"
  - worker: the worker name (hostname up to the first dot)
  - task: the canonical task string

# Usage

	log.Init(log.Config{Level: log.InfoLevel})

	logger := log.WithWorker("worker", "node-3")
	logger.Info().Int("in_progress", 2).Msg("Claimed task")

	taskLog := log.WithTask(logger, task.Key())
	taskLog.Warn().Msg("Task owned by another worker, reporting anyway")
*/
package log
