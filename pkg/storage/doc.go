/*
Package storage is the coordination store client every burrow process talks
through.

The store is a set of named string-to-string mappings. Task state lives
entirely in which mapping holds a task's canonical string:

	┌──────────────────── COORDINATION STORE ───────────────────┐
	│                                                             │
	│   todo_tasks          task → ""                             │
	│        │ Claim (atomic)                                     │
	│        ▼                                                    │
	│   in_progress_tasks   task → worker name                    │
	│        │                                                    │
	│        ├─► finished_tasks    task → "worker: <stdout>"      │
	│        ├─► failed_tasks      task → "w1,w2,"                │
	│        │   task_fail_reason  task → <stderr>                │
	│        └─► todo_tasks        (retry, preempt, dead worker)  │
	│                                                             │
	│   worker_status       worker → "ts:used:total:used:total"   │
	└─────────────────────────────────────────────────────────────┘

# Backends

	RedisStore     one hash per mapping; the production backend. Claim is a
	               Lua script (HDEL then HSET) so it is atomic.
	BoltStore      one bucket per mapping in a local bbolt file. The file is
	               locked by whichever process opens it, so only one
	               process uses it at a time: a lone worker, or admin
	               commands while no worker runs. Mostly for tests.
	PostgresStore  a single burrow_entries(mapping, key, value) table.

Open picks a backend from the store section of the config.

# Delete contract

Delete reports how many entries it removed. When several processes delete the
same key at once, at most one of them sees 1. Workers and the reaper rely on
this to decide who owns a task move, so every backend is tested for it with
concurrent callers.

# Usage

	store, err := storage.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	claimed, err := store.Claim(ctx, task.Key(), workerName)

	// Move only sets the destination if this caller removed the source
	moved, err := storage.Move(ctx, store, storage.InProgress, storage.Todo, key, "")

Backend tests for Redis and PostgreSQL run when BURROW_TEST_REDIS_ADDR or
BURROW_TEST_POSTGRES_DSN is set; the Redis tests use database 15 and clear it.
*/
package storage
