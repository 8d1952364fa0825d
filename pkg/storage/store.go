package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/config"
)

// ErrUnknownDriver is returned by Open for an unsupported store driver
var ErrUnknownDriver = errors.New("unknown store driver")

// Mapping names one string-to-string map in the coordination store
type Mapping string

const (
	Todo         Mapping = "todo_tasks"
	InProgress   Mapping = "in_progress_tasks"
	Finished     Mapping = "finished_tasks"
	Failed       Mapping = "failed_tasks"
	FailReason   Mapping = "task_fail_reason"
	WorkerStatus Mapping = "worker_status"
)

// AllMappings lists every mapping burrow uses
var AllMappings = []Mapping{Todo, InProgress, Finished, Failed, FailReason, WorkerStatus}

// Store is the shared key/value service every worker coordinates through.
// Each mapping holds canonical task strings (or worker names) as keys.
type Store interface {
	Set(ctx context.Context, m Mapping, key, value string) error

	// SetIfAbsent reports whether the key was new
	SetIfAbsent(ctx context.Context, m Mapping, key, value string) (bool, error)

	Get(ctx context.Context, m Mapping, key string) (value string, found bool, err error)

	// Delete returns the number of entries removed (0 or 1). When several
	// callers delete the same key concurrently, at most one observes 1.
	Delete(ctx context.Context, m Mapping, key string) (int64, error)

	Len(ctx context.Context, m Mapping) (int64, error)
	GetAll(ctx context.Context, m Mapping) (map[string]string, error)
	Keys(ctx context.Context, m Mapping) ([]string, error)

	// Scan iterates a mapping in batches without loading it whole. fn may
	// write to the store. Returning an error from fn stops the scan.
	Scan(ctx context.Context, m Mapping, fn func(key, value string) error) error

	// Sample returns up to n random entries
	Sample(ctx context.Context, m Mapping, n int) (map[string]string, error)

	// Claim atomically moves key from todo to in-progress owned by worker.
	// It returns false when the key was no longer in todo.
	Claim(ctx context.Context, key, worker string) (bool, error)

	// Clear drops every entry of the mapping
	Clear(ctx context.Context, m Mapping) error

	Close() error
}

// Open connects to the store selected by cfg.Driver
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.DriverBolt:
		return NewBoltStore(cfg.BoltPath)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// Move deletes key from one mapping and, only if that delete removed it,
// sets it in another. The key is never present in both at once.
func Move(ctx context.Context, s Store, from, to Mapping, key, value string) (bool, error) {
	n, err := s.Delete(ctx, from, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s from %s: %w", key, from, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.Set(ctx, to, key, value); err != nil {
		return false, fmt.Errorf("failed to set %s in %s: %w", key, to, err)
	}
	return true, nil
}

// DeleteAll removes every key of a mapping one by one and returns how many
// this caller removed. Unlike Clear it leaves concurrent inserts alone.
func DeleteAll(ctx context.Context, s Store, m Mapping) (int64, error) {
	keys, err := s.Keys(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", m, err)
	}

	var removed int64
	for _, key := range keys {
		n, err := s.Delete(ctx, m, key)
		if err != nil {
			return removed, fmt.Errorf("failed to delete %s from %s: %w", key, m, err)
		}
		removed += n
	}
	return removed, nil
}

// ClearAll drops all six mappings
func ClearAll(ctx context.Context, s Store) error {
	for _, m := range AllMappings {
		if err := s.Clear(ctx, m); err != nil {
			return fmt.Errorf("failed to clear %s: %w", m, err)
		}
	}
	return nil
}
