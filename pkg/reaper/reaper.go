package reaper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Result describes one reap pass
type Result struct {
	// DeadWorkers whose status entry was removed
	DeadWorkers []string
	// Requeued task keys moved from in progress back to todo
	Requeued []string
}

// Reaper returns tasks held by workers that stopped reporting
type Reaper struct {
	store  storage.Store
	config config.Source
	broker *events.Broker
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewReaper creates a new reaper. broker may be nil.
func NewReaper(store storage.Store, cfg config.Source, broker *events.Broker) *Reaper {
	return &Reaper{
		store:  store,
		config: cfg,
		broker: broker,
		logger: log.WithComponent("reaper"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the reap loop
func (r *Reaper) Start() {
	if r.started.Swap(true) {
		return
	}
	go r.run()
}

// Stop stops the reap loop and waits for a pass in progress
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *Reaper) run() {
	defer close(r.doneCh)

	interval := r.config.Current().ReapInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	metrics.UpdateComponent(metrics.ComponentReaper, true, "")
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := r.ReapOnce(ctx); err != nil {
				metrics.UpdateComponent(metrics.ComponentReaper, false, err.Error())
				metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
				r.logger.Error().Err(err).Msg("Reap failed")
			} else {
				metrics.UpdateComponent(metrics.ComponentReaper, true, "")
				metrics.UpdateComponent(metrics.ComponentStore, true, "")
			}
			cancel()

			// Pick up reloaded intervals
			if next := r.config.Current().ReapInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-r.stopCh:
			return
		}
	}
}

// ReapOnce removes status entries older than the dead worker threshold and
// moves their in-progress tasks back to todo. Malformed status entries count
// as dead. Tasks of owners that were not declared dead in this pass are left
// alone, even when the owner has no status entry.
func (r *Reaper) ReapOnce(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReapDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := r.config.Current().DeadWorkerThreshold
	now := r.now()

	statuses, err := r.store.GetAll(ctx, storage.WorkerStatus)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read worker status: %w", err)
	}

	var result Result
	dead := make(map[string]bool)
	for name, value := range statuses {
		status, err := types.ParseWorkerStatus(value)
		if err != nil {
			r.logger.Warn().Err(err).Str("worker", name).Msg("Malformed worker status")
		} else if !status.Stale(now, threshold) {
			continue
		}
		dead[name] = true
	}

	for name := range dead {
		if _, err := r.store.Delete(ctx, storage.WorkerStatus, name); err != nil {
			return result, fmt.Errorf("failed to remove worker status: %w", err)
		}
		result.DeadWorkers = append(result.DeadWorkers, name)
		r.broker.Publish(events.New(events.EventWorkerDead, name, ""))
		r.logger.Warn().Str("worker", name).Msg("Worker is dead")
	}

	orphans := make(map[string]string)
	err = r.store.Scan(ctx, storage.InProgress, func(key, owner string) error {
		if dead[owner] {
			orphans[key] = owner
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("failed to scan in-progress tasks: %w", err)
	}

	revived := make(map[string]bool)
	for key, owner := range orphans {
		if _, ok := revived[owner]; !ok {
			back, err := r.reportedSince(ctx, owner, threshold)
			if err != nil {
				return result, err
			}
			revived[owner] = back
			if back {
				r.logger.Info().Str("worker", owner).Msg("Worker reported again, keeping its tasks")
			}
		}
		if revived[owner] {
			continue
		}

		// The task may have changed hands since the scan
		current, found, err := r.store.Get(ctx, storage.InProgress, key)
		if err != nil {
			return result, fmt.Errorf("failed to read task owner: %w", err)
		}
		if !found || current != owner {
			continue
		}

		moved, err := storage.Move(ctx, r.store, storage.InProgress, storage.Todo, key, "")
		if err != nil {
			return result, err
		}
		if !moved {
			continue
		}
		result.Requeued = append(result.Requeued, key)
		r.broker.Publish(events.New(events.EventTaskRequeued, owner, key).WithReason(events.ReasonDeadWorker))
		r.logger.Info().Str("worker", owner).Str("task", key).Msg("Requeued task from dead worker")
	}

	sort.Strings(result.DeadWorkers)
	sort.Strings(result.Requeued)

	if len(result.DeadWorkers) > 0 || len(result.Requeued) > 0 {
		r.logger.Info().
			Int("dead_workers", len(result.DeadWorkers)).
			Int("requeued", len(result.Requeued)).
			Msg("Reap complete")
	}
	return result, nil
}

// reportedSince reports whether worker has written a fresh status after its
// stale one was removed
func (r *Reaper) reportedSince(ctx context.Context, worker string, threshold time.Duration) (bool, error) {
	value, found, err := r.store.Get(ctx, storage.WorkerStatus, worker)
	if err != nil {
		return false, fmt.Errorf("failed to read worker status: %w", err)
	}
	if !found {
		return false, nil
	}
	status, err := types.ParseWorkerStatus(value)
	if err != nil {
		return false, nil
	}
	return !status.Stale(r.now(), threshold), nil
}
