package worker

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// heartbeatLoop publishes the worker status every health report interval
func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.logger.Info().Msg("Heartbeat started")
	for {
		if err := sleepCtx(ctx, w.config.Current().HealthReportInterval); err != nil {
			return
		}
		if err := w.reportHealth(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("Failed to report health")
		}
	}
}

func (w *Worker) reportHealth(ctx context.Context) error {
	res, err := w.refreshResources(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample resources: %w", err)
	}
	if err := w.store.Set(ctx, storage.WorkerStatus, w.name, res.Status().String()); err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return fmt.Errorf("failed to write worker status: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")
	return nil
}

// monitorLoop watches free DRAM and preempts the newest task when it drops
// below the return threshold
func (w *Worker) monitorLoop(ctx context.Context) {
	w.logger.Info().Msg("Monitoring started")
	for {
		cfg := w.config.Current()
		if err := sleepCtx(ctx, cfg.MonitorInterval); err != nil {
			return
		}

		res, err := w.refreshResources(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("Failed to sample resources")
			}
			continue
		}
		if res.FreeDRAMGB() < float64(cfg.MinDRAMGBTriggerReturn) {
			w.PreemptMostRecent(ctx)
		}
	}
}

// PreemptMostRecent kills the most recently started task. If it was the
// only task, the task itself needs more memory than this host has and is
// recorded as failed; otherwise it goes back to todo for another worker.
func (w *Worker) PreemptMostRecent(ctx context.Context) (types.Task, bool) {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()

	res := w.Resources()
	if len(w.tasks) == 0 {
		w.logger.Warn().
			Str("dram_gb", fmt.Sprintf("%.2f/%.2f", res.UsedDRAMGB, res.TotalDRAMGB)).
			Msg("DRAM is low but there is no task to return")
		return types.EmptyTask, false
	}

	var newest *inFlight
	for _, f := range w.tasks {
		if newest == nil || f.startedAt.After(newest.startedAt) {
			newest = f
		}
	}

	if !newest.run.Kill() {
		w.logger.Info().Str("task", newest.task.Key()).Msg("Most recent task already exited")
		return types.EmptyTask, false
	}

	lone := len(w.tasks) == 1
	delete(w.tasks, newest.task.Key())
	w.promisedDRAMGB -= newest.task.MinDRAMGB
	metrics.TasksInFlight.Set(float64(len(w.tasks)))
	metrics.PromisedDRAMGB.Set(float64(w.promisedDRAMGB))

	task := newest.task
	w.broker.Publish(events.New(events.EventTaskPreempted, w.name, task.Key()))

	var err error
	if lone {
		w.logger.Warn().Str("task", task.Key()).Msg("Only one task running, recording it as failed")
		reason := fmt.Sprintf("require too much dram (worker %s)", w.name)
		_, err = w.reporter.Fail(ctx, task, reason, w.config.Current().MaxRetryPerTask)
	} else {
		err = w.reporter.Return(ctx, task, events.ReasonPreempted)
	}
	if err != nil {
		w.logger.Error().Err(err).Str("task", task.Key()).Msg("Failed to report preempted task")
	}

	w.logger.Info().
		Str("task", task.Key()).
		Dur("run_time", newest.run.Result().Duration).
		Msg("Returned task")
	return task, true
}
