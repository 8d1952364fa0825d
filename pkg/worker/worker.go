package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/runner"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CPUHeadroomCores is the number of idle cores a worker keeps before it
// accepts more work
const CPUHeadroomCores = 2.0

// interruptTimeout bounds the store writes made while shutting down
const interruptTimeout = 30 * time.Second

// State is the scheduler loop state
type State int32

const (
	StateIdle State = iota
	StateClaiming
	StateDispatching
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaiming:
		return "claiming"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds worker dependencies
type Config struct {
	// Name defaults to the hostname up to the first dot
	Name     string
	Store    storage.Store
	Config   config.Source
	Sampler  health.Sampler
	Registry *runner.Registry
	Broker   *events.Broker
}

// inFlight is a task this worker is executing
type inFlight struct {
	task      types.Task
	startedAt time.Time
	run       *runner.Run
}

// Worker pulls tasks from the coordination store and runs them locally
type Worker struct {
	name     string
	store    storage.Store
	config   config.Source
	sampler  health.Sampler
	registry *runner.Registry
	reporter *runner.Reporter
	broker   *events.Broker
	logger   zerolog.Logger

	tasks          map[string]*inFlight
	promisedDRAMGB int
	tasksMu        sync.Mutex

	resources health.Resources
	resMu     sync.RWMutex

	state atomic.Int32
}

// DefaultName returns the hostname up to the first dot
func DefaultName() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	name, _, _ := strings.Cut(host, ".")
	return name, nil
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("worker requires a store")
	}
	if cfg.Config == nil {
		return nil, errors.New("worker requires a config source")
	}

	name := cfg.Name
	if name == "" {
		var err error
		if name, err = DefaultName(); err != nil {
			return nil, err
		}
	}

	sampler := cfg.Sampler
	if sampler == nil {
		sampler = health.NewSystemSampler()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = runner.NewRegistry()
	}

	return &Worker{
		name:     name,
		store:    cfg.Store,
		config:   cfg.Config,
		sampler:  sampler,
		registry: registry,
		reporter: runner.NewReporter(cfg.Store, name, cfg.Broker),
		broker:   cfg.Broker,
		logger:   log.WithWorker("worker", name),
		tasks:    make(map[string]*inFlight),
	}, nil
}

// Name returns the worker name used in the store
func (w *Worker) Name() string {
	return w.name
}

// State returns the current loop state
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Resources returns the latest resource sample
func (w *Worker) Resources() health.Resources {
	w.resMu.RLock()
	defer w.resMu.RUnlock()
	return w.resources
}

func (w *Worker) refreshResources(ctx context.Context) (health.Resources, error) {
	res, err := w.sampler.Sample(ctx)
	if err != nil {
		return health.Resources{}, err
	}
	w.resMu.Lock()
	w.resources = res
	w.resMu.Unlock()
	return res, nil
}

// InFlight returns the number of tasks currently executing
func (w *Worker) InFlight() int {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	return len(w.tasks)
}

// PromisedDRAMGB returns the DRAM reserved by running tasks
func (w *Worker) PromisedDRAMGB() int {
	w.tasksMu.Lock()
	defer w.tasksMu.Unlock()
	return w.promisedDRAMGB
}

func (w *Worker) publish(typ events.EventType, task string) {
	w.broker.Publish(events.New(typ, w.name, task))
}

// logInfo logs the worker's load the way operators read it in the field
func (w *Worker) logInfo(msg string) {
	cfg := w.config.Current()
	res := w.Resources()
	w.tasksMu.Lock()
	inFlight, promised := len(w.tasks), w.promisedDRAMGB
	w.tasksMu.Unlock()

	w.logger.Info().
		Int("in_progress", inFlight).
		Int("max_tasks", cfg.MaxTaskPerWorker).
		Int("promised_dram_gb", promised).
		Str("dram_gb", fmt.Sprintf("%.2f/%.2f", res.UsedDRAMGB, res.TotalDRAMGB)).
		Int("min_dram_gb_accept", cfg.MinDRAMGBAcceptNewTask).
		Str("cpu_cores", fmt.Sprintf("%.2f/%.0f", res.UsedCores, res.TotalCores)).
		Msg(msg)
}

func (w *Worker) updateGauges() {
	w.tasksMu.Lock()
	inFlight, promised := len(w.tasks), w.promisedDRAMGB
	w.tasksMu.Unlock()

	metrics.TasksInFlight.Set(float64(inFlight))
	metrics.PromisedDRAMGB.Set(float64(promised))
}

// Run recovers tasks left by a previous incarnation, then claims and runs
// tasks until the stop marker appears and every in-flight task is done.
// Cancelling ctx kills in-flight tasks, returns them to todo and makes Run
// return ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.refreshResources(ctx); err != nil {
		return fmt.Errorf("failed to sample resources: %w", err)
	}
	if err := w.Recover(ctx); err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return fmt.Errorf("failed to recover tasks: %w", err)
	}
	if err := w.reportHealth(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to report health")
	}

	metrics.UpdateComponent(metrics.ComponentWorker, true, "")
	w.publish(events.EventWorkerStarted, "")
	w.logInfo("Worker started")

	loopCtx, stopLoops := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		w.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		w.monitorLoop(gctx)
		return nil
	})

	err := w.schedule(ctx)
	if err == nil {
		err = w.drain(ctx)
	}
	if ctx.Err() != nil {
		w.interrupt()
		err = ctx.Err()
	}

	stopLoops()
	_ = g.Wait()

	w.setState(StateStopped)
	metrics.UpdateComponent(metrics.ComponentWorker, false, "stopped")
	w.publish(events.EventWorkerStopped, "")
	w.logInfo("Worker stopped")
	return err
}

// Recover moves every in-progress task owned by this worker back to todo.
// A restarted worker has lost its children, so nothing it owned is running.
func (w *Worker) Recover(ctx context.Context) error {
	var owned []string
	err := w.store.Scan(ctx, storage.InProgress, func(key, owner string) error {
		if owner == w.name {
			owned = append(owned, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan in-progress tasks: %w", err)
	}

	for _, key := range owned {
		moved, err := storage.Move(ctx, w.store, storage.InProgress, storage.Todo, key, "")
		if err != nil {
			return err
		}
		if moved {
			w.broker.Publish(events.New(events.EventTaskRequeued, w.name, key).WithReason(events.ReasonInterrupted))
			w.logger.Info().Str("task", key).Msg("Returned task left by previous run")
		}
	}
	return nil
}

// schedule is the claim loop. It returns nil when the stop marker is seen.
func (w *Worker) schedule(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.setState(StateClaiming)
		task, err := w.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
			w.logger.Error().Err(err).Msg("Failed to fetch task")
			task = types.EmptyTask
		}

		if task.IsStop() {
			w.logInfo("Stop command received")
			return nil
		}
		if task.IsReal() {
			w.setState(StateDispatching)
			w.dispatch(ctx, task)
			w.logInfo("Got task " + task.Key())
		}
		w.setState(StateIdle)

		for !w.CanAcceptNewTask() {
			if err := sleepCtx(ctx, w.config.Current().GateRecheckInterval); err != nil {
				return err
			}
			w.ReapFinished()
		}

		if err := sleepCtx(ctx, w.config.Current().SleepBetweenAcceptingTask); err != nil {
			return err
		}
		w.ReapFinished()
	}
}

// readTodo returns the todo entries to choose from. Large backlogs are
// sampled, and the stop marker is looked up directly so sampling can't miss it.
func (w *Worker) readTodo(ctx context.Context, cfg *config.Config) (map[string]string, error) {
	n, err := w.store.Len(ctx, storage.Todo)
	if err != nil {
		return nil, fmt.Errorf("failed to count todo tasks: %w", err)
	}
	if n <= int64(cfg.TodoSampleThreshold) {
		return w.store.GetAll(ctx, storage.Todo)
	}

	todo, err := w.store.Sample(ctx, storage.Todo, cfg.TodoSampleSize)
	if err != nil {
		return nil, fmt.Errorf("failed to sample todo tasks: %w", err)
	}
	_, stop, err := w.store.Get(ctx, storage.Todo, types.StopMarker)
	if err != nil {
		return nil, fmt.Errorf("failed to check stop marker: %w", err)
	}
	if stop {
		todo[types.StopMarker] = ""
	}
	return todo, nil
}

// ClaimNext picks the highest priority task this worker may run and claims
// it. It returns types.EmptyTask when nothing could be claimed and
// types.StopTask when the stop marker is present.
func (w *Worker) ClaimNext(ctx context.Context) (types.Task, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimCycleDuration)

	cfg := w.config.Current()
	todo, err := w.readTodo(ctx, cfg)
	if err != nil {
		return types.EmptyTask, err
	}
	if _, ok := todo[types.StopMarker]; ok {
		return types.StopTask, nil
	}
	if len(todo) == 0 {
		return types.EmptyTask, nil
	}

	failed, err := w.store.GetAll(ctx, storage.Failed)
	if err != nil {
		return types.EmptyTask, fmt.Errorf("failed to read failed tasks: %w", err)
	}

	res := w.Resources()
	promised := float64(w.PromisedDRAMGB())
	candidates := make([]types.Task, 0, len(todo))
	for key := range todo {
		task, err := types.ParseTask(key)
		if err != nil {
			w.logger.Warn().Err(err).Str("task", key).Msg("Skipping invalid task")
			continue
		}
		// Never retry a task on a worker it already failed on
		if types.HasFailedOn(failed[key], w.name) {
			continue
		}
		dram := float64(task.MinDRAMGB)
		if dram > res.FreeDRAMGB() || dram > res.TotalDRAMGB-promised {
			continue
		}
		candidates = append(candidates, task)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	w.logger.Debug().
		Int("candidates", len(candidates)).
		Float64("promised_dram_gb", promised).
		Msg("Selecting task")

	for _, task := range candidates {
		claimed, err := w.store.Claim(ctx, task.Key(), w.name)
		if err != nil {
			return types.EmptyTask, fmt.Errorf("failed to claim task: %w", err)
		}
		if !claimed {
			// Another worker got it first
			metrics.ClaimConflicts.Inc()
			continue
		}
		metrics.UpdateComponent(metrics.ComponentStore, true, "")
		w.publish(events.EventTaskClaimed, task.Key())
		return task, nil
	}

	metrics.UpdateComponent(metrics.ComponentStore, true, "")
	return types.EmptyTask, nil
}

// CanAcceptNewTask is the admission gate. Free DRAM exactly at the floor is
// still accepted.
func (w *Worker) CanAcceptNewTask() bool {
	cfg := w.config.Current()
	res := w.Resources()
	floor := float64(cfg.MinDRAMGBAcceptNewTask)

	w.tasksMu.Lock()
	inFlight, promised := len(w.tasks), float64(w.promisedDRAMGB)
	w.tasksMu.Unlock()

	var reason string
	switch {
	case res.FreeDRAMGB() < floor:
		reason = "free DRAM below floor"
	case res.TotalDRAMGB-promised < floor:
		reason = "promised DRAM leaves too little"
	case inFlight >= cfg.MaxTaskPerWorker:
		reason = "task limit reached"
	case res.FreeCores() < CPUHeadroomCores:
		reason = "not enough idle cores"
	}

	if reason != "" {
		w.logInfo("Cannot take new task: " + reason)
		return false
	}
	return true
}

// dispatch starts the run and records it in the in-flight table
func (w *Worker) dispatch(ctx context.Context, task types.Task) {
	run := runner.Start(ctx, runner.StartConfig{
		Task:     task,
		Registry: w.registry,
		Reporter: w.reporter,
		Config:   w.config,
	})

	w.tasksMu.Lock()
	if old, ok := w.tasks[task.Key()]; ok {
		w.promisedDRAMGB -= old.task.MinDRAMGB
	}
	w.tasks[task.Key()] = &inFlight{task: task, startedAt: run.StartedAt(), run: run}
	w.promisedDRAMGB += task.MinDRAMGB
	w.tasksMu.Unlock()

	w.updateGauges()
}

// ReapFinished removes completed runs from the in-flight table and releases
// their DRAM. It never blocks on a running child.
func (w *Worker) ReapFinished() int {
	w.tasksMu.Lock()
	var done []*inFlight
	for key, f := range w.tasks {
		if f.run.Alive() {
			continue
		}
		delete(w.tasks, key)
		w.promisedDRAMGB -= f.task.MinDRAMGB
		done = append(done, f)
	}
	w.tasksMu.Unlock()

	if len(done) > 0 {
		w.updateGauges()
		for _, f := range done {
			res := f.run.Result()
			w.logger.Debug().
				Str("task", f.task.Key()).
				Str("outcome", string(res.Outcome)).
				Int("exit_code", res.ExitCode).
				Msg("Reaped task")
		}
		w.logInfo(fmt.Sprintf("Found %d finished tasks", len(done)))
	}
	return len(done)
}

// drain stops claiming and waits for in-flight tasks. Tasks still running
// after DrainTimeout are killed and returned to todo.
func (w *Worker) drain(ctx context.Context) error {
	w.setState(StateDraining)
	w.publish(events.EventWorkerDrain, "")

	deadline := time.Now().Add(w.config.Current().DrainTimeout)
	for {
		w.ReapFinished()
		if w.InFlight() == 0 {
			w.logInfo("All tasks are finished")
			return nil
		}
		if time.Now().After(deadline) {
			w.logger.Warn().Int("in_progress", w.InFlight()).Msg("Drain timeout reached, returning remaining tasks")
			w.interrupt()
			return nil
		}
		if err := sleepCtx(ctx, w.config.Current().DrainPollInterval); err != nil {
			return err
		}
	}
}

// interrupt kills every in-flight run and returns its task to todo without
// counting a failure
func (w *Worker) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()

	w.tasksMu.Lock()
	tasks := make([]*inFlight, 0, len(w.tasks))
	for _, f := range w.tasks {
		tasks = append(tasks, f)
	}
	w.tasks = make(map[string]*inFlight)
	w.promisedDRAMGB = 0
	w.tasksMu.Unlock()
	w.updateGauges()

	for _, f := range tasks {
		if !f.run.Kill() {
			// Already exited and reported
			continue
		}
		if err := w.reporter.Return(ctx, f.task, events.ReasonInterrupted); err != nil {
			w.logger.Error().Err(err).Str("task", f.task.Key()).Msg("Failed to return task")
			continue
		}
		w.logger.Info().Str("task", f.task.Key()).Msg("Returned interrupted task")
	}
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
