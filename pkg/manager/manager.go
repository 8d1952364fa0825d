package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/reaper"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// maxTaskLine bounds a single line in a task file
const maxTaskLine = 16 << 20

// Manager performs administrative operations on the coordination store
type Manager struct {
	store  storage.Store
	config config.Source
	reaper *reaper.Reaper
	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	Store  storage.Store
	Config config.Source
	// Broker receives reaper events. Optional.
	Broker *events.Broker
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("manager requires a store")
	}
	if cfg.Config == nil {
		return nil, errors.New("manager requires a config source")
	}
	return &Manager{
		store:  cfg.Store,
		config: cfg.Config,
		reaper: reaper.NewReaper(cfg.Store, cfg.Config, cfg.Broker),
		logger: log.WithComponent("manager"),
	}, nil
}

// Filter selects tasks or workers by substring. Include wins when both are set.
type Filter struct {
	Include string
	Exclude string
}

// Match reports whether s passes the filter
func (f Filter) Match(s string) bool {
	if f.Include != "" {
		return strings.Contains(s, f.Include)
	}
	if f.Exclude != "" {
		return !strings.Contains(s, f.Exclude)
	}
	return true
}

// InitStore clears every mapping
func (m *Manager) InitStore(ctx context.Context) error {
	if err := storage.ClearAll(ctx, m.store); err != nil {
		return err
	}
	m.logger.Info().Msg("Store initialized")
	return nil
}

// ParseTaskFile reads one task per line. Lines starting with '#' or holding
// at most two non-blank characters are ignored. Invalid lines are returned
// separately. Duplicates are dropped, keeping first occurrence order.
func ParseTaskFile(r io.Reader) (tasks []string, invalid []string, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxTaskLine)

	seen := make(map[string]bool)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.HasPrefix(line, "#") || len(strings.TrimSpace(line)) <= 2 {
			continue
		}
		if !types.IsValidTask(line) {
			invalid = append(invalid, line)
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		tasks = append(tasks, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return tasks, invalid, nil
}

// LoadResult summarizes a task load
type LoadResult struct {
	// Loaded is the number of distinct valid tasks in the file
	Loaded int
	// Added is the number of tasks newly put in todo
	Added   int
	Invalid []string
}

// LoadTasks adds the tasks in the file at path to todo, skipping tasks that
// are already finished, in progress or queued
func (m *Manager) LoadTasks(ctx context.Context, path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()
	return m.LoadTaskReader(ctx, f)
}

// LoadTaskReader is LoadTasks reading from r
func (m *Manager) LoadTaskReader(ctx context.Context, r io.Reader) (LoadResult, error) {
	tasks, invalid, err := ParseTaskFile(r)
	if err != nil {
		return LoadResult{}, err
	}
	for _, line := range invalid {
		m.logger.Warn().Str("task", line).Msg("Task format error")
	}

	finished, err := m.store.GetAll(ctx, storage.Finished)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to read finished tasks: %w", err)
	}
	inProgress, err := m.store.GetAll(ctx, storage.InProgress)
	if err != nil {
		return LoadResult{}, fmt.Errorf("failed to read in-progress tasks: %w", err)
	}

	res := LoadResult{Loaded: len(tasks), Invalid: invalid}
	for _, task := range tasks {
		if _, ok := finished[task]; ok {
			continue
		}
		if _, ok := inProgress[task]; ok {
			continue
		}
		added, err := m.store.SetIfAbsent(ctx, storage.Todo, task, "")
		if err != nil {
			return res, fmt.Errorf("failed to add task: %w", err)
		}
		if added {
			res.Added++
		}
	}

	m.logger.Info().Int("loaded", res.Loaded).Int("added", res.Added).Msg("Tasks loaded")
	return res, nil
}

// Entry is one task and its mapping value
type Entry struct {
	Task  string
	Value string
}

// TaskStatus is a snapshot of every task mapping. Counts cover all entries;
// the listings only those passing the filter.
type TaskStatus struct {
	TodoCount       int
	InProgressCount int
	FinishedCount   int
	FailedCount     int

	Todo        []Entry
	InProgress  []Entry
	Finished    []Entry
	Failed      []Entry
	FailReasons []Entry
}

// TaskStatus reads every task mapping
func (m *Manager) TaskStatus(ctx context.Context, filter Filter) (*TaskStatus, error) {
	status := &TaskStatus{}

	read := func(mp storage.Mapping, count *int, out *[]Entry) error {
		all, err := m.store.GetAll(ctx, mp)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", mp, err)
		}
		if count != nil {
			*count = len(all)
		}
		for task, value := range all {
			if filter.Match(task) {
				*out = append(*out, Entry{Task: task, Value: value})
			}
		}
		sort.Slice(*out, func(i, j int) bool { return (*out)[i].Task < (*out)[j].Task })
		return nil
	}

	steps := []struct {
		mapping storage.Mapping
		count   *int
		out     *[]Entry
	}{
		{storage.Todo, &status.TodoCount, &status.Todo},
		{storage.InProgress, &status.InProgressCount, &status.InProgress},
		{storage.Finished, &status.FinishedCount, &status.Finished},
		{storage.Failed, &status.FailedCount, &status.Failed},
		{storage.FailReason, nil, &status.FailReasons},
	}
	for _, step := range steps {
		if err := read(step.mapping, step.count, step.out); err != nil {
			return nil, err
		}
	}
	return status, nil
}

// WorkerInfo describes one worker from its status entry and task counts
type WorkerInfo struct {
	Name        string
	SinceReport time.Duration
	Status      types.WorkerStatus
	// Malformed is set when the status entry could not be parsed
	Malformed bool
	InFlight  int
	Finished  int
}

// WorkerReport lists workers that match filter. When activeWithin is
// positive, workers whose last report is older are left out.
func (m *Manager) WorkerReport(ctx context.Context, filter Filter, activeWithin time.Duration) ([]WorkerInfo, error) {
	statuses, err := m.store.GetAll(ctx, storage.WorkerStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker status: %w", err)
	}

	inFlight := make(map[string]int)
	err = m.store.Scan(ctx, storage.InProgress, func(_, owner string) error {
		inFlight[owner]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan in-progress tasks: %w", err)
	}

	finished := make(map[string]int)
	err = m.store.Scan(ctx, storage.Finished, func(_, summary string) error {
		finished[types.FinishedWorker(summary)]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan finished tasks: %w", err)
	}

	now := time.Now()
	var report []WorkerInfo
	for name, value := range statuses {
		if !filter.Match(name) {
			continue
		}
		info := WorkerInfo{
			Name:     name,
			InFlight: inFlight[name],
			Finished: finished[name],
		}
		status, err := types.ParseWorkerStatus(value)
		if err != nil {
			info.Malformed = true
		} else {
			info.Status = status
			info.SinceReport = now.Sub(status.Timestamp)
			if activeWithin > 0 && info.SinceReport > activeWithin {
				continue
			}
		}
		report = append(report, info)
	}

	sort.Slice(report, func(i, j int) bool { return report[i].Name < report[j].Name })
	return report, nil
}

// RequeueFailed moves every failed task back to todo and clears all failure
// reasons. A failed task that is in progress again only loses its failure
// record.
func (m *Manager) RequeueFailed(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, storage.Failed)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	requeued := 0
	for _, key := range keys {
		if _, err := m.store.Delete(ctx, storage.Failed, key); err != nil {
			return requeued, fmt.Errorf("failed to clear failed entry: %w", err)
		}
		_, running, err := m.store.Get(ctx, storage.InProgress, key)
		if err != nil {
			return requeued, fmt.Errorf("failed to read task owner: %w", err)
		}
		if running {
			continue
		}
		if err := m.store.Set(ctx, storage.Todo, key, ""); err != nil {
			return requeued, fmt.Errorf("failed to requeue task: %w", err)
		}
		requeued++
	}

	if _, err := storage.DeleteAll(ctx, m.store, storage.FailReason); err != nil {
		return requeued, err
	}
	m.logger.Info().Int("requeued", requeued).Msg("Moved failed tasks to todo")
	return requeued, nil
}

// RequeueInProgress moves every in-progress task back to todo regardless of
// owner. Run it only when no worker is running.
func (m *Manager) RequeueInProgress(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, storage.InProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-progress tasks: %w", err)
	}

	requeued := 0
	for _, key := range keys {
		moved, err := storage.Move(ctx, m.store, storage.InProgress, storage.Todo, key, "")
		if err != nil {
			return requeued, err
		}
		if moved {
			requeued++
		}
	}
	m.logger.Info().Int("requeued", requeued).Msg("Moved in-progress tasks to todo")
	return requeued, nil
}

// RemoveFinished deletes every finished task
func (m *Manager) RemoveFinished(ctx context.Context) (int64, error) {
	n, err := storage.DeleteAll(ctx, m.store, storage.Finished)
	if err != nil {
		return n, err
	}
	m.logger.Info().Int64("removed", n).Msg("Removed finished tasks")
	return n, nil
}

// StopWorkers inserts the stop marker. Workers finish their tasks and exit.
func (m *Manager) StopWorkers(ctx context.Context) error {
	if err := m.store.Set(ctx, storage.Todo, types.StopMarker, ""); err != nil {
		return fmt.Errorf("failed to set stop marker: %w", err)
	}
	m.logger.Info().Msg("Stop marker set")
	return nil
}

// ResumeWorkers removes the stop marker so new workers keep running
func (m *Manager) ResumeWorkers(ctx context.Context) error {
	if _, err := m.store.Delete(ctx, storage.Todo, types.StopMarker); err != nil {
		return fmt.Errorf("failed to remove stop marker: %w", err)
	}
	m.logger.Info().Msg("Stop marker removed")
	return nil
}

// Reap runs one dead worker pass
func (m *Manager) Reap(ctx context.Context) (reaper.Result, error) {
	return m.reaper.ReapOnce(ctx)
}
