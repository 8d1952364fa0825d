package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	// TaskSeparator separates the fields of a canonical task string
	TaskSeparator = ":"

	// StopMarker is the reserved todo key that tells every worker to drain and exit.
	// It contains no separator, so it can never parse as a task.
	StopMarker = "WORKER_COMMAND_CLOSE"

	taskFields = 5
)

var (
	// ErrInvalidTask is returned for task strings that fail validation
	ErrInvalidTask = errors.New("invalid task string")
)

// TaskType names the handler that executes a task
type TaskType string

const (
	TaskTypeShell  TaskType = "shell"
	TaskTypeDemo   TaskType = "demo"
	TaskTypePython TaskType = "python"
)

var (
	taskTypesMu sync.RWMutex
	taskTypes   = map[TaskType]bool{
		TaskTypeShell:  true,
		TaskTypeDemo:   true,
		TaskTypePython: true,
	}
)

// RegisterTaskType makes a task type acceptable to the parser
func RegisterTaskType(t TaskType) {
	taskTypesMu.Lock()
	defer taskTypesMu.Unlock()
	taskTypes[t] = true
}

// IsKnownTaskType reports whether t has been registered
func IsKnownTaskType(t TaskType) bool {
	taskTypesMu.RLock()
	defer taskTypesMu.RUnlock()
	return taskTypes[t]
}

// TaskKind distinguishes real tasks from the two sentinels
type TaskKind int

const (
	KindReal TaskKind = iota
	KindEmpty
	KindStop
)

func (k TaskKind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindEmpty:
		return "empty"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Task is an immutable unit of work identified by its canonical string
// type:priority:min_dram_gb:require_cpu_cores:params
type Task struct {
	Kind            TaskKind
	Type            TaskType
	Priority        int
	MinDRAMGB       int
	RequireCPUCores int
	Params          string

	raw string
}

var (
	// EmptyTask signals that no work is available right now
	EmptyTask = Task{Kind: KindEmpty}

	// StopTask signals that the stop marker was found in todo
	StopTask = Task{Kind: KindStop, raw: StopMarker}
)

// ParseTask parses and validates a canonical task string.
// Params is everything after the fourth separator and may contain separators.
func ParseTask(s string) (Task, error) {
	parts := strings.SplitN(s, TaskSeparator, taskFields)
	if len(parts) != taskFields {
		return Task{}, fmt.Errorf("%w: expected %d fields, got %d: %q", ErrInvalidTask, taskFields, len(parts), s)
	}

	taskType := TaskType(parts[0])
	if !IsKnownTaskType(taskType) {
		return Task{}, fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, parts[0])
	}

	priority, err := parseCount(parts[1])
	if err != nil {
		return Task{}, fmt.Errorf("%w: priority: %v", ErrInvalidTask, err)
	}
	dram, err := parseCount(parts[2])
	if err != nil {
		return Task{}, fmt.Errorf("%w: min dram: %v", ErrInvalidTask, err)
	}
	cpu, err := parseCount(parts[3])
	if err != nil {
		return Task{}, fmt.Errorf("%w: cpu cores: %v", ErrInvalidTask, err)
	}

	if parts[4] == "" {
		return Task{}, fmt.Errorf("%w: empty params", ErrInvalidTask)
	}

	return Task{
		Kind:            KindReal,
		Type:            taskType,
		Priority:        priority,
		MinDRAMGB:       dram,
		RequireCPUCores: cpu,
		Params:          parts[4],
		raw:             s,
	}, nil
}

// IsValidTask reports whether s is a valid canonical task string
func IsValidTask(s string) bool {
	_, err := ParseTask(s)
	return err == nil
}

// NewTask builds a task from its fields and formats its canonical string
func NewTask(taskType TaskType, priority, minDRAMGB, requireCPUCores int, params string) (Task, error) {
	if priority < 0 || minDRAMGB < 0 || requireCPUCores < 0 {
		return Task{}, fmt.Errorf("%w: negative numeric field", ErrInvalidTask)
	}
	s := strings.Join([]string{
		string(taskType),
		strconv.Itoa(priority),
		strconv.Itoa(minDRAMGB),
		strconv.Itoa(requireCPUCores),
		params,
	}, TaskSeparator)
	return ParseTask(s)
}

// parseCount accepts only non-negative decimal integers without sign
func parseCount(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a non-negative integer: %q", s)
		}
	}
	return strconv.Atoi(s)
}

// String returns the canonical task string (the store key)
func (t Task) String() string {
	return t.raw
}

// Key returns the store key of the task
func (t Task) Key() string {
	return t.raw
}

func (t Task) IsReal() bool  { return t.Kind == KindReal && t.raw != "" }
func (t Task) IsEmpty() bool { return t.Kind == KindEmpty }
func (t Task) IsStop() bool  { return t.Kind == KindStop }

// Equal compares tasks by canonical string
func (t Task) Equal(o Task) bool {
	return t.Kind == o.Kind && t.raw == o.raw
}

// Describe returns a human readable rendering for logs
func (t Task) Describe() string {
	switch t.Kind {
	case KindEmpty:
		return "empty task"
	case KindStop:
		return "stop marker"
	}
	return fmt.Sprintf("type=%s priority=%d min_dram_gb=%d cpu=%d params=%q",
		t.Type, t.Priority, t.MinDRAMGB, t.RequireCPUCores, t.Params)
}
