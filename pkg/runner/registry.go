package runner

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// Handler builds the command that executes a task's params
type Handler func(params string) *exec.Cmd

// Registry maps task types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.TaskType]Handler
}

// NewRegistry returns a registry with the built-in shell, demo and python handlers
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[types.TaskType]Handler)}
	r.Register(types.TaskTypeShell, ShellHandler)
	r.Register(types.TaskTypeDemo, DemoHandler)
	r.Register(types.TaskTypePython, PythonHandler)
	return r
}

// Register adds or replaces the handler for typ and makes typ parseable
func (r *Registry) Register(typ types.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[typ] = h
	types.RegisterTaskType(typ)
}

// Lookup returns the handler for typ
func (r *Registry) Lookup(typ types.TaskType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typ]
	return h, ok
}

// Command builds the command for a task
func (r *Registry) Command(task types.Task) (*exec.Cmd, error) {
	if !task.IsReal() {
		return nil, fmt.Errorf("cannot run %s task", task.Kind)
	}
	h, ok := r.Lookup(task.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for task type %q", task.Type)
	}
	cmd := h(task.Params)
	if cmd == nil {
		return nil, fmt.Errorf("handler for %q returned no command", task.Type)
	}
	return cmd, nil
}

// ShellHandler runs params with sh -c
func ShellHandler(params string) *exec.Cmd {
	return exec.Command("sh", "-c", params)
}

// DemoHandler echoes params back, for smoke tests of a deployment
func DemoHandler(params string) *exec.Cmd {
	return exec.Command("sh", "-c", `echo demo "$1"`, "demo", params)
}

// PythonHandler runs params as a python3 program
func PythonHandler(params string) *exec.Cmd {
	return exec.Command("python3", "-c", params)
}
