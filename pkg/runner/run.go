package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// stdout beyond this is not kept; the run is reported as too large
	stdoutCap = MaxStdoutBytes + 4096
	stderrCap = 64 << 10

	waitDelay = 5 * time.Second
)

// Outcome is how a run ended
type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeFinished Outcome = "finished"
	OutcomeFailed   Outcome = "failed"
	OutcomeKilled   Outcome = "killed"
)

// Result describes a completed run
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	Duration time.Duration
	Requeued bool
}

// StartConfig holds everything a run needs
type StartConfig struct {
	Task     types.Task
	Registry *Registry
	Reporter *Reporter
	Config   config.Source
}

// Run supervises one task's child process and reports its outcome
type Run struct {
	task      types.Task
	cfg       StartConfig
	cmd       *exec.Cmd
	stdout    *cappedBuffer
	stderr    *cappedBuffer
	startedAt time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	state  Outcome
	result Result
	done   chan struct{}
}

// Start launches the task. A run that cannot be launched is reported as a
// failure; Start never returns nil.
func Start(ctx context.Context, cfg StartConfig) *Run {
	r := &Run{
		task:      cfg.Task,
		cfg:       cfg,
		stdout:    newCappedBuffer(stdoutCap),
		stderr:    newCappedBuffer(stderrCap),
		startedAt: time.Now(),
		logger:    log.WithTask(log.WithWorker("runner", cfg.Reporter.Worker()), cfg.Task.Key()),
		state:     OutcomeRunning,
		done:      make(chan struct{}),
	}

	cmd, err := cfg.Registry.Command(cfg.Task)
	if err == nil {
		r.prepare(cmd)
		err = cmd.Start()
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to launch task")
		go r.complete(ctx, fmt.Errorf("failed to launch task: %w", err))
		return r
	}

	r.cmd = cmd
	r.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Task started")
	go func() {
		r.complete(ctx, cmd.Wait())
	}()
	return r
}

func (r *Run) prepare(cmd *exec.Cmd) {
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"BURROW_WORKER="+r.cfg.Reporter.Worker(),
		"BURROW_TASK="+r.task.Key(),
	)
	if dir := r.cfg.Config.Current().ResultDir; dir != "" && cmd.Dir == "" {
		cmd.Dir = dir
	}
	setProcessGroup(cmd)
}

// complete classifies the exit and reports it unless the run was killed
func (r *Run) complete(ctx context.Context, waitErr error) {
	res := classify(waitErr, r.cmd)
	res.Stdout = strings.TrimSpace(r.stdout.String())
	res.Stderr = strings.TrimSpace(r.stderr.String())
	res.Duration = time.Since(r.startedAt)

	r.mu.Lock()
	killed := r.state == OutcomeKilled
	if !killed {
		r.state = res.Outcome
	}
	r.mu.Unlock()

	if killed {
		res.Outcome = OutcomeKilled
	} else {
		r.report(ctx, &res)
	}

	metrics.TaskDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())

	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)
}

func (r *Run) report(ctx context.Context, res *Result) {
	// Reporting must survive worker shutdown
	ctx = context.WithoutCancel(ctx)

	if res.Outcome == OutcomeFinished {
		output := EncodeStdout(res.Stdout)
		if r.stdout.Truncated() {
			output = StdoutTooLarge
		}
		if err := r.cfg.Reporter.Finish(ctx, r.task, output); err != nil {
			r.logger.Error().Err(err).Msg("Failed to report finished task")
			return
		}
		r.logger.Info().Dur("duration", res.Duration).Msg("Finished task")
		return
	}

	stderr := res.Stderr
	if res.Err != nil {
		stderr = "failed task \n" + res.Err.Error() + "\n" + stderr
	}
	requeued, err := r.cfg.Reporter.Fail(ctx, r.task, EncodeReason(stderr), r.cfg.Config.Current().MaxRetryPerTask)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to report failed task")
		return
	}
	res.Requeued = requeued
	r.logger.Warn().
		Int("exit_code", res.ExitCode).
		Bool("requeued", requeued).
		Str("stderr", truncate(res.Stderr, 512)).
		Msg("Cannot finish task")
}

// classify maps the wait error to an outcome. Any error forces a non-zero
// exit code so an error can never be recorded as success.
func classify(waitErr error, cmd *exec.Cmd) Result {
	res := Result{Outcome: OutcomeFinished}
	if cmd != nil && cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	} else {
		res.ExitCode = -1
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.Err = waitErr
		}
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
	}
	if res.ExitCode != 0 {
		res.Outcome = OutcomeFailed
	}
	return res
}

// Kill terminates the whole process group if the run is still executing.
// A killed run never reports; the caller decides what happens to the task.
// It returns false when the process had already exited.
func (r *Run) Kill() bool {
	r.mu.Lock()
	if r.state != OutcomeRunning || r.cmd == nil {
		r.mu.Unlock()
		return false
	}
	r.state = OutcomeKilled
	r.mu.Unlock()

	if err := killProcessGroup(r.cmd); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to kill task process group")
	}
	<-r.done
	return true
}

// Task returns the task being run
func (r *Run) Task() types.Task {
	return r.task
}

// StartedAt returns the launch time
func (r *Run) StartedAt() time.Time {
	return r.startedAt
}

// Done is closed once the outcome has been reported
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Alive reports whether the run has not completed yet
func (r *Run) Alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Result returns the outcome; it is only meaningful after Done is closed
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// cappedBuffer keeps the first limit bytes written and discards the rest
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.buf)
	if room < len(p) {
		b.truncated = true
		if room > 0 {
			b.buf = append(b.buf, p[:room]...)
		}
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
