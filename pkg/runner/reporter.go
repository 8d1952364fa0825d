package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// MaxStdoutBytes is the largest stdout stored in finished_tasks
	MaxStdoutBytes = 1 << 20
	// MaxReasonBytes bounds the stored failure reason
	MaxReasonBytes = 1024

	StdoutTooLarge = "stdout is too large"
	stderrTooLarge = "stderr is too large. "
)

// Reporter records task outcomes in the store on behalf of one worker
type Reporter struct {
	store  storage.Store
	worker string
	broker *events.Broker
	logger zerolog.Logger
}

// NewReporter creates a reporter for worker. broker may be nil.
func NewReporter(store storage.Store, worker string, broker *events.Broker) *Reporter {
	return &Reporter{
		store:  store,
		worker: worker,
		broker: broker,
		logger: log.WithWorker("runner", worker),
	}
}

// Worker returns the worker name the reporter writes as
func (r *Reporter) Worker() string {
	return r.worker
}

// checkOwner logs when the in-progress entry names another worker. The
// report goes ahead either way.
func (r *Reporter) checkOwner(ctx context.Context, key string) {
	owner, found, err := r.store.Get(ctx, storage.InProgress, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("task", key).Msg("Failed to read task owner")
		return
	}
	if !found || owner != r.worker {
		r.logger.Warn().
			Str("task", key).
			Str("owner", owner).
			Bool("found", found).
			Msg("Task is not assigned to this worker, reporting anyway")
	}
}

// Finish records a successful run. output is the encoded stdout, see
// EncodeStdout.
func (r *Reporter) Finish(ctx context.Context, task types.Task, output string) error {
	key := task.Key()
	r.checkOwner(ctx, key)

	if err := r.store.Set(ctx, storage.Finished, key, types.FinishedSummary(r.worker, output)); err != nil {
		return fmt.Errorf("failed to record finished task: %w", err)
	}
	if _, err := r.store.Delete(ctx, storage.InProgress, key); err != nil {
		return fmt.Errorf("failed to clear in-progress entry: %w", err)
	}
	if _, err := r.store.Delete(ctx, storage.Failed, key); err != nil {
		return fmt.Errorf("failed to clear failed entry: %w", err)
	}

	r.broker.Publish(events.New(events.EventTaskFinished, r.worker, key))
	return nil
}

// Fail records a failed run and puts the task back in todo while fewer than
// maxRetry distinct workers have failed it. It reports whether the task was
// requeued.
func (r *Reporter) Fail(ctx context.Context, task types.Task, reason string, maxRetry int) (bool, error) {
	key := task.Key()
	r.checkOwner(ctx, key)

	record, _, err := r.store.Get(ctx, storage.Failed, key)
	if err != nil {
		return false, fmt.Errorf("failed to read failed record: %w", err)
	}
	record = types.AppendFailedWorker(record, r.worker)

	if err := r.store.Set(ctx, storage.Failed, key, record); err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}
	if err := r.store.Set(ctx, storage.FailReason, key, reason); err != nil {
		return false, fmt.Errorf("failed to record failure reason: %w", err)
	}
	if _, err := r.store.Delete(ctx, storage.InProgress, key); err != nil {
		return false, fmt.Errorf("failed to clear in-progress entry: %w", err)
	}

	final := len(types.FailedWorkers(record)) >= maxRetry
	r.broker.Publish(events.New(events.EventTaskFailed, r.worker, key).WithFinal(final))
	if final {
		return false, nil
	}

	if err := r.store.Set(ctx, storage.Todo, key, ""); err != nil {
		return false, fmt.Errorf("failed to requeue task: %w", err)
	}
	r.broker.Publish(events.New(events.EventTaskRequeued, r.worker, key).WithReason(events.ReasonRetry))
	return true, nil
}

// Return puts a task this worker holds back in todo without counting a
// failure. reason is one of the events.Reason constants.
func (r *Reporter) Return(ctx context.Context, task types.Task, reason string) error {
	key := task.Key()
	r.checkOwner(ctx, key)

	if _, err := r.store.Delete(ctx, storage.InProgress, key); err != nil {
		return fmt.Errorf("failed to clear in-progress entry: %w", err)
	}
	if err := r.store.Set(ctx, storage.Todo, key, ""); err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}

	r.broker.Publish(events.New(events.EventTaskRequeued, r.worker, key).WithReason(reason))
	return nil
}

// EncodeStdout returns the JSON string stored for stdout, or the too-large
// placeholder.
func EncodeStdout(stdout string) string {
	if len(stdout) >= MaxStdoutBytes {
		return StdoutTooLarge
	}
	return quote(stdout)
}

// EncodeReason returns the JSON-quoted stderr, truncated with a prefix when
// it is longer than MaxReasonBytes.
func EncodeReason(stderr string) string {
	msg := quote(stderr)
	if len(msg) > MaxReasonBytes {
		return stderrTooLarge + msg[:MaxReasonBytes]
	}
	return msg
}

// quote encodes s as a JSON string without HTML escaping
func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return `""`
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
