package metrics

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCollect(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "burrow.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Set(ctx, storage.Todo, fmt.Sprintf("shell:1:0:0:echo %d", i), ""))
	}
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:sleep 9", "node1"))

	now := time.Now()
	fresh := types.WorkerStatus{Timestamp: now, TotalCores: 8, TotalDRAMGB: 16}
	stale := types.WorkerStatus{Timestamp: now.Add(-time.Hour), TotalCores: 8, TotalDRAMGB: 16}
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "node1", fresh.String()))
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "node2", stale.String()))
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "node3", "garbage"))

	c := NewCollector(store, time.Minute, func() time.Duration { return time.Minute })
	c.collect()

	assert.Equal(t, 3.0, testutil.ToFloat64(MappingEntries.WithLabelValues(string(storage.Todo))))
	assert.Equal(t, 1.0, testutil.ToFloat64(MappingEntries.WithLabelValues(string(storage.InProgress))))
	assert.Equal(t, 0.0, testutil.ToFloat64(MappingEntries.WithLabelValues(string(storage.Finished))))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("alive")))
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("dead")))
}

func TestRecordEvents(t *testing.T) {
	claimed := testutil.ToFloat64(TasksClaimed)
	preemptRequeue := testutil.ToFloat64(TasksRequeued.WithLabelValues(events.ReasonPreempted))
	retryRequeue := testutil.ToFloat64(TasksRequeued.WithLabelValues(events.ReasonRetry))
	dead := testutil.ToFloat64(DeadWorkersReaped)
	retried := testutil.ToFloat64(TasksFailed.WithLabelValues("false"))
	final := testutil.ToFloat64(TasksFailed.WithLabelValues("true"))

	sub := make(events.Subscriber, 16)
	sub <- events.New(events.EventTaskClaimed, "node1", "shell:1:0:0:ls")
	sub <- events.New(events.EventTaskClaimed, "node1", "shell:2:0:0:ls")
	sub <- events.New(events.EventTaskRequeued, "node1", "shell:1:0:0:ls").WithReason(events.ReasonPreempted)
	sub <- events.New(events.EventTaskRequeued, "node1", "shell:2:0:0:ls")
	sub <- events.New(events.EventWorkerDead, "node2", "")
	sub <- events.New(events.EventTaskFailed, "node1", "shell:3:0:0:false").WithFinal(false)
	sub <- events.New(events.EventTaskFailed, "node2", "shell:3:0:0:false").WithFinal(true)
	close(sub)

	RecordEvents(sub)

	assert.Equal(t, claimed+2, testutil.ToFloat64(TasksClaimed))
	assert.Equal(t, preemptRequeue+1, testutil.ToFloat64(TasksRequeued.WithLabelValues(events.ReasonPreempted)))
	assert.Equal(t, retryRequeue+1, testutil.ToFloat64(TasksRequeued.WithLabelValues(events.ReasonRetry)))
	assert.Equal(t, dead+1, testutil.ToFloat64(DeadWorkersReaped))
	assert.Equal(t, retried+1, testutil.ToFloat64(TasksFailed.WithLabelValues("false")))
	assert.Equal(t, final+1, testutil.ToFloat64(TasksFailed.WithLabelValues("true")))
}
