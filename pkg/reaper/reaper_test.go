package reaper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReaper(t *testing.T, broker *events.Broker) (*Reaper, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "burrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.DeadWorkerThreshold = time.Minute
	cfg.ReapInterval = 20 * time.Millisecond
	return NewReaper(store, config.Static(cfg), broker), store
}

func status(ts time.Time) string {
	return types.WorkerStatus{Timestamp: ts, TotalCores: 8, TotalDRAMGB: 32}.String()
}

func TestReapOnce(t *testing.T) {
	r, store := newTestReaper(t, nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "alive", status(now.Add(-30*time.Second))))
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "stale", status(now.Add(-2*time.Minute))))
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "garbled", "not-a-status"))

	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo a", "alive"))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo b", "stale"))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo c", "garbled"))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo d", "ghost"))

	res, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"garbled", "stale"}, res.DeadWorkers)
	assert.Equal(t, []string{"shell:1:0:0:echo b", "shell:1:0:0:echo c"}, res.Requeued)

	workers, err := store.Keys(ctx, storage.WorkerStatus)
	require.NoError(t, err)
	assert.Equal(t, []string{"alive"}, workers)

	todo, err := store.Keys(ctx, storage.Todo)
	require.NoError(t, err)
	assert.ElementsMatch(t, res.Requeued, todo)

	owner, found, err := store.Get(ctx, storage.InProgress, "shell:1:0:0:echo a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alive", owner)

	// An owner without any status entry was never declared dead
	owner, found, err = store.Get(ctx, storage.InProgress, "shell:1:0:0:echo d")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ghost", owner)

	// Nothing left to do on a second pass
	res, err = r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.DeadWorkers)
	assert.Empty(t, res.Requeued)
}

// interleavedStore runs hooks right after selected store calls
type interleavedStore struct {
	storage.Store
	afterGetAll func(m storage.Mapping)
	afterDelete func(m storage.Mapping, key string)
}

func (s *interleavedStore) GetAll(ctx context.Context, m storage.Mapping) (map[string]string, error) {
	all, err := s.Store.GetAll(ctx, m)
	if err == nil && s.afterGetAll != nil {
		s.afterGetAll(m)
	}
	return all, err
}

func (s *interleavedStore) Delete(ctx context.Context, m storage.Mapping, key string) (int64, error) {
	n, err := s.Store.Delete(ctx, m, key)
	if err == nil && s.afterDelete != nil {
		s.afterDelete(m, key)
	}
	return n, err
}

func TestReapOnceWorkerStartsMidPass(t *testing.T) {
	r, store := newTestReaper(t, nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	task := "shell:1:0:0:sleep 100"
	require.NoError(t, store.Set(ctx, storage.Todo, task, ""))

	var claimed bool
	r.store = &interleavedStore{
		Store: store,
		afterGetAll: func(m storage.Mapping) {
			if m != storage.WorkerStatus || claimed {
				return
			}
			claimed = true
			require.NoError(t, store.Set(ctx, storage.WorkerStatus, "fresh", status(now)))
			ok, err := store.Claim(ctx, task, "fresh")
			require.NoError(t, err)
			require.True(t, ok)
		},
	}

	res, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, res.DeadWorkers)
	assert.Empty(t, res.Requeued)

	owner, found, err := store.Get(ctx, storage.InProgress, task)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh", owner)

	_, found, err = store.Get(ctx, storage.Todo, task)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReapOnceWorkerReportsAgain(t *testing.T) {
	r, store := newTestReaper(t, nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	task := "shell:1:0:0:sleep 100"
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "slow", status(now.Add(-2*time.Minute))))
	require.NoError(t, store.Set(ctx, storage.InProgress, task, "slow"))

	r.store = &interleavedStore{
		Store: store,
		afterDelete: func(m storage.Mapping, key string) {
			if m == storage.WorkerStatus && key == "slow" {
				require.NoError(t, store.Set(ctx, storage.WorkerStatus, "slow", status(now)))
			}
		},
	}

	res, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, res.DeadWorkers)
	assert.Empty(t, res.Requeued)

	owner, found, err := store.Get(ctx, storage.InProgress, task)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "slow", owner)
}

func TestReapOnceThresholdBoundary(t *testing.T) {
	r, store := newTestReaper(t, nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	// Exactly at the threshold is still alive
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "edge", status(now.Add(-time.Minute))))
	res, err := r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.DeadWorkers)

	now = now.Add(time.Second)
	res, err = r.ReapOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"edge"}, res.DeadWorkers)
}

func TestReapOncePublishesEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r, store := newTestReaper(t, broker)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "stale", status(time.Now().Add(-time.Hour))))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo b", "stale"))

	_, err := r.ReapOnce(ctx)
	require.NoError(t, err)

	var got []*events.Event
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("got %d events, want 2", len(got))
		}
	}

	assert.Equal(t, events.EventWorkerDead, got[0].Type)
	assert.Equal(t, "stale", got[0].Worker)
	assert.Equal(t, events.EventTaskRequeued, got[1].Type)
	assert.Equal(t, "shell:1:0:0:echo b", got[1].Task)
	assert.Equal(t, events.ReasonDeadWorker, got[1].Reason())
}

func TestReaperLoop(t *testing.T) {
	r, store := newTestReaper(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, storage.WorkerStatus, "stale", status(time.Now().Add(-time.Hour))))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo b", "stale"))

	r.Start()
	require.Eventually(t, func() bool {
		_, found, err := store.Get(ctx, storage.Todo, "shell:1:0:0:echo b")
		return err == nil && found
	}, 5*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Stop()
}

func TestReaperStopWithoutStart(t *testing.T) {
	r, _ := newTestReaper(t, nil)
	r.Stop()
}
