package worker

import (
	"context"
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu  sync.Mutex
	res health.Resources
}

func (f *fakeSampler) Sample(ctx context.Context) (health.Resources, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.res
	res.SampledAt = time.Now()
	return res, nil
}

func (f *fakeSampler) set(res health.Resources) {
	f.mu.Lock()
	f.res = res
	f.mu.Unlock()
}

// roomy is a host with plenty of free memory and cores
var roomy = health.Resources{TotalCores: 8, UsedCores: 1, TotalDRAMGB: 64, UsedDRAMGB: 4}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HealthReportInterval = 50 * time.Millisecond
	cfg.SleepBetweenAcceptingTask = 10 * time.Millisecond
	cfg.MonitorInterval = time.Hour
	cfg.GateRecheckInterval = 10 * time.Millisecond
	cfg.DrainPollInterval = 10 * time.Millisecond
	return cfg
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "burrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWorker(t *testing.T, store storage.Store, name string, cfg *config.Config) (*Worker, *fakeSampler) {
	t.Helper()
	sampler := &fakeSampler{res: roomy}
	w, err := NewWorker(&Config{
		Name:    name,
		Store:   store,
		Config:  config.Static(cfg),
		Sampler: sampler,
	})
	require.NoError(t, err)
	_, err = w.refreshResources(context.Background())
	require.NoError(t, err)
	return w, sampler
}

func addTodo(t *testing.T, store storage.Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, store.Set(context.Background(), storage.Todo, key, ""))
	}
}

func lookup(t *testing.T, store storage.Store, m storage.Mapping, key string) (string, bool) {
	t.Helper()
	v, found, err := store.Get(context.Background(), m, key)
	require.NoError(t, err)
	return v, found
}

func TestNewWorker(t *testing.T) {
	store := newTestStore(t)

	_, err := NewWorker(&Config{Config: config.Static(config.Default())})
	assert.Error(t, err)
	_, err = NewWorker(&Config{Store: store})
	assert.Error(t, err)

	w, err := NewWorker(&Config{Store: store, Config: config.Static(config.Default())})
	require.NoError(t, err)
	name, err := DefaultName()
	require.NoError(t, err)
	assert.Equal(t, name, w.Name())
	assert.NotContains(t, w.Name(), ".")
	assert.Equal(t, StateIdle, w.State())
}

func TestCanAcceptNewTask(t *testing.T) {
	tests := []struct {
		name     string
		res      health.Resources
		inFlight int
		promised int
		want     bool
	}{
		{"roomy", roomy, 0, 0, true},
		{"free dram exactly at floor", health.Resources{TotalCores: 8, TotalDRAMGB: 16, UsedDRAMGB: 8}, 0, 0, true},
		{"free dram below floor", health.Resources{TotalCores: 8, TotalDRAMGB: 16, UsedDRAMGB: 8.5}, 0, 0, false},
		{"promised leaves floor", health.Resources{TotalCores: 8, TotalDRAMGB: 16}, 0, 8, true},
		{"promised leaves less than floor", health.Resources{TotalCores: 8, TotalDRAMGB: 16}, 0, 9, false},
		{"task limit", roomy, 4, 0, false},
		{"below task limit", roomy, 3, 0, true},
		{"two idle cores", health.Resources{TotalCores: 8, UsedCores: 6, TotalDRAMGB: 64}, 0, 0, true},
		{"not enough idle cores", health.Resources{TotalCores: 8, UsedCores: 6.5, TotalDRAMGB: 64}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, sampler := newTestWorker(t, newTestStore(t), "node1", testConfig())
			sampler.set(tt.res)
			_, err := w.refreshResources(context.Background())
			require.NoError(t, err)

			for i := 0; i < tt.inFlight; i++ {
				w.tasks["fake"+strconv.Itoa(i)] = &inFlight{}
			}
			w.promisedDRAMGB = tt.promised

			assert.Equal(t, tt.want, w.CanAcceptNewTask())
		})
	}
}

func TestClaimNextPriorityOrder(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())
	ctx := context.Background()

	addTodo(t, store,
		"shell:1:0:0:echo a",
		"shell:9:0:0:echo b",
		"shell:5:0:0:echo c",
		"shell:1:0:0:echo d",
	)

	var priorities []int
	for i := 0; i < 4; i++ {
		task, err := w.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, task.IsReal())
		priorities = append(priorities, task.Priority)

		owner, found := lookup(t, store, storage.InProgress, task.Key())
		assert.True(t, found)
		assert.Equal(t, "node1", owner)
		_, found = lookup(t, store, storage.Todo, task.Key())
		assert.False(t, found)
	}
	assert.Equal(t, []int{9, 5, 1, 1}, priorities)

	task, err := w.ClaimNext(ctx)
	require.NoError(t, err)
	assert.True(t, task.IsEmpty())
}

func TestClaimNextFilters(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())
	ctx := context.Background()

	failedHere := "shell:9:0:0:echo failed-here"
	failedElsewhere := "shell:8:0:0:echo failed-elsewhere"
	tooBig := "shell:7:100:0:echo too-big"
	addTodo(t, store, failedHere, failedElsewhere, tooBig, "bogus:1:0:0:x")
	require.NoError(t, store.Set(ctx, storage.Failed, failedHere, "node2,node1,"))
	require.NoError(t, store.Set(ctx, storage.Failed, failedElsewhere, "node10,"))

	task, err := w.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, failedElsewhere, task.Key())

	task, err = w.ClaimNext(ctx)
	require.NoError(t, err)
	assert.True(t, task.IsEmpty())

	_, found := lookup(t, store, storage.Todo, failedHere)
	assert.True(t, found)
	_, found = lookup(t, store, storage.Todo, tooBig)
	assert.True(t, found)
}

func TestClaimNextPromisedDRAM(t *testing.T) {
	store := newTestStore(t)
	w, sampler := newTestWorker(t, store, "node1", testConfig())
	sampler.set(health.Resources{TotalCores: 8, TotalDRAMGB: 16})
	_, err := w.refreshResources(context.Background())
	require.NoError(t, err)

	addTodo(t, store, "shell:1:10:0:echo big")
	w.promisedDRAMGB = 8

	task, err := w.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.True(t, task.IsEmpty())

	w.promisedDRAMGB = 6
	task, err = w.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shell:1:10:0:echo big", task.Key())
}

func TestClaimNextStopMarker(t *testing.T) {
	t.Run("full read", func(t *testing.T) {
		store := newTestStore(t)
		w, _ := newTestWorker(t, store, "node1", testConfig())
		addTodo(t, store, "shell:9:0:0:echo a", types.StopMarker)

		task, err := w.ClaimNext(context.Background())
		require.NoError(t, err)
		assert.True(t, task.IsStop())

		// Remaining tasks stay in todo for the next run
		_, found := lookup(t, store, storage.Todo, "shell:9:0:0:echo a")
		assert.True(t, found)
	})

	t.Run("sampled", func(t *testing.T) {
		store := newTestStore(t)
		cfg := testConfig()
		cfg.TodoSampleThreshold = 5
		cfg.TodoSampleSize = 2
		w, _ := newTestWorker(t, store, "node1", cfg)
		for i := 0; i < 20; i++ {
			addTodo(t, store, "shell:1:0:0:echo "+strconv.Itoa(i))
		}
		addTodo(t, store, types.StopMarker)

		task, err := w.ClaimNext(context.Background())
		require.NoError(t, err)
		assert.True(t, task.IsStop())
	})
}

func TestClaimNextSampled(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.TodoSampleThreshold = 5
	cfg.TodoSampleSize = 3
	w, _ := newTestWorker(t, store, "node1", cfg)
	for i := 0; i < 20; i++ {
		addTodo(t, store, "shell:1:0:0:echo "+strconv.Itoa(i))
	}

	task, err := w.ClaimNext(context.Background())
	require.NoError(t, err)
	require.True(t, task.IsReal())

	n, err := store.Len(context.Background(), storage.Todo)
	require.NoError(t, err)
	assert.Equal(t, int64(19), n)
}

func TestClaimNextConcurrentWorkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		addTodo(t, store, "shell:1:0:0:echo "+strconv.Itoa(i))
	}

	claimed := make(chan string, 64)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w, _ := newTestWorker(t, store, "node"+strconv.Itoa(i), testConfig())
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := w.ClaimNext(ctx)
				if err != nil || !task.IsReal() {
					return
				}
				claimed <- task.Key()
			}
		}()
	}
	wg.Wait()
	close(claimed)

	seen := make(map[string]bool)
	for key := range claimed {
		assert.False(t, seen[key], "task %s claimed twice", key)
		seen[key] = true
	}
	assert.Len(t, seen, 30)
}

func TestRecover(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo a", "node1"))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo b", "node1"))
	require.NoError(t, store.Set(ctx, storage.InProgress, "shell:1:0:0:echo c", "node2"))

	require.NoError(t, w.Recover(ctx))

	for _, key := range []string{"shell:1:0:0:echo a", "shell:1:0:0:echo b"} {
		_, found := lookup(t, store, storage.Todo, key)
		assert.True(t, found, key)
		_, found = lookup(t, store, storage.InProgress, key)
		assert.False(t, found, key)
	}
	owner, found := lookup(t, store, storage.InProgress, "shell:1:0:0:echo c")
	assert.True(t, found)
	assert.Equal(t, "node2", owner)
}

func runWorker(t *testing.T, ctx context.Context, w *Worker) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestRunEndToEnd(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MaxRetryPerTask = 1
	w, _ := newTestWorker(t, store, "node1", cfg)
	ctx := context.Background()

	ok := "shell:5:1:0:echo hi"
	bad := "shell:1:1:0:false"
	addTodo(t, store, ok, bad)
	// Left over from a previous incarnation of this worker
	again := "shell:3:0:0:echo again"
	require.NoError(t, store.Set(ctx, storage.InProgress, again, "node1"))

	errCh := runWorker(t, ctx, w)

	require.Eventually(t, func() bool {
		n, err := store.Len(ctx, storage.Finished)
		require.NoError(t, err)
		m, err := store.Len(ctx, storage.Failed)
		require.NoError(t, err)
		return n == 2 && m == 1
	}, 10*time.Second, 20*time.Millisecond)

	addTodo(t, store, types.StopMarker)
	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 0, w.PromisedDRAMGB())

	summary, _ := lookup(t, store, storage.Finished, ok)
	assert.Equal(t, `node1: "hi"`, summary)
	summary, _ = lookup(t, store, storage.Finished, again)
	assert.Equal(t, `node1: "again"`, summary)
	record, _ := lookup(t, store, storage.Failed, bad)
	assert.Equal(t, "node1,", record)

	todo, err := store.Keys(ctx, storage.Todo)
	require.NoError(t, err)
	assert.Equal(t, []string{types.StopMarker}, todo)
	n, err := store.Len(ctx, storage.InProgress)
	require.NoError(t, err)
	assert.Zero(t, n)

	status, found := lookup(t, store, storage.WorkerStatus, "node1")
	require.True(t, found)
	_, err = types.ParseWorkerStatus(status)
	assert.NoError(t, err)
}

func TestRunRequeuesFailedTask(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MaxRetryPerTask = 2
	w, _ := newTestWorker(t, store, "node1", cfg)
	ctx := context.Background()

	bad := "shell:1:1:0:false"
	addTodo(t, store, bad)
	errCh := runWorker(t, ctx, w)

	// One failure out of two allowed puts the task back in todo
	require.Eventually(t, func() bool {
		_, failed := lookup(t, store, storage.Failed, bad)
		_, queued := lookup(t, store, storage.Todo, bad)
		return failed && queued
	}, 10*time.Second, 20*time.Millisecond)

	addTodo(t, store, types.StopMarker)
	require.NoError(t, waitRun(t, errCh))

	record, _ := lookup(t, store, storage.Failed, bad)
	assert.Equal(t, "node1,", record)
	_, found := lookup(t, store, storage.FailReason, bad)
	assert.True(t, found)
	_, found = lookup(t, store, storage.InProgress, bad)
	assert.False(t, found)

	// node1 never claims a task it already failed
	todo, err := store.Keys(ctx, storage.Todo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{bad, types.StopMarker}, todo)
}

func TestRunDrainsBeforeExit(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())
	ctx := context.Background()

	slow := "shell:1:0:0:sleep 0.3; echo slow"
	addTodo(t, store, slow)
	errCh := runWorker(t, ctx, w)

	require.Eventually(t, func() bool {
		return w.InFlight() == 1
	}, 5*time.Second, 5*time.Millisecond)
	addTodo(t, store, types.StopMarker)

	require.NoError(t, waitRun(t, errCh))
	summary, found := lookup(t, store, storage.Finished, slow)
	assert.True(t, found)
	assert.Equal(t, `node1: "slow"`, summary)
}

func TestRunDrainTimeout(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	w, _ := newTestWorker(t, store, "node1", cfg)
	ctx := context.Background()

	slow := "shell:1:0:0:sleep 30"
	addTodo(t, store, slow)
	errCh := runWorker(t, ctx, w)

	require.Eventually(t, func() bool {
		return w.InFlight() == 1
	}, 5*time.Second, 5*time.Millisecond)
	addTodo(t, store, types.StopMarker)

	require.NoError(t, waitRun(t, errCh))
	_, found := lookup(t, store, storage.Todo, slow)
	assert.True(t, found)
	_, found = lookup(t, store, storage.InProgress, slow)
	assert.False(t, found)
}

func TestRunInterrupted(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := "shell:1:0:0:sleep 30"
	addTodo(t, store, slow)
	errCh := runWorker(t, ctx, w)

	require.Eventually(t, func() bool {
		return w.InFlight() == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
	_, found := lookup(t, store, storage.Todo, slow)
	assert.True(t, found)
	_, found = lookup(t, store, storage.InProgress, slow)
	assert.False(t, found)
	_, found = lookup(t, store, storage.Failed, slow)
	assert.False(t, found)
}

func TestRunGateWaits(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MaxTaskPerWorker = 1
	w, _ := newTestWorker(t, store, "node1", cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addTodo(t, store, "shell:2:0:0:sleep 30", "shell:1:0:0:echo later")
	errCh := runWorker(t, ctx, w)

	require.Eventually(t, func() bool {
		return w.InFlight() == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	// The task cap holds the second task back
	assert.Equal(t, 1, w.InFlight())
	_, found := lookup(t, store, storage.Todo, "shell:1:0:0:echo later")
	assert.True(t, found)

	cancel()
	assert.ErrorIs(t, waitRun(t, errCh), context.Canceled)
}

func dispatchTask(t *testing.T, w *Worker, s string) types.Task {
	t.Helper()
	task, err := types.ParseTask(s)
	require.NoError(t, err)
	require.NoError(t, w.store.Set(context.Background(), storage.InProgress, task.Key(), w.name))
	w.dispatch(context.Background(), task)
	return task
}

func TestPreemptMostRecent(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MaxRetryPerTask = 3
	w, _ := newTestWorker(t, store, "node1", cfg)
	ctx := context.Background()

	first := dispatchTask(t, w, "shell:1:2:0:sleep 30")
	time.Sleep(5 * time.Millisecond)
	second := dispatchTask(t, w, "shell:1:3:0:sleep 31")
	assert.Equal(t, 5, w.PromisedDRAMGB())

	// Two tasks: the newest goes back to todo without a failure
	task, ok := w.PreemptMostRecent(ctx)
	require.True(t, ok)
	assert.Equal(t, second.Key(), task.Key())
	assert.Equal(t, 1, w.InFlight())
	assert.Equal(t, 2, w.PromisedDRAMGB())
	_, found := lookup(t, store, storage.Todo, second.Key())
	assert.True(t, found)
	_, found = lookup(t, store, storage.Failed, second.Key())
	assert.False(t, found)

	// The lone task is recorded as failed
	task, ok = w.PreemptMostRecent(ctx)
	require.True(t, ok)
	assert.Equal(t, first.Key(), task.Key())
	assert.Equal(t, 0, w.InFlight())
	assert.Equal(t, 0, w.PromisedDRAMGB())
	record, _ := lookup(t, store, storage.Failed, first.Key())
	assert.Equal(t, "node1,", record)
	reason, _ := lookup(t, store, storage.FailReason, first.Key())
	assert.Equal(t, "require too much dram (worker node1)", reason)
	// One distinct failure is below the retry limit
	_, found = lookup(t, store, storage.Todo, first.Key())
	assert.True(t, found)
	_, found = lookup(t, store, storage.InProgress, first.Key())
	assert.False(t, found)

	_, ok = w.PreemptMostRecent(ctx)
	assert.False(t, ok)
}

func TestMonitorPreempts(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.MonitorInterval = 10 * time.Millisecond
	w, sampler := newTestWorker(t, store, "node1", cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := dispatchTask(t, w, "shell:1:0:0:sleep 30")
	done := make(chan struct{})
	go func() {
		w.monitorLoop(ctx)
		close(done)
	}()

	sampler.set(health.Resources{TotalCores: 8, TotalDRAMGB: 16, UsedDRAMGB: 15})
	require.Eventually(t, func() bool {
		return w.InFlight() == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	reason, found := lookup(t, store, storage.FailReason, task.Key())
	assert.True(t, found)
	assert.Equal(t, "require too much dram (worker node1)", reason)
}

func TestReapFinished(t *testing.T) {
	store := newTestStore(t)
	w, _ := newTestWorker(t, store, "node1", testConfig())

	dispatchTask(t, w, "shell:1:2:0:true")
	dispatchTask(t, w, "shell:1:1:0:sleep 30")
	require.Eventually(t, func() bool {
		return w.ReapFinished() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, w.InFlight())
	assert.Equal(t, 1, w.PromisedDRAMGB())

	w.interrupt()
	assert.Equal(t, 0, w.InFlight())
}

// TestStoreInvariant drives several workers through random claims,
// completions, failures and returns and checks no task is ever both queued
// and in progress.
func TestStoreInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	var workers []*Worker
	for i := 0; i < 3; i++ {
		w, _ := newTestWorker(t, store, "node"+strconv.Itoa(i), testConfig())
		workers = append(workers, w)
	}
	for i := 0; i < 25; i++ {
		addTodo(t, store, "shell:"+strconv.Itoa(rng.Intn(5))+":0:0:echo "+strconv.Itoa(i))
	}

	held := make(map[*Worker][]types.Task)
	for step := 0; step < 300; step++ {
		w := workers[rng.Intn(len(workers))]
		switch op := rng.Intn(4); {
		case op == 0 || len(held[w]) == 0:
			task, err := w.ClaimNext(ctx)
			require.NoError(t, err)
			if task.IsReal() {
				held[w] = append(held[w], task)
			}
		default:
			i := rng.Intn(len(held[w]))
			task := held[w][i]
			held[w] = append(held[w][:i], held[w][i+1:]...)
			var err error
			switch op {
			case 1:
				err = w.reporter.Finish(ctx, task, `""`)
			case 2:
				_, err = w.reporter.Fail(ctx, task, `"x"`, 2)
			case 3:
				err = w.reporter.Return(ctx, task, "preempted")
			}
			require.NoError(t, err)
		}

		todo, err := store.GetAll(ctx, storage.Todo)
		require.NoError(t, err)
		inProgress, err := store.GetAll(ctx, storage.InProgress)
		require.NoError(t, err)
		for key := range inProgress {
			_, queued := todo[key]
			require.False(t, queued, "step %d: %s queued and in progress", step, key)
		}
	}
}
