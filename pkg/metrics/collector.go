package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Collector periodically samples store sizes and worker liveness
type Collector struct {
	store     storage.Store
	interval  time.Duration
	threshold func() time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector. threshold returns the
// current dead worker threshold so reloads are honored.
func NewCollector(store storage.Store, interval time.Duration, threshold func() time.Duration) *Collector {
	return &Collector{
		store:     store,
		interval:  interval,
		threshold: threshold,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectMappingMetrics(ctx)
	c.collectWorkerMetrics(ctx)
}

func (c *Collector) collectMappingMetrics(ctx context.Context) {
	for _, m := range storage.AllMappings {
		n, err := c.store.Len(ctx, m)
		if err != nil {
			continue
		}
		MappingEntries.WithLabelValues(string(m)).Set(float64(n))
	}
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	statuses, err := c.store.GetAll(ctx, storage.WorkerStatus)
	if err != nil {
		return
	}

	now := time.Now()
	threshold := c.threshold()
	alive, dead := 0, 0
	for _, raw := range statuses {
		status, err := types.ParseWorkerStatus(raw)
		if err != nil || status.Stale(now, threshold) {
			dead++
			continue
		}
		alive++
	}

	WorkersTotal.WithLabelValues("alive").Set(float64(alive))
	WorkersTotal.WithLabelValues("dead").Set(float64(dead))
}

// RecordEvents turns lifecycle events into counters until sub is closed
func RecordEvents(sub events.Subscriber) {
	for ev := range sub {
		switch ev.Type {
		case events.EventTaskClaimed:
			TasksClaimed.Inc()
		case events.EventTaskFinished:
			TasksFinished.Inc()
		case events.EventTaskFailed:
			TasksFailed.WithLabelValues(strconv.FormatBool(ev.Final())).Inc()
		case events.EventTaskRequeued:
			reason := ev.Reason()
			if reason == "" {
				reason = events.ReasonRetry
			}
			TasksRequeued.WithLabelValues(reason).Inc()
		case events.EventTaskPreempted:
			TasksPreempted.Inc()
		case events.EventWorkerDead:
			DeadWorkersReaped.Inc()
		}
	}
}
