package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reaper"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/worker"
	"github.com/spf13/cobra"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker on this host",
	Long: `Run a worker that pulls tasks from the store and executes them on
this host while memory and CPU allow.

The worker stops after "burrow task stop-workers" once its running tasks
finish. SIGINT or SIGTERM kill running tasks and return them to todo.`,
	RunE: runWorker,
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Requeue tasks held by dead workers",
	Long: `Remove workers that stopped reporting and return their in-progress
tasks to todo. Runs periodically unless --once is given.`,
	RunE: runReaper,
}

func init() {
	workerCmd.Flags().String("name", "", "Worker name (default: hostname up to the first dot)")
	workerCmd.Flags().Bool("events", false, "Log task lifecycle events")

	reaperCmd.Flags().Bool("once", false, "Run a single pass and exit")
}

// startServices wires the pieces shared by long-running commands: config
// reload, event broker, metrics recording and the metrics server. The
// returned func stops them.
func startServices(provider *config.Provider, store storage.Store, critical ...string) (*events.Broker, func()) {
	provider.SetReloadObserver(func(result string) {
		metrics.ConfigReloadsTotal.WithLabelValues(result).Inc()
		metrics.UpdateComponent(metrics.ComponentConfig, result != config.ReloadError, "")
	})
	provider.Start()

	broker := events.NewBroker()
	broker.Start()
	recorder := broker.Subscribe()
	go metrics.RecordEvents(recorder)

	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(critical...)
	metrics.UpdateComponent(metrics.ComponentConfig, true, "")
	// Open has already reached the store
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	collector := metrics.NewCollector(store, collectInterval, func() time.Duration {
		return provider.Current().DeadWorkerThreshold
	})
	collector.Start()

	logger := log.WithComponent("cli")
	var server *http.Server
	if addr := provider.Current().MetricsAddr; addr != "" {
		server = metrics.NewServer(addr)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
	}

	return broker, func() {
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			_ = server.Shutdown(ctx)
			cancel()
		}
		collector.Stop()
		broker.Unsubscribe(recorder)
		broker.Stop()
		provider.Stop()
	}
}

func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Info().
			Str("type", string(ev.Type)).
			Str("worker", ev.Worker).
			Str("task", ev.Task).
			Str("reason", ev.Reason()).
			Msg("Event")
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	showEvents, _ := cmd.Flags().GetBool("events")

	provider, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, provider)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, stop := startServices(provider, store, metrics.ComponentStore, metrics.ComponentWorker)
	defer stop()

	if showEvents {
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)
		go logEvents(sub)
	}

	w, err := worker.NewWorker(&worker.Config{
		Name:   name,
		Store:  store,
		Config: provider,
		Broker: broker,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runReaper(cmd *cobra.Command, args []string) error {
	once, _ := cmd.Flags().GetBool("once")

	provider, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, provider)
	if err != nil {
		return err
	}
	defer store.Close()

	if once {
		res, err := reaper.NewReaper(store, provider, nil).ReapOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d dead workers, %d tasks returned to todo\n", len(res.DeadWorkers), len(res.Requeued))
		for _, w := range res.DeadWorkers {
			fmt.Printf("  dead: %s\n", w)
		}
		for _, t := range res.Requeued {
			fmt.Printf("  requeued: %s\n", t)
		}
		return nil
	}

	broker, stop := startServices(provider, store, metrics.ComponentStore, metrics.ComponentReaper)
	defer stop()

	r := reaper.NewReaper(store, provider, broker)
	r.Start()
	log.Logger.Info().Dur("interval", provider.Current().ReapInterval).Msg("Reaper running")

	<-ctx.Done()
	r.Stop()
	return nil
}
