package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "burrow.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - pull-based distributed task runner",
	Long: `Burrow runs batches of shell, python and demo tasks on a fleet of
hosts. Every host runs a worker that pulls tasks from a shared store,
respecting its own memory and CPU headroom; operators load tasks, watch
progress and requeue failures with the task and workers commands.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Config file (YAML or JSON)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON (overrides config)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reaperCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(workersCmd)
}

// setup loads the config, initializes logging and returns a provider. A
// missing config file is fine when --config was left at its default.
func setup(cmd *cobra.Command) (*config.Provider, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	usingDefaults := false
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = config.Default()
		usingDefaults = true
	}

	level := log.Level(cfg.LogLevel)
	flagLevel, _ := cmd.Flags().GetString("log-level")
	if flagLevel != "" {
		level = log.Level(flagLevel)
	}
	jsonOut := cfg.LogJSON
	if cmd.Flags().Changed("log-json") {
		jsonOut, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{Level: level, JSONOutput: jsonOut, Output: os.Stderr})

	if usingDefaults {
		log.Logger.Debug().Str("path", path).Msg("Config file not found, using defaults")
		return config.Static(cfg), nil
	}
	provider, err := config.NewProvider(path)
	if err != nil {
		return nil, err
	}
	if flagLevel != "" {
		provider.PinLogLevel()
	}
	return provider, nil
}

// openStore connects to the store named in the current config snapshot
func openStore(ctx context.Context, provider *config.Provider) (storage.Store, error) {
	store, err := storage.Open(ctx, provider.Current().Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// withManager runs fn with a manager over the configured store
func withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr *manager.Manager) error) error {
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

	mgr, err := manager.NewManager(&manager.Config{Store: store, Config: provider})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	return fn(ctx, mgr)
}
