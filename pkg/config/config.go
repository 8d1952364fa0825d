package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when a config file fails validation
	ErrInvalidConfig = errors.New("invalid config")
)

// Store drivers
const (
	DriverRedis    = "redis"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config is an immutable snapshot of operator-controlled settings.
// Never modify a snapshot obtained from a Provider; reloads publish new ones.
type Config struct {
	// Version increases by one every time the provider publishes a changed snapshot
	Version uint64

	// Admission and preemption thresholds
	MinDRAMGBTriggerReturn int
	MinDRAMGBAcceptNewTask int
	MaxTaskPerWorker       int
	MaxRetryPerTask        int

	// Loop timing
	HealthReportInterval      time.Duration
	SleepBetweenAcceptingTask time.Duration
	MonitorInterval           time.Duration
	GateRecheckInterval       time.Duration
	DrainPollInterval         time.Duration
	DrainTimeout              time.Duration
	DeadWorkerThreshold       time.Duration
	ReapInterval              time.Duration
	ReloadInterval            time.Duration

	// Todo backlog above TodoSampleThreshold is sampled instead of read in full
	TodoSampleThreshold int
	TodoSampleSize      int

	ResultDir   string
	Store       StoreConfig
	LogLevel    string
	LogJSON     bool
	MetricsAddr string
}

// StoreConfig holds coordination store connection parameters
type StoreConfig struct {
	Driver        string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	BoltPath      string
	PostgresDSN   string
}

// RedisAddr returns host:port
func (s StoreConfig) RedisAddr() string {
	return net.JoinHostPort(s.RedisHost, strconv.Itoa(s.RedisPort))
}

// fileConfig mirrors the on-disk format. Durations are float seconds, which
// keeps existing conf.json files readable.
type fileConfig struct {
	MinDRAMGBTriggerReturn int     `yaml:"min_dram_gb_trigger_return"`
	MinDRAMGBAcceptNewTask int     `yaml:"min_dram_gb_accept_new_task"`
	MaxTaskPerWorker       int     `yaml:"max_task_per_worker"`
	MaxRetryPerTask        int     `yaml:"max_retry_per_task"`
	HealthReportInterval   float64 `yaml:"health_report_interval"`
	SleepBetweenAccepting  float64 `yaml:"sleep_sec_between_accepting_task"`
	MonitorInterval        float64 `yaml:"monitor_interval_sec"`
	GateRecheck            float64 `yaml:"gate_recheck_sec"`
	DrainPoll              float64 `yaml:"drain_poll_sec"`
	DrainTimeout           float64 `yaml:"drain_timeout_sec"`
	DeadWorkerThreshold    float64 `yaml:"dead_worker_threshold_sec"`
	ReapInterval           float64 `yaml:"reap_interval_sec"`
	ReloadInterval         float64 `yaml:"reload_interval_sec"`
	TodoSampleThreshold    int     `yaml:"todo_sample_threshold"`
	TodoSampleSize         int     `yaml:"todo_sample_size"`
	ResultDir              string  `yaml:"result_dir"`
	StoreDriver            string  `yaml:"store_driver"`
	RedisHost              string  `yaml:"redis_host"`
	RedisPort              int     `yaml:"redis_port"`
	RedisPass              string  `yaml:"redis_pass"`
	RedisDB                int     `yaml:"redis_db"`
	BoltPath               string  `yaml:"bolt_path"`
	PostgresDSN            string  `yaml:"postgres_dsn"`
	LogLevel               string  `yaml:"log_level"`
	LogJSON                bool    `yaml:"log_json"`
	MetricsAddr            string  `yaml:"metrics_addr"`
}

func defaultFile() fileConfig {
	return fileConfig{
		MinDRAMGBTriggerReturn: 2,
		MinDRAMGBAcceptNewTask: 8,
		MaxTaskPerWorker:       4,
		MaxRetryPerTask:        3,
		HealthReportInterval:   10,
		SleepBetweenAccepting:  2,
		MonitorInterval:        2,
		GateRecheck:            8,
		DrainPoll:              2,
		DrainTimeout:           30 * 24 * 3600,
		ReapInterval:           60,
		ReloadInterval:         20,
		TodoSampleThreshold:    1000,
		TodoSampleSize:         20,
		StoreDriver:            DriverRedis,
		RedisHost:              "localhost",
		RedisPort:              6379,
		BoltPath:               "burrow.db",
		LogLevel:               "info",
	}
}

// Default returns the built-in configuration
func Default() *Config {
	return defaultFile().toConfig()
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML (or JSON) config data on top of the defaults
func Parse(data []byte) (*Config, error) {
	fc := defaultFile()
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := fc.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc fileConfig) toConfig() *Config {
	cfg := &Config{
		MinDRAMGBTriggerReturn:    fc.MinDRAMGBTriggerReturn,
		MinDRAMGBAcceptNewTask:    fc.MinDRAMGBAcceptNewTask,
		MaxTaskPerWorker:          fc.MaxTaskPerWorker,
		MaxRetryPerTask:           fc.MaxRetryPerTask,
		HealthReportInterval:      seconds(fc.HealthReportInterval),
		SleepBetweenAcceptingTask: seconds(fc.SleepBetweenAccepting),
		MonitorInterval:           seconds(fc.MonitorInterval),
		GateRecheckInterval:       seconds(fc.GateRecheck),
		DrainPollInterval:         seconds(fc.DrainPoll),
		DrainTimeout:              seconds(fc.DrainTimeout),
		DeadWorkerThreshold:       seconds(fc.DeadWorkerThreshold),
		ReapInterval:              seconds(fc.ReapInterval),
		ReloadInterval:            seconds(fc.ReloadInterval),
		TodoSampleThreshold:       fc.TodoSampleThreshold,
		TodoSampleSize:            fc.TodoSampleSize,
		ResultDir:                 fc.ResultDir,
		Store: StoreConfig{
			Driver:        fc.StoreDriver,
			RedisHost:     fc.RedisHost,
			RedisPort:     fc.RedisPort,
			RedisPassword: fc.RedisPass,
			RedisDB:       fc.RedisDB,
			BoltPath:      fc.BoltPath,
			PostgresDSN:   fc.PostgresDSN,
		},
		LogLevel:    fc.LogLevel,
		LogJSON:     fc.LogJSON,
		MetricsAddr: fc.MetricsAddr,
	}

	// A worker is presumed dead after missing 20 heartbeats unless configured
	if cfg.DeadWorkerThreshold <= 0 {
		cfg.DeadWorkerThreshold = 20 * cfg.HealthReportInterval
	}
	return cfg
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Validate checks that the snapshot is usable
func (c *Config) Validate() error {
	switch {
	case c.MaxTaskPerWorker < 1:
		return fmt.Errorf("%w: max_task_per_worker must be at least 1", ErrInvalidConfig)
	case c.MaxRetryPerTask < 0:
		return fmt.Errorf("%w: max_retry_per_task must not be negative", ErrInvalidConfig)
	case c.MinDRAMGBAcceptNewTask < 0 || c.MinDRAMGBTriggerReturn < 0:
		return fmt.Errorf("%w: DRAM floors must not be negative", ErrInvalidConfig)
	case c.HealthReportInterval <= 0 || c.MonitorInterval <= 0 || c.GateRecheckInterval <= 0 ||
		c.DrainPollInterval <= 0 || c.ReapInterval <= 0 || c.ReloadInterval <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.SleepBetweenAcceptingTask < 0 || c.DrainTimeout < 0:
		return fmt.Errorf("%w: sleep and drain timeout must not be negative", ErrInvalidConfig)
	case c.TodoSampleThreshold < 0 || c.TodoSampleSize < 1:
		return fmt.Errorf("%w: todo sampling needs a positive sample size", ErrInvalidConfig)
	}

	switch c.Store.Driver {
	case DriverRedis:
		if c.Store.RedisHost == "" || c.Store.RedisPort <= 0 {
			return fmt.Errorf("%w: redis_host and redis_port are required", ErrInvalidConfig)
		}
	case DriverBolt:
		if c.Store.BoltPath == "" {
			return fmt.Errorf("%w: bolt_path is required", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	return nil
}

// clone returns a shallow copy; Config holds no reference types
func (c *Config) clone() *Config {
	cp := *c
	return &cp
}

// sameSettings compares two snapshots ignoring Version
func sameSettings(a, b *Config) bool {
	x, y := *a, *b
	x.Version, y.Version = 0, 0
	return x == y
}
