package config

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Reload results passed to the observer
const (
	ReloadChanged   = "changed"
	ReloadUnchanged = "unchanged"
	ReloadError     = "error"
)

// Source hands out the current configuration snapshot
type Source interface {
	Current() *Config
}

// Provider owns the live configuration. Readers call Current and get an
// immutable snapshot; Reload swaps in a new one atomically.
type Provider struct {
	path    string
	current atomic.Pointer[Config]

	reloadMu    sync.Mutex
	observe     func(result string)
	levelPinned atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	logger      zerolog.Logger
}

// NewProvider loads path and returns a provider serving it
func NewProvider(path string) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Version = 1

	p := newProvider(filepath.Clean(path))
	p.current.Store(cfg)
	return p, nil
}

// Static returns a provider that always serves cfg and never reloads
func Static(cfg *Config) *Provider {
	cp := cfg.clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	p := newProvider("")
	p.current.Store(cp)
	return p
}

func newProvider(path string) *Provider {
	return &Provider{
		path:    path,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		observe: func(string) {},
		logger:  log.WithComponent("config"),
	}
}

// SetReloadObserver registers fn to be called with the result of every
// reload attempt. Call it before Start.
func (p *Provider) SetReloadObserver(fn func(result string)) {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()
	p.observe = fn
}

// PinLogLevel keeps reloads from changing the global log level. The CLI
// pins it when --log-level is given.
func (p *Provider) PinLogLevel() {
	p.levelPinned.Store(true)
}

// Current returns the latest snapshot
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Path returns the watched file, empty for static providers
func (p *Provider) Path() string {
	return p.path
}

// Reload re-reads the config file. On error the previous snapshot stays
// active. Returns true when a changed snapshot was published.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}

	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	next, err := Load(p.path)
	if err != nil {
		p.observe(ReloadError)
		return false, err
	}

	prev := p.current.Load()
	if sameSettings(prev, next) {
		p.observe(ReloadUnchanged)
		return false, nil
	}

	next.Version = prev.Version + 1
	p.current.Store(next)
	p.observe(ReloadChanged)

	if next.LogLevel != prev.LogLevel {
		if p.levelPinned.Load() {
			p.logger.Info().Str("log_level", next.LogLevel).Msg("Ignoring log_level change; level set on the command line")
		} else {
			log.SetLevel(log.Level(next.LogLevel))
		}
	}
	if next.Store != prev.Store {
		p.logger.Warn().Msg("Store parameters changed; restart to apply them")
	}

	p.logger.Info().
		Uint64("version", next.Version).
		Int("max_task_per_worker", next.MaxTaskPerWorker).
		Int("min_dram_gb_accept_new_task", next.MinDRAMGBAcceptNewTask).
		Int("min_dram_gb_trigger_return", next.MinDRAMGBTriggerReturn).
		Msg("Configuration reloaded")
	return true, nil
}

// Start begins refreshing the snapshot on a timer and on file events
func (p *Provider) Start() {
	if p.path == "" {
		return
	}
	p.startOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			p.logger.Warn().Err(err).Msg("File watcher unavailable, falling back to periodic reload")
			watcher = nil
		} else if err := watcher.Add(filepath.Dir(p.path)); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to watch config directory, falling back to periodic reload")
			watcher.Close()
			watcher = nil
		}
		go p.run(watcher)
	})
}

// Stop stops the refresh loop
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	started := true
	p.startOnce.Do(func() { started = false })
	if started && p.path != "" {
		<-p.doneCh
	}
}

func (p *Provider) run(watcher *fsnotify.Watcher) {
	defer close(p.doneCh)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		timer := time.NewTimer(p.Current().ReloadInterval)

		select {
		case <-timer.C:
			p.reload()

		case ev, ok := <-events:
			timer.Stop()
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			// Editors often replace the file; Create and Rename cover that
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()

		case err, ok := <-errs:
			timer.Stop()
			if !ok {
				errs = nil
				continue
			}
			p.logger.Warn().Err(err).Msg("Config watcher error")

		case <-p.stopCh:
			timer.Stop()
			return
		}
	}
}

func (p *Provider) reload() {
	if _, err := p.Reload(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to reload config, keeping previous settings")
	}
}
