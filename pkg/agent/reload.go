package agent

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/halyard-dev/halyard/pkg/llm"
)

// ConfigReloader watches the config file and applies mutable changes to a
// running Agent: model, max_tokens, temperature, reasoning, cache_retention.
// Provider and tool changes require a restart and are left to OnReload.
//
// Editors replace files rather than write in place, so the reloader watches
// the parent directory and reacts to create/write/rename events on the
// config path, debounced to coalesce the bursts editors produce.
type ConfigReloader struct {
	path   string
	agent  *Agent
	logger *slog.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
	wg      sync.WaitGroup

	// OnReload is called after a successful reload with the new config.
	OnReload func(cfg *FileConfig)
}

// NewConfigReloader creates a reloader. Call Start to begin watching.
func NewConfigReloader(path string, agent *Agent, logger *slog.Logger) *ConfigReloader {
	if logger == nil {
		logger = defaultLogger()
	}
	return &ConfigReloader{
		path:   path,
		agent:  agent,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start begins watching the config file for changes.
func (r *ConfigReloader) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.wg.Add(1)
	go r.watch()
	return nil
}

// Stop ends the watch goroutine and waits for it to finish.
func (r *ConfigReloader) Stop() {
	if r.watcher == nil {
		return
	}
	close(r.stop)
	r.watcher.Close()
	r.wg.Wait()
}

func (r *ConfigReloader) watch() {
	defer r.wg.Done()

	const debounce = 100 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("config watch error", "path", r.path, "err", err)
		case <-timerC:
			timer = nil
			timerC = nil
			if err := r.ReloadOnce(); err != nil {
				r.logger.Warn("config reload failed", "path", r.path, "err", err)
			}
		}
	}
}

// ReloadOnce reads the config file and applies changes immediately.
// Useful for a /reload REPL command.
func (r *ConfigReloader) ReloadOnce() error {
	cfg, err := LoadFileConfig(r.path)
	if err != nil {
		return err
	}
	r.apply(cfg)
	return nil
}

func (r *ConfigReloader) apply(cfg *FileConfig) {
	r.agent.SetModel(cfg.ResolveModel())

	opts := r.agent.StreamOptions()
	opts.MaxTokens = cfg.MaxTokens
	opts.Temperature = cfg.Temperature
	if cfg.Reasoning != "" {
		opts.Reasoning = llm.ReasoningLevel(cfg.Reasoning)
	}
	if cfg.CacheRetention != "" {
		opts.CacheRetention = llm.CacheRetention(cfg.CacheRetention)
	}
	r.agent.SetStreamOptions(opts)

	r.logger.Info("config reloaded",
		"path", r.path,
		"model", cfg.Model,
		"max_tokens", cfg.MaxTokens,
	)

	if r.OnReload != nil {
		r.OnReload(cfg)
	}
}
