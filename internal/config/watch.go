package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher keeps the latest valid configuration and reloads it when the
// config file changes. Invalid edits are logged and ignored.
type Watcher struct {
	v *viper.Viper

	mu       sync.RWMutex
	logger   *zap.Logger
	current  *Config
	handlers []func(*Config)
}

// NewWatcher loads the configuration like Load and keeps it for reloads.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, logger: logger, current: c}, nil
}

// Config returns the latest valid configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// SetLogger replaces the logger used for reload messages.
func (w *Watcher) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger = logger
}

func (w *Watcher) log() *zap.Logger {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.logger
}

// OnChange registers a handler called after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// Start begins watching the config file. It is a no-op without one.
func (w *Watcher) Start() {
	if w.v.ConfigFileUsed() == "" {
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	w.v.WatchConfig()
	w.log().Info("Watching configuration", zap.String("file", w.v.ConfigFileUsed()))
}

func (w *Watcher) reload(file string) {
	c, err := decode(w.v)
	if err != nil {
		w.log().Warn("Ignoring invalid configuration change", zap.String("file", file), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = c
	logger := w.logger
	handlers := append([]func(*Config){}, w.handlers...)
	w.mu.Unlock()

	logger.Info("Configuration reloaded", zap.String("file", file))
	for _, fn := range handlers {
		fn(c)
	}
}
