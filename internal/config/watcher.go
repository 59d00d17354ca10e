package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Watcher reloads the config file when it changes and hands each valid
// result to a callback. Invalid reloads are logged and ignored so the last
// good configuration stays in effect.
type Watcher struct {
	path     string
	v        *viper.Viper
	onChange func(*Config)
	log      zerolog.Logger

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for path with initial as the current config.
func NewWatcher(path string, initial *Config, onChange func(*Config), log zerolog.Logger) *Watcher {
	path = expandPath(path)
	return &Watcher{
		path:     path,
		v:        newViper(path),
		onChange: onChange,
		log:      log,
		current:  initial,
	}
}

// Start begins watching the file.
func (w *Watcher) Start() error {
	if err := w.v.ReadInConfig(); err != nil {
		return err
	}
	w.v.OnConfigChange(w.handle)
	w.v.WatchConfig()
	w.log.Info().Str("path", w.path).Msg("watching config for changes")
	return nil
}

// Current returns the last applied configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) handle(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}

	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("reloaded config is invalid, keeping previous")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.log.Info().Str("path", w.path).Msg("config reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
