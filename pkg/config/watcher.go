// Package config loads the host's YAML configuration and watches it for
// changes.
package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

const DefaultDebounce = 250 * time.Millisecond

// ChangeHandler receives every configuration that loaded and validated after a change
type ChangeHandler func(config *Config)

// Watcher reloads a configuration file when it changes. The parent directory
// is watched so editors that replace the file atomically are seen too.
type Watcher struct {
	filename string
	debounce time.Duration
	handler  ChangeHandler
	logger   logging.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

func NewWatcher(filename string, debounce time.Duration, handler ChangeHandler, logger logging.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, errors.NewValidationError("change handler cannot be nil", nil)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, errors.NewValidationError("invalid configuration path", err).WithContext("filename", filename)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewIOError("failed to create file watcher", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.NewIOError("failed to watch configuration directory", err).WithContext("filename", abs)
	}

	return &Watcher{
		filename: abs,
		debounce: debounce,
		handler:  handler,
		logger:   logger,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Run delivers reloads until ctx ends or Stop is called
func (w *Watcher) Run(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filename {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debugf("Configuration file changed, file: %s, op: %s", event.Name, event.Op)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Configuration watcher error, error: %v", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	config, err := LoadConfigFromFile(w.filename)
	if err == nil {
		err = ValidateConfig(config)
	}
	if err != nil {
		w.logger.Errorf("Ignoring invalid configuration change, file: %s, error: %v", w.filename, err)
		return
	}
	w.logger.Infof("Configuration reloaded, file: %s", w.filename)
	w.handler(config)
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}
