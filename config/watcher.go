// 配置文件变更监听器实现。
//
// 基于 fsnotify 监听配置文件所在目录，防抖后重新加载并回调。
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherRunning is returned by Start on a running watcher.
var ErrWatcherRunning = errors.New("config watcher already running")

// --- 监听器选项 ---

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for a burst of writes to settle
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// --- 监听器实现 ---

// Watcher reloads the configuration file when it changes on disk.
// An invalid file is logged and ignored; callbacks only see validated configs.
type Watcher struct {
	mu sync.RWMutex

	loader        *Loader
	path          string
	debounceDelay time.Duration

	current   *Config
	callbacks []func(*Config)

	fs      *fsnotify.Watcher
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// NewWatcher creates a watcher for the loader's config file. initial is the
// configuration already in use; it is returned by Current until a reload.
func NewWatcher(loader *Loader, initial *Config, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil || loader.configPath == "" {
		return nil, errors.New("config watcher requires a loader with a config path")
	}
	path, err := filepath.Abs(loader.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	w := &Watcher{
		loader:        loader,
		path:          path,
		debounceDelay: 100 * time.Millisecond,
		current:       initial,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))
	return w, nil
}

// OnReload registers a callback invoked with every successfully reloaded config.
func (w *Watcher) OnReload(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching. The file's directory is watched so that editors
// replacing the file by rename are picked up.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrWatcherRunning
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.fs = fsw
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, fsw, w.stopCh, w.done)

	w.logger.Info("config watcher started",
		zap.String("path", w.path),
		zap.Duration("debounce_delay", w.debounceDelay))
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	fsw := w.fs
	w.mu.Unlock()

	<-done
	w.logger.Info("config watcher stopped")
	return fsw.Close()
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// 编辑器保存一次往往产生多个事件，统一防抖
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(w.debounceDelay)

		case <-debounce.C:
			if _, err := w.Reload(); err != nil {
				w.logger.Warn("config reload rejected, keeping previous config", zap.Error(err))
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload loads and validates the file now and notifies callbacks on success.
func (w *Watcher) Reload() (*Config, error) {
	cfg, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.current = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
	return cfg, nil
}
