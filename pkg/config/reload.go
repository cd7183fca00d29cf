package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opd-ai/go-anonnet/pkg/logger"
)

// ReloadHandler receives the freshly-loaded config after a file change.
// The log level is the only setting the running node applies on reload;
// everything else, pool sizing included, needs a restart.
type ReloadHandler func(cfg *Config)

// Watcher re-loads the config file when it changes on disk.
type Watcher struct {
	path   string
	logger *logger.Logger

	mu       sync.Mutex
	handlers []ReloadHandler

	fsw       *fsnotify.Watcher
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWatcher watches the given config file.
func NewWatcher(path string, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close() // nolint:errcheck
		return nil, err
	}

	w := &Watcher{
		path:    path,
		logger:  log.Component("config"),
		fsw:     fsw,
		closeCh: make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop()
	}()
	return w, nil
}

// OnReload registers a handler for config changes.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous", "error", err)
				continue
			}
			w.logger.Info("Config reloaded")
			w.mu.Lock()
			handlers := make([]ReloadHandler, len(w.handlers))
			copy(handlers, w.handlers)
			w.mu.Unlock()
			for _, h := range handlers {
				h(cfg)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("Config watcher error", "error", err)
		case <-w.closeCh:
			return
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		err = w.fsw.Close()
	})
	w.wg.Wait()
	return err
}
