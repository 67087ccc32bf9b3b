package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the latest successfully parsed version of a configuration
// file. Sessions built after a change see the new values; sessions already
// built keep the values they resolved.
type Watcher struct {
	path    string
	log     *slog.Logger
	onLoad  func(*File)
	current atomic.Pointer[File]

	fsw       *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger used to report reload failures.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// OnReload registers fn to be called after each successful reload.
func OnReload(fn func(*File)) WatcherOption {
	return func(w *Watcher) { w.onLoad = fn }
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed; later parse failures are logged and the previous File is kept.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watch failed (%s): %w", path, err)
	}
	w := &Watcher{
		path: abs,
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	f, err := Load(abs)
	if err != nil {
		return nil, err
	}
	w.current.Store(f)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch failed (%s): %w", path, err)
	}
	// Watch the directory; editors commonly replace files with a rename.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config watch failed (%s): %w", path, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Current returns the latest successfully parsed File.
func (w *Watcher) Current() *File {
	return w.current.Load()
}

// Path returns the absolute path being watched.
func (w *Watcher) Path() string { return w.path }

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config.watch.fail", slog.String("path", w.path), slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		// Writers often truncate before writing; the next event carries the full file.
		w.log.Warn("config.reload.fail", slog.String("path", w.path), slog.String("err", err.Error()))
		return
	}
	w.current.Store(f)
	w.log.Info("config.reload.ok", slog.String("path", w.path))
	if w.onLoad != nil {
		w.onLoad(f)
	}
}

var _ Source = (*Watcher)(nil)
