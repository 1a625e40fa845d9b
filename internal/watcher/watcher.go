// Package watcher reloads the inventory when a mapped source file changes on
// disk. Bursts of events collapse into one reload through a debounce timer.
package watcher

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultDebounce = time.Second

var ErrClosed = errors.New("watcher closed")

type Options struct {
	Debounce time.Duration
	// Reload runs once per settled burst of changes.
	Reload func(ctx context.Context) error
	// Notify is told about every finished reload, successful or not.
	Notify func(err error)
	Logger zerolog.Logger
}

type Watcher struct {
	debounce time.Duration
	reload   func(ctx context.Context) error
	notify   func(err error)
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	loopWG  sync.WaitGroup
	paths   map[string]bool
	bases   map[string]bool
	dirs    []string
	timer   *time.Timer
	closed  bool
	fireMu  sync.Mutex
	fireWG  sync.WaitGroup
	reloads int
}

func New(opts Options) *Watcher {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		debounce: debounce,
		reload:   opts.Reload,
		notify:   opts.Notify,
		logger:   opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		paths:    map[string]bool{},
		bases:    map[string]bool{},
	}
}

// Refresh tears down the current watches and watches the parent directory of
// every given file instead. Directories that do not exist are skipped.
func (w *Watcher) Refresh(files []string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	old := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
		w.loopWG.Wait()
	}

	paths := map[string]bool{}
	bases := map[string]bool{}
	dirSet := map[string]bool{}
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			continue
		}
		paths[abs] = true
		bases[filepath.Base(abs)] = true
		dirSet[filepath.Dir(abs)] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := make([]string, 0, len(dirSet))
	for dir := range dirSet {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory")
			continue
		}
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = fsw.Close()
		return ErrClosed
	}
	w.fsw = fsw
	w.paths = paths
	w.bases = bases
	w.dirs = dirs
	w.loopWG.Add(1)
	w.mu.Unlock()

	go w.loop(fsw)
	w.logger.Info().Strs("dirs", dirs).Int("files", len(paths)).Msg("watching source files")
	return nil
}

// Sync refreshes the watches only when files differ from the set already
// watched, and reports whether it did.
func (w *Watcher) Sync(files []string) (bool, error) {
	want := map[string]bool{}
	for _, file := range files {
		if abs, err := filepath.Abs(file); err == nil {
			want[abs] = true
		}
	}
	w.mu.Lock()
	same := w.fsw != nil && maps.Equal(want, w.paths)
	w.mu.Unlock()
	if same {
		return false, nil
	}
	return true, w.Refresh(files)
}

// Dirs returns the directories currently watched.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.dirs...)
}

// Reloads counts debounced reloads run so far.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer w.loopWG.Done()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if w.matches(event.Name) {
				w.schedule()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[abs] || w.bases[filepath.Base(abs)]
}

// schedule starts the debounce window, or restarts it if one is pending.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.timer.Reset(w.debounce)
		return
	}
	w.fireWG.Add(1)
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	defer w.fireWG.Done()
	// A reload still running delays the next one instead of overlapping it.
	w.fireMu.Lock()
	defer w.fireMu.Unlock()
	if w.ctx.Err() != nil {
		return
	}
	var err error
	if w.reload != nil {
		err = w.reload(w.ctx)
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	if err != nil {
		w.logger.Error().Err(err).Msg("reload after change failed")
	} else {
		w.logger.Info().Msg("sources changed, inventory reloaded")
	}
	if w.notify != nil {
		w.notify(err)
	}
}

// Close stops watching and waits for a reload in progress.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	fsw := w.fsw
	w.fsw = nil
	if w.timer != nil && w.timer.Stop() {
		w.fireWG.Done()
	}
	w.mu.Unlock()

	w.cancel()
	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	w.loopWG.Wait()
	w.fireWG.Wait()
	return err
}
