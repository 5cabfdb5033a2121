package tunables

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/shoal/internal/render"
	"github.com/gogpu/shoal/internal/sim"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading, so an editor's write-rename sequence reloads once.
const DefaultDebounce = 100 * time.Millisecond

type options struct {
	debounce time.Duration
	onReload func(ok bool)
}

// Option configures a Watcher.
type Option func(*options)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// WithReloadHook calls fn after every reload attempt; ok is false when the
// file was rejected and the previous values were kept.
func WithReloadHook(fn func(ok bool)) Option {
	return func(o *options) { o.onReload = fn }
}

// Watcher serves the current tunables to the frame loop and reloads them
// when the file changes. A file that fails to parse or validate is logged
// and ignored.
type Watcher struct {
	path string
	opts options

	cur       atomic.Pointer[File]
	fs        *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewWatcher loads path and starts watching it. The initial load must
// succeed.
func NewWatcher(path string, opts ...Option) (*Watcher, error) {
	o := options{debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tunables: watch: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("tunables: watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{path: filepath.Clean(path), opts: o, fs: fw, done: make(chan struct{})}
	w.cur.Store(&f)
	go w.loop()
	slogger().Info("tunables: watching", "path", w.path)
	return w, nil
}

// Current returns the values in effect.
func (w *Watcher) Current() File { return *w.cur.Load() }

// Frame implements frame.Controller.
func (w *Watcher) Frame(uint64) (sim.Params, render.Camera) {
	f := w.cur.Load()
	return f.Params, f.Camera
}

func (w *Watcher) loop() {
	defer close(w.done)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			slogger().Debug("tunables: change", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.opts.debounce)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slogger().Warn("tunables: watcher error", "err", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		slogger().Warn("tunables: reload rejected, keeping previous values", "path", w.path, "err", err)
		if w.opts.onReload != nil {
			w.opts.onReload(false)
		}
		return
	}
	w.cur.Store(&f)
	slogger().Info("tunables: reloaded", "path", w.path)
	if w.opts.onReload != nil {
		w.opts.onReload(true)
	}
}

// Close stops watching. It is idempotent.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.err = w.fs.Close()
		<-w.done
	})
	return w.err
}
