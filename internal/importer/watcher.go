package importer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must stay quiet before it is imported.
const DefaultSettle = 500 * time.Millisecond

// Callback is called after each watcher-driven import attempt.
type Callback func(path string, report *Report, err error)

// Watcher imports image files that appear in a folder tree. Create and
// write events are debounced per path, so a file still being copied is
// imported once, after it settles.
type Watcher struct {
	im     *Importer
	root   string
	settle time.Duration
	cb     Callback

	mu     sync.Mutex
	timers map[string]*time.Timer
	ready  chan string
	done   chan struct{}
}

// NewWatcher creates a Watcher for root. settle <= 0 uses DefaultSettle;
// cb may be nil.
func NewWatcher(im *Importer, root string, settle time.Duration, cb Callback) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		im:     im,
		root:   root,
		settle: settle,
		cb:     cb,
		timers: make(map[string]*time.Timer),
		ready:  make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Run watches until ctx is cancelled. New directories are added to the
// watch list as they appear. A Watcher runs once.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := addDirsRecursive(fw, w.root); err != nil {
		return err
	}
	log.Info("Watching folder for imports", "root", w.root, "settle", w.settle)

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			log.Info("Folder watch stopped", "root", w.root)
			return nil

		case path := <-w.ready:
			report, err := w.im.Import(ctx, []string{path})
			if err != nil {
				log.Warn("Watched import failed", "path", path, "error", err)
			}
			if w.cb != nil {
				w.cb(path, report, err)
			}

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error("Folder watch error", "error", werr)
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addDirsRecursive(fw, ev.Name); err != nil {
				log.Warn("Failed to watch new dir", "path", ev.Name, "error", err)
			}
			// 目錄可能在加入監看前就已有檔案
			filepath.WalkDir(ev.Name, func(path string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					w.schedule(path)
				}
				return nil
			})
			return
		}
		w.schedule(ev.Name)
	case ev.Op&fsnotify.Write != 0:
		w.schedule(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.cancel(ev.Name)
	}
}

// schedule (re)starts the settle timer of path.
func (w *Watcher) schedule(path string) {
	if !w.accepts(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) accepts(path string) bool {
	base := filepath.Base(path)
	if base == "" || base[0] == '.' {
		return false
	}
	return decode.Supported(path)
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
