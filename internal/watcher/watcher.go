// Package watcher implements a debounced filesystem watcher: it turns raw
// fsnotify events into a collapsed, root-relative added/changed/removed
// stream.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind is the collapsed event kind delivered to callers.
type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one collapsed, root-relative filesystem event.
type Event struct {
	Kind EventKind
	Path string // root-relative, forward-slash separated
}

// IgnoreFunc reports whether a root-relative path should be excluded from
// the watch (dotfiles, node_modules, *.conflict.md).
type IgnoreFunc func(relPath string) bool

// DefaultIgnore excludes dotfiles, node_modules directories, and conflict
// sidecar files: conflict siblings must stay out of the tracked set to
// prevent watch loops where materializing a conflict re-triggers itself.
func DefaultIgnore(relPath string) bool {
	if strings.HasSuffix(relPath, ".conflict.md") || strings.HasSuffix(relPath, ".conflict") {
		return true
	}
	for _, seg := range strings.Split(relPath, "/") {
		if seg == "" {
			continue
		}
		if seg == "node_modules" {
			return true
		}
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// Watcher debounces raw filesystem events for one directory tree.
type Watcher struct {
	root     string
	debounce time.Duration
	ignore   IgnoreFunc

	fsw    *fsnotify.Watcher
	events chan Event
	ready  chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]EventKind

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce overrides the default 500ms debounce window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithIgnore overrides the default ignore predicate.
func WithIgnore(f IgnoreFunc) Option {
	return func(w *Watcher) { w.ignore = f }
}

// New creates a Watcher rooted at root. Call Start to begin watching.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		debounce: 500 * time.Millisecond,
		ignore:   DefaultIgnore,
		fsw:      fsw,
		events:   make(chan Event, 64),
		ready:    make(chan struct{}),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]EventKind),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Events returns the channel of collapsed events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Ready is closed once the initial directory traversal has completed.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Start begins the initial traversal (registering every subdirectory with
// fsnotify) and the event-collapsing loop.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}
	close(w.ready)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) relPath(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	return rel, true
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case <-w.fsw.Errors:
			// Watcher errors are not part of the collapsed event contract;
			// callers poll via full sweep regardless.
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	rel, ok := w.relPath(ev.Name)
	if !ok || w.ignore(rel) {
		return
	}

	var kind EventKind
	switch {
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		kind = Removed
	case ev.Op&fsnotify.Create != 0:
		kind = Added
		_ = w.fsw.Add(ev.Name) // track new subdirectories too; harmless on files
	case ev.Op&fsnotify.Write != 0:
		kind = Changed
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Multiple events for the same path within one debounce window collapse
	// into the last event observed.
	w.pending[rel] = kind
	if t, exists := w.timers[rel]; exists {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() { w.flush(rel) })
}

func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	kind, ok := w.pending[rel]
	delete(w.pending, rel)
	delete(w.timers, rel)
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.events <- Event{Kind: kind, Path: rel}:
	case <-w.stopCh:
	}
}

// Stop is idempotent and discards pending (not-yet-debounced) events.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.timers = map[string]*time.Timer{}
		w.pending = map[string]EventKind{}
		w.mu.Unlock()
		w.fsw.Close()
		<-w.doneCh
		close(w.events)
	})
}
