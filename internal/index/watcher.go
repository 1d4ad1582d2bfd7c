package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
)

// WatcherConfig configures the inbox watcher.
type WatcherConfig struct {
	// Debounce is how long changes are collected before they are handed
	// to the sink. Repeated events for one path within the window collapse.
	Debounce time.Duration

	// IgnorePatterns are gitignore-style patterns relative to the root.
	IgnorePatterns []string

	// Accept filters file paths; nil accepts every file.
	Accept func(path string) bool

	// Recursive enables watching subdirectories.
	Recursive bool
}

// DefaultWatcherConfig returns sensible defaults for the watcher.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 500 * time.Millisecond,
		IgnorePatterns: []string{
			".git/**",
			".vecrag/**",
			"*.tmp",
			"*~",
			".#*",
		},
		Recursive: true,
	}
}

// WatchEvent represents a file system change event.
type WatchEvent struct {
	Path      string
	Op        WatchOp
	Timestamp time.Time
}

// WatchOp represents the type of file system operation.
type WatchOp int

const (
	// OpCreate indicates a file was created.
	OpCreate WatchOp = iota
	// OpWrite indicates a file was modified.
	OpWrite
	// OpRemove indicates a file was removed.
	OpRemove
	// OpRename indicates a file was renamed away.
	OpRename
)

func (op WatchOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// WatchCallback receives the debounced events since the last call.
type WatchCallback func(events []WatchEvent)

// WatchSink applies file changes to the corpus and index.
type WatchSink interface {
	IngestFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
}

// Watcher monitors a directory and reports debounced file changes.
type Watcher struct {
	config   WatcherConfig
	watcher  *fsnotify.Watcher
	ignore   *gitignore.GitIgnore
	callback WatchCallback
	rootPath string
	log      *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]WatchEvent

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for rootPath.
func NewWatcher(rootPath string, cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultWatcherConfig().Debounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		config:   cfg,
		watcher:  fsWatcher,
		ignore:   gitignore.CompileIgnoreLines(cfg.IgnorePatterns...),
		rootPath: abs,
		log:      logger,
		pending:  make(map[string]WatchEvent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// SetCallback sets the callback function for file change events.
func (w *Watcher) SetCallback(cb WatchCallback) {
	w.callback = cb
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.rootPath
}

// Start begins watching. Events are delivered until ctx is done or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.Recursive {
		if err := w.addRecursive(w.rootPath); err != nil {
			return err
		}
	} else if err := w.watcher.Add(w.rootPath); err != nil {
		return err
	}

	w.started = true
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started {
			<-w.doneCh
		}
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) rel(path string) string {
	r, err := filepath.Rel(w.rootPath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(r)
}

func (w *Watcher) shouldIgnore(path string) bool {
	r := w.rel(path)
	return r != "." && w.ignore.MatchesPath(r)
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if w.shouldIgnore(p) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.shouldIgnore(event.Name) {
		return
	}

	removal := event.Op&(fsnotify.Remove|fsnotify.Rename) != 0
	if !removal {
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if event.Op&fsnotify.Create != 0 && w.config.Recursive {
				if err := w.addRecursive(event.Name); err != nil {
					w.log.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
			}
			return
		}
	}
	if w.config.Accept != nil && !w.config.Accept(event.Name) {
		return
	}

	var op WatchOp
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpWrite
	case event.Op&fsnotify.Remove != 0:
		op = OpRemove
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = WatchEvent{
		Path:      event.Name,
		Op:        op,
		Timestamp: time.Now(),
	}
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}

	events := make([]WatchEvent, 0, len(w.pending))
	for _, e := range w.pending {
		events = append(events, e)
	}
	w.pending = make(map[string]WatchEvent)
	w.pendingMu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	if w.callback != nil {
		w.callback(events)
	}
}

// WatchInbox starts a watcher on dir that hands created and modified files
// to sink.IngestFile and removed or renamed ones to sink.RemoveFile.
func WatchInbox(ctx context.Context, sink WatchSink, dir string, cfg WatcherConfig, logger *slog.Logger) (*Watcher, error) {
	w, err := NewWatcher(dir, cfg, logger)
	if err != nil {
		return nil, err
	}

	w.SetCallback(func(events []WatchEvent) {
		for _, e := range events {
			var err error
			switch e.Op {
			case OpCreate, OpWrite:
				err = sink.IngestFile(ctx, e.Path)
			case OpRemove, OpRename:
				err = sink.RemoveFile(ctx, e.Path)
			}
			if err != nil {
				w.log.Warn("inbox change failed", "path", e.Path, "op", e.Op.String(), "error", err)
				continue
			}
			w.log.Info("inbox change applied", "path", e.Path, "op", e.Op.String())
		}
	})

	if err := w.Start(ctx); err != nil {
		_ = w.watcher.Close()
		return nil, err
	}
	return w, nil
}
