// Package blobwatch monitors a filesystem blob backend's root directory
// for orphaned or partial writes, surfacing them for the blob_gc job
// rather than silently leaving them behind. Directories are added to an
// fsnotify watcher up front, and bursts of events are coalesced behind
// a timer before the handler runs.
package blobwatch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event describes one coalesced batch of filesystem activity under a blob
// root.
type Event struct {
	CreatedOrWritten []string
	Removed          []string
}

// Handler is invoked with a debounced batch of paths.
type Handler func(Event)

// Watcher watches a blob backend's root directory.
type Watcher struct {
	rootDir string
	log     *zap.Logger
	debounce time.Duration
	handler Handler
}

// New builds a Watcher. debounce controls how long a burst of events is
// coalesced before handler runs; defaults to 2 seconds.
func New(rootDir string, debounce time.Duration, log *zap.Logger, handler Handler) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{rootDir: rootDir, log: log, debounce: debounce, handler: handler}
}

// Run blocks watching rootDir until ctx is cancelled or an unrecoverable
// watcher error occurs.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dirs := walkDirs(w.rootDir)
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			w.log.Warn("could not watch blob shard directory", zap.String("dir", d), zap.Error(err))
		}
	}
	w.log.Info("watching blob backend", zap.Int("dirs", len(dirs)), zap.String("root", w.rootDir))

	var (
		mu      sync.Mutex
		written = make(map[string]bool)
		removed = make(map[string]bool)
		timer   *time.Timer
	)

	flush := func() {
		mu.Lock()
		ev := Event{}
		for p := range written {
			ev.CreatedOrWritten = append(ev.CreatedOrWritten, p)
		}
		for p := range removed {
			ev.Removed = append(ev.Removed, p)
		}
		written = make(map[string]bool)
		removed = make(map[string]bool)
		mu.Unlock()

		if len(ev.CreatedOrWritten) == 0 && len(ev.Removed) == 0 {
			return
		}
		if w.handler != nil {
			w.handler(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(event.Name, ".tmp") {
				continue // temp files are not blobs; blobstore writes each blob straight to its .bin path
			}
			if event.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					fw.Add(event.Name)
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				mu.Lock()
				written[event.Name] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, flush)
				mu.Unlock()
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				mu.Lock()
				removed[event.Name] = true
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, flush)
				mu.Unlock()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("blob watch error", zap.Error(err))
		}
	}
}

func walkDirs(root string) []string {
	var dirs []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}
