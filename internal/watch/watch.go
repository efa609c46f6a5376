// Package watch ingests transcript files as they land on disk.
//
// The watched directory holds one subdirectory per task; each JSON file
// inside is a transcript for one video of that task:
//
//	transcripts/
//	  filter-change/
//	    filter-change-1.json
//	    filter-change-2.json
//
// New and modified files are parsed and upserted into the store after a
// short debounce, so a file still being written settles before ingest.
package watch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kshen3778/preceptra/internal/store"
	"github.com/kshen3778/preceptra/internal/transcript"
)

const debounceDelay = 2 * time.Second

// Watcher ingests transcripts from a directory tree into the store.
type Watcher struct {
	db  *sql.DB
	dir string
}

// New creates a watcher over the given transcripts directory.
func New(db *sql.DB, dir string) *Watcher {
	return &Watcher{db: db, dir: dir}
}

// IngestFile parses one transcript file and stores it under the task named
// by its parent directory. Used for both watch events and one-shot ingest.
func (w *Watcher) IngestFile(ctx context.Context, path string) error {
	taskName := filepath.Base(filepath.Dir(path))
	if taskName == "." || taskName == string(filepath.Separator) {
		return fmt.Errorf("watch: cannot derive task name from %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("watch: read %s: %w", path, err)
	}

	var t transcript.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("watch: parse %s: %w", path, err)
	}
	if t.VideoName == "" {
		t.VideoName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if err := store.SaveTranscript(ctx, w.db, taskName, &t); err != nil {
		return err
	}
	zap.L().Info("ingested transcript",
		zap.String("task", taskName),
		zap.String("video", t.VideoName),
		zap.Int("segments", len(t.Segments())))
	return nil
}

// IngestAll walks the directory tree once and ingests every transcript
// file found. Parse failures are logged and skipped so one bad file does
// not block the rest.
func (w *Watcher) IngestAll(ctx context.Context) error {
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isTranscriptFile(path) {
			return nil
		}
		if err := w.IngestFile(ctx, path); err != nil {
			zap.L().Warn("skipping transcript", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// Run watches the directory tree until the context is cancelled. An
// initial full ingest runs first so the store catches up with files that
// arrived while nothing was watching.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.IngestAll(ctx); err != nil {
		return fmt.Errorf("watch: initial ingest: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addDirs(watcher); err != nil {
		return err
	}
	zap.L().Info("watching for transcripts", zap.String("dir", w.dir))

	// Per-path debounce so a file mid-write settles before ingest.
	deb := newDebouncer(debounceDelay)
	trigger := func(path string) {
		deb.trigger(path, func() {
			if err := w.IngestFile(ctx, path); err != nil {
				zap.L().Warn("ingest failed", zap.String("path", path), zap.Error(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				// New task directory: watch it too.
				if err := watcher.Add(event.Name); err != nil {
					zap.L().Warn("watch new dir failed", zap.String("path", event.Name), zap.Error(err))
				}
				continue
			}
			if isTranscriptFile(event.Name) {
				trigger(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zap.L().Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) addDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func isTranscriptFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// debouncer coalesces rapid per-path events into one delayed call. Timer
// entries are removed once they fire, so the map stays bounded by the
// number of paths currently settling.
type debouncer struct {
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{delay: delay, timers: make(map[string]*time.Timer)}
}

func (d *debouncer) trigger(path string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.timers[path] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, path)
		d.mu.Unlock()
		fn()
	})
}

func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}
