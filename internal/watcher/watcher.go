// Package watcher polls a rules directory and logs file events to the store.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ruletrace/ruletrace/internal/storage"
)

// EventStore is the slice of the store the watcher writes to.
type EventStore interface {
	InsertFileEvent(ev storage.FileEvent) error
	SetRuleFilePath(name, path string) error
}

// Watcher snapshots a rules directory on an interval and records
// created/modified/removed events for rule files. Store failures are logged
// and the loop continues; the watcher never takes the process down.
type Watcher struct {
	store    EventStore
	rulesDir string
	poll     time.Duration
	logger   *slog.Logger

	// mtime snapshot from the previous scan, keyed by absolute path.
	snapshot map[string]time.Time
}

// New creates a Watcher over rulesDir. If pollInterval is <= 0, it defaults
// to 5s.
func New(store EventStore, rulesDir string, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Watcher{
		store:    store,
		rulesDir: rulesDir,
		poll:     pollInterval,
		logger:   slog.Default(),
		snapshot: make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled. The first scan primes the snapshot
// without emitting events, so a daemon restart does not replay the whole
// directory as "created".
func (w *Watcher) Run(ctx context.Context) {
	if _, err := w.scan(); err != nil {
		w.logger.Warn("initial rules directory scan failed", "dir", w.rulesDir, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}

		if err := w.RunOnce(); err != nil {
			w.logger.Warn("rules directory scan failed", "dir", w.rulesDir, "error", err)
		}
	}
}

// RunOnce performs a single scan and records any changes since the last one.
func (w *Watcher) RunOnce() error {
	current, err := w.scan()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for path, mtime := range current {
		prev, seen := w.snapshot[path]
		switch {
		case !seen:
			w.record(path, "created", now)
			w.registerRule(path)
		case mtime.After(prev):
			w.record(path, "modified", now)
		}
	}
	for path := range w.snapshot {
		if _, ok := current[path]; !ok {
			w.record(path, "removed", now)
		}
	}

	w.snapshot = current
	return nil
}

// scan walks the rules directory and returns the mtime of every rule file.
func (w *Watcher) scan() (map[string]time.Time, error) {
	result := make(map[string]time.Time)
	err := filepath.WalkDir(w.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // file disappeared mid-scan
		}
		result[path] = info.ModTime()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (w *Watcher) record(path, eventType string, at time.Time) {
	ev := storage.FileEvent{Path: path, EventType: eventType, OccurredAt: at}
	if err := w.store.InsertFileEvent(ev); err != nil {
		w.logger.Warn("recording file event failed", "path", path, "type", eventType, "error", err)
	}
}

// registerRule links a newly discovered rule file to its rule record, using
// the file name without extension as the rule name.
func (w *Watcher) registerRule(path string) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := w.store.SetRuleFilePath(name, path); err != nil {
		w.logger.Warn("registering rule file failed", "path", path, "error", err)
	}
}
