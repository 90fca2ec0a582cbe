// Package backup produces periodic zip archives of the database file and
// prunes old ones.
package backup

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const namePrefix = "ruletrace-"

// Manager creates, lists, prunes, and restores database backups.
type Manager struct {
	dbPath     string
	dir        string
	interval   time.Duration
	maxBackups int
	logger     *slog.Logger
}

// New creates a Manager archiving dbPath into dir. If interval is <= 0 it
// defaults to 24h; maxBackups <= 0 disables pruning.
func New(dbPath, dir string, interval time.Duration, maxBackups int) *Manager {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Manager{
		dbPath:     dbPath,
		dir:        dir,
		interval:   interval,
		maxBackups: maxBackups,
		logger:     slog.Default(),
	}
}

// Info describes one backup archive.
type Info struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Run creates a backup every interval until ctx is cancelled. Failures are
// logged and the schedule continues.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}

		info, err := m.Create()
		if err != nil {
			m.logger.Error("scheduled backup failed", "error", err)
			continue
		}
		m.logger.Info("backup created", "name", info.Name, "size_bytes", info.SizeBytes)

		if removed, err := m.Prune(); err != nil {
			m.logger.Warn("pruning backups failed", "error", err)
		} else if removed > 0 {
			m.logger.Info("pruned old backups", "removed", removed)
		}
	}
}

// Create writes a timestamped zip archive of the database file.
func (m *Manager) Create() (Info, error) {
	if m.dbPath == "" {
		return Info{}, fmt.Errorf("no database file to back up (in-memory store)")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Info{}, fmt.Errorf("creating backup directory: %w", err)
	}

	now := time.Now().UTC()
	name := namePrefix + now.Format("20060102-150405") + ".zip"
	target := filepath.Join(m.dir, name)

	if err := m.writeArchive(target); err != nil {
		os.Remove(target)
		return Info{}, err
	}

	st, err := os.Stat(target)
	if err != nil {
		return Info{}, fmt.Errorf("statting backup: %w", err)
	}
	return Info{Name: name, SizeBytes: st.Size(), CreatedAt: now}, nil
}

func (m *Manager) writeArchive(target string) error {
	src, err := os.Open(m.dbPath)
	if err != nil {
		return fmt.Errorf("opening database file: %w", err)
	}
	defer src.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entry, err := zw.Create(filepath.Base(m.dbPath))
	if err != nil {
		return fmt.Errorf("creating archive entry: %w", err)
	}
	if _, err := io.Copy(entry, src); err != nil {
		return fmt.Errorf("copying database into archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}
	return out.Close()
}

// List returns available backups, newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	result := []Info{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), namePrefix) || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		created, err := time.Parse("20060102-150405", strings.TrimSuffix(strings.TrimPrefix(e.Name(), namePrefix), ".zip"))
		if err != nil {
			created = info.ModTime().UTC()
		}
		result = append(result, Info{Name: e.Name(), SizeBytes: info.Size(), CreatedAt: created})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Prune removes the oldest backups beyond the retention limit and returns
// how many were removed.
func (m *Manager) Prune() (int, error) {
	if m.maxBackups <= 0 {
		return 0, nil
	}
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for i := m.maxBackups; i < len(backups); i++ {
		if err := os.Remove(filepath.Join(m.dir, backups[i].Name)); err != nil {
			return removed, fmt.Errorf("removing %s: %w", backups[i].Name, err)
		}
		removed++
	}
	return removed, nil
}

// Restore extracts the named backup over the database file. The daemon must
// not be running; Restore is a CLI-side, offline operation.
func (m *Manager) Restore(name string) error {
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid backup name %q", name)
	}
	archive := filepath.Join(m.dir, name)

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening backup %s: %w", name, err)
	}
	defer zr.Close()

	want := filepath.Base(m.dbPath)
	for _, f := range zr.File {
		if f.Name != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening archive entry: %w", err)
		}
		defer rc.Close()

		tmp := m.dbPath + ".restore"
		out, err := os.Create(tmp)
		if err != nil {
			return fmt.Errorf("creating restore file: %w", err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("extracting database: %w", err)
		}
		if err := out.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, m.dbPath); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("replacing database file: %w", err)
		}
		return nil
	}
	return fmt.Errorf("backup %s does not contain %s", name, want)
}
