package backup

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestDB(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ruletrace.db")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test db: %v", err)
	}
	return path
}

func TestCreateAndList(t *testing.T) {
	dbPath := writeTestDB(t, "db-bytes")
	dir := t.TempDir()
	m := New(dbPath, dir, time.Hour, 5)

	info, err := m.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !strings.HasPrefix(info.Name, "ruletrace-") || !strings.HasSuffix(info.Name, ".zip") {
		t.Errorf("unexpected backup name %q", info.Name)
	}
	if info.SizeBytes <= 0 {
		t.Errorf("size_bytes = %d", info.SizeBytes)
	}

	// The archive holds the database file under its base name.
	zr, err := zip.OpenReader(filepath.Join(dir, info.Name))
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "ruletrace.db" {
		t.Errorf("archive contents: %+v", zr.File)
	}

	backups, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 1 || backups[0].Name != info.Name {
		t.Errorf("List = %+v", backups)
	}
}

func TestCreateInMemoryStoreFails(t *testing.T) {
	m := New("", t.TempDir(), time.Hour, 5)
	if _, err := m.Create(); err == nil {
		t.Fatal("expected error for empty db path")
	}
}

func TestListEmptyDirectory(t *testing.T) {
	m := New(writeTestDB(t, "x"), filepath.Join(t.TempDir(), "missing"), time.Hour, 5)
	backups, err := m.List()
	if err != nil {
		t.Fatalf("List on missing directory failed: %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("List = %+v, want empty", backups)
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dbPath := writeTestDB(t, "x")
	dir := t.TempDir()
	m := New(dbPath, dir, time.Hour, 5)

	if _, err := m.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing foreign file: %v", err)
	}

	backups, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("List picked up foreign files: %+v", backups)
	}
}

func TestPrune(t *testing.T) {
	dbPath := writeTestDB(t, "x")
	dir := t.TempDir()
	m := New(dbPath, dir, time.Hour, 2)

	// Three archives with distinct timestamps in their names.
	names := []string{
		"ruletrace-20260101-000000.zip",
		"ruletrace-20260102-000000.zip",
		"ruletrace-20260103-000000.zip",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("zip"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	removed, err := m.Prune()
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	backups, err := m.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("got %d backups after prune, want 2", len(backups))
	}
	// The oldest archive is the one removed.
	for _, b := range backups {
		if b.Name == names[0] {
			t.Errorf("oldest backup %s survived pruning", names[0])
		}
	}
}

func TestPruneDisabled(t *testing.T) {
	m := New(writeTestDB(t, "x"), t.TempDir(), time.Hour, 0)
	removed, err := m.Prune()
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 when retention is disabled", removed)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	dbPath := writeTestDB(t, "original")
	dir := t.TempDir()
	m := New(dbPath, dir, time.Hour, 5)

	info, err := m.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Corrupt the live database, then restore.
	if err := os.WriteFile(dbPath, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("overwriting db: %v", err)
	}
	if err := m.Restore(info.Name); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("reading restored db: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("restored content = %q, want %q", data, "original")
	}
}

func TestRestoreRejectsPathTraversal(t *testing.T) {
	m := New(writeTestDB(t, "x"), t.TempDir(), time.Hour, 5)
	if err := m.Restore("../outside.zip"); err == nil {
		t.Fatal("expected error for path-escaping backup name")
	}
	if err := m.Restore("missing.zip"); err == nil {
		t.Fatal("expected error for unknown backup")
	}
}
