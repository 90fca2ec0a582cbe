package config

import (
	"path/filepath"
	"strings"
	"testing"
)

// fakeBackend is an in-memory Backend for tests.
type fakeBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{strings: make(map[string]string), ints: make(map[string]int)}
}

func (f *fakeBackend) GetString(key string) (string, bool, error) {
	v, ok := f.strings[key]
	return v, ok, nil
}

func (f *fakeBackend) GetInt(key string) (int, bool, error) {
	v, ok := f.ints[key]
	return v, ok, nil
}

func (f *fakeBackend) SetString(key, val string) error { f.strings[key] = val; return nil }
func (f *fakeBackend) SetInt(key string, val int) error { f.ints[key] = val; return nil }
func (f *fakeBackend) Delete(key string) error {
	delete(f.strings, key)
	delete(f.ints, key)
	return nil
}

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newFakeBackend())
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	if cfg.Server.Port != 4400 {
		t.Errorf("port = %d, want 4400", cfg.Server.Port)
	}
	if cfg.Notification.Threshold != 5 || cfg.Notification.WindowHours != 24 {
		t.Errorf("notification defaults = %+v", cfg.Notification)
	}
	if !cfg.Notification.Enabled {
		t.Error("notifications should default to enabled")
	}
	if cfg.Backup.IntervalHours != 24 || cfg.Backup.MaxBackups != 7 {
		t.Errorf("backup defaults = %+v", cfg.Backup)
	}
	if cfg.Watcher.PollInterval != 5 {
		t.Errorf("poll_interval = %d, want 5", cfg.Watcher.PollInterval)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	// Backup dir derives from the data dir when unset.
	want := filepath.Join(cfg.Storage.DataDir, "backups")
	if cfg.Backup.Dir != want {
		t.Errorf("backup dir = %q, want %q", cfg.Backup.Dir, want)
	}
}

func TestBackendOverridesDefaults(t *testing.T) {
	b := newFakeBackend()
	b.ints["server.port"] = 9100
	b.ints["notification.threshold"] = 3
	b.strings["notification.enabled"] = "false"
	b.strings["watcher.rules_dir"] = "/rules"
	b.strings["backup.dir"] = "/backups"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Notification.Threshold != 3 {
		t.Errorf("threshold = %d, want 3", cfg.Notification.Threshold)
	}
	if cfg.Notification.Enabled {
		t.Error("enabled should be overridden to false")
	}
	if cfg.Watcher.RulesDir != "/rules" {
		t.Errorf("rules_dir = %q", cfg.Watcher.RulesDir)
	}
	if cfg.Backup.Dir != "/backups" {
		t.Errorf("explicit backup dir not honored: %q", cfg.Backup.Dir)
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newFakeBackend()
	b.ints["server.port"] = 9100

	t.Setenv("RULETRACE_SERVER_PORT", "9200")
	t.Setenv("RULETRACE_API_TOKEN", "secret-token")
	t.Setenv("RULETRACE_NOTIFICATION_ENABLED", "false")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("port = %d, env should beat backend", cfg.Server.Port)
	}
	if cfg.Server.Token != "secret-token" {
		t.Errorf("token = %q", cfg.Server.Token)
	}
	if cfg.Notification.Enabled {
		t.Error("env bool override not applied")
	}
}

func TestEnvOverrideBadValuesKeepDefaults(t *testing.T) {
	t.Setenv("RULETRACE_SERVER_PORT", "not-a-number")
	t.Setenv("RULETRACE_BACKUP_ENABLED", "not-a-bool")

	cfg, err := loadWith(newFakeBackend())
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}
	if cfg.Server.Port != 4400 {
		t.Errorf("port = %d, want default 4400 on bad env value", cfg.Server.Port)
	}
	if !cfg.Backup.Enabled {
		t.Error("bad bool env value should keep the default")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg, err := loadWith(newFakeBackend())
	if err != nil {
		t.Fatalf("loadWith failed: %v", err)
	}

	for _, k := range ShowAll(cfg) {
		if k.Key == "server.token" {
			t.Error("ShowAll must not expose server.token")
		}
		if !strings.HasPrefix(k.EnvVar, "RULETRACE_") {
			t.Errorf("env var %q missing prefix", k.EnvVar)
		}
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	if len(keys) == 0 {
		t.Fatal("ValidKeys returned nothing")
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		if k == "server.token" {
			t.Error("secret key listed as settable")
		}
		if seen[k] {
			t.Errorf("duplicate key %q", k)
		}
		seen[k] = true
	}
	for _, want := range []string{"server.port", "notification.threshold", "watcher.rules_dir", "backup.max_backups"} {
		if !seen[want] {
			t.Errorf("missing key %q", want)
		}
	}
}

func TestSetKeyValidation(t *testing.T) {
	// Point the file backend at a throwaway config home.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "abc"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := SetKey("notification.enabled", "maybe"); err == nil {
		t.Error("expected error for non-bool value")
	}
	if err := SetKey("server.token", "x"); err == nil {
		t.Error("expected error when setting a secret key")
	}
	if err := SetKey("no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	if err := SetKey("server.port", "9100"); err != nil {
		t.Errorf("SetKey(server.port) failed: %v", err)
	}
	if err := SetKey("notification.enabled", "false"); err != nil {
		t.Errorf("SetKey(notification.enabled) failed: %v", err)
	}

	// The written values round-trip through Load.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Notification.Enabled {
		t.Error("enabled should round-trip as false")
	}
}
