package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Notification NotificationConfig
	Backup       BackupConfig
	Watcher      WatcherConfig
	Log          LogConfig
}

type ServerConfig struct {
	Port  int
	Token string // bearer token for management endpoints; empty disables auth
}

type StorageConfig struct {
	DataDir string
}

// NotificationConfig controls the pattern detector.
type NotificationConfig struct {
	Threshold   int // executions per window before a pattern fires
	WindowHours int // detection lookback window
	Enabled     bool
}

type BackupConfig struct {
	Enabled       bool
	IntervalHours int
	MaxBackups    int
	Dir           string // empty means <data_dir>/backups
}

type WatcherConfig struct {
	RulesDir     string // empty disables the watcher
	PollInterval int    // seconds
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4400,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Notification: NotificationConfig{
			Threshold:   5,
			WindowHours: 24,
			Enabled:     true,
		},
		Backup: BackupConfig{
			Enabled:       true,
			IntervalHours: 24,
			MaxBackups:    7,
		},
		Watcher: WatcherConfig{
			PollInterval: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "ruletrace-data"
		}
	}
	return filepath.Join(dir, "ruletrace")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/ruletrace/config.json, then applies RULETRACE_* environment
// overrides on top of the built-in defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.Storage.DataDir, "backups")
	}

	return cfg, nil
}
