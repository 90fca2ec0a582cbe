package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RULETRACE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "RULETRACE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RULETRACE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "notification.threshold", typ: kInt, env: "RULETRACE_NOTIFICATION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Notification.Threshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Notification.Threshold },
	},
	{
		key: "notification.window_hours", typ: kInt, env: "RULETRACE_NOTIFICATION_WINDOW_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Notification.WindowHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Notification.WindowHours },
	},
	{
		key: "notification.enabled", typ: kBool, env: "RULETRACE_NOTIFICATION_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Notification.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Notification.Enabled },
	},
	{
		key: "backup.enabled", typ: kBool, env: "RULETRACE_BACKUP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Backup.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Backup.Enabled },
	},
	{
		key: "backup.interval_hours", typ: kInt, env: "RULETRACE_BACKUP_INTERVAL_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Backup.IntervalHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Backup.IntervalHours },
	},
	{
		key: "backup.max_backups", typ: kInt, env: "RULETRACE_BACKUP_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Backup.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Backup.MaxBackups },
	},
	{
		key: "backup.dir", typ: kString, env: "RULETRACE_BACKUP_DIR",
		apply:   func(cfg *Config, v any) { cfg.Backup.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Backup.Dir },
	},
	{
		key: "watcher.rules_dir", typ: kString, env: "RULETRACE_WATCHER_RULES_DIR",
		apply:   func(cfg *Config, v any) { cfg.Watcher.RulesDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Watcher.RulesDir },
	},
	{
		key: "watcher.poll_interval", typ: kInt, env: "RULETRACE_WATCHER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watcher.PollInterval = v.(int) },
		extract: func(cfg Config) any { return cfg.Watcher.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "RULETRACE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
