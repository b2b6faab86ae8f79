// Package config loads the yaml configuration with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the config file at path, applies defaults, then applies
// COLDPROXY_* environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./data"
	}
	if cfg.Security.RateLimit.UnlockPerMinute == 0 {
		cfg.Security.RateLimit.UnlockPerMinute = 5
	}
	if cfg.Security.RateLimit.ExportPerMinute == 0 {
		cfg.Security.RateLimit.ExportPerMinute = 2
	}
	if cfg.Security.WebAuthn.RPID == "" {
		cfg.Security.WebAuthn.RPID = "localhost"
	}
	if cfg.Security.WebAuthn.RPOrigin == "" {
		cfg.Security.WebAuthn.RPOrigin = "http://localhost:8080"
	}
	if cfg.Security.WebAuthn.RPDisplayName == "" {
		cfg.Security.WebAuthn.RPDisplayName = "coldproxy"
	}
	if cfg.Capture.ChunkSize == 0 {
		cfg.Capture.ChunkSize = 64 * 1024
	}
	if cfg.Capture.Queue.Capacity == 0 {
		cfg.Capture.Queue.Capacity = 1000
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = "0 3 * * *"
	}
	if cfg.Retention.BatchSize == 0 {
		cfg.Retention.BatchSize = 500
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COLDPROXY_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("COLDPROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("COLDPROXY_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("COLDPROXY_KILL_SWITCH"); v != "" {
		cfg.Security.KillSwitch = parseBool(v)
	}
	if v := os.Getenv("COLDPROXY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COLDPROXY_RP_ID"); v != "" {
		cfg.Security.WebAuthn.RPID = v
	}
	if v := os.Getenv("COLDPROXY_RP_ORIGIN"); v != "" {
		cfg.Security.WebAuthn.RPOrigin = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
