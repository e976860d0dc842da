// ABOUTME: Configuration file management for the dmvsync CLI.
// ABOUTME: Supports loading, saving, and environment variable overrides.
package appcli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the persisted CLI configuration.
type Config struct {
	Server     string `json:"server"`
	AuthToken  string `json:"auth_token"`
	TenantID   string `json:"tenant_id"`
	PracticeID string `json:"practice_id"`
	Seed       string `json:"seed"` // hex seed; alternatively restored from a mnemonic
	DBPath     string `json:"db_path"`
}

// ConfigPath returns the path to the CLI config file. Overridable in tests.
var ConfigPath = func() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".dmvsync", "config.json")
	}
	return filepath.Join(home, ".dmvsync", "config.json")
}

// LoadConfig reads the config file and applies environment overrides.
func LoadConfig() (Config, error) {
	var cfg Config
	b, err := os.ReadFile(ConfigPath())
	if err == nil {
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", ConfigPath(), err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if v := os.Getenv("DMVSYNC_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("DMVSYNC_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("DMVSYNC_TENANT"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("DMVSYNC_PRACTICE"); v != "" {
		cfg.PracticeID = v
	}
	if v := os.Getenv("DMVSYNC_SEED"); v != "" {
		cfg.Seed = v
	}
	if v := os.Getenv("DMVSYNC_DB"); v != "" {
		cfg.DBPath = v
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(ConfigPath()), "replica.db")
	}
	return cfg, nil
}

// SaveConfig writes the config file with restrictive permissions.
func SaveConfig(cfg Config) error {
	dir := filepath.Dir(ConfigPath())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(), b, 0o600)
}
