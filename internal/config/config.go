// Package config loads and saves the application configuration from the
// platform config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config represents application configuration
type Config struct {
	ListenAddr        string `json:"listen_addr"`        // web bridge bind address
	LogLevel          string `json:"log_level"`          // debug, info, warn, error, none
	LogPath           string `json:"-"`                  // derived, not persisted
	HistoryDir        string `json:"history_dir,omitempty"`
	DefaultModel      string `json:"default_model,omitempty"`
	FollowUpInterval  int    `json:"follow_up_interval"` // turns between post-summary injections
	ExclusionFileName string `json:"exclusion_file_name,omitempty"`
	PlanFileName      string `json:"plan_file_name,omitempty"`
	EnableFileWatcher bool   `json:"enable_file_watcher"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8137",
		LogLevel:          "info",
		LogPath:           filepath.Join(defaultConfigDir(), "werkstatt.log"),
		FollowUpInterval:  5,
		ExclusionFileName: ".werkstatt-exclude",
		PlanFileName:      "PLAN.md",
		EnableFileWatcher: true,
	}
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "werkstatt")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "werkstatt")
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "werkstatt")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "werkstatt")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "werkstatt")
	}
}

// Path returns the config file location.
func Path() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// Load reads the config file, applying defaults for missing fields. A
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Path()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.FollowUpInterval <= 0 {
		cfg.FollowUpInterval = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8137"
	}
	return cfg, nil
}

// Save writes the config atomically via tmp+rename.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}
