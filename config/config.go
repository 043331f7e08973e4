// Package config provides configuration management for the backup engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Config holds a backup repository's settings.
type Config struct {
	// Repository settings
	RepoRoot          string   `json:"repo_root"`
	WatchPaths        []string `json:"watch_paths"`
	ExcludePatterns   []string `json:"exclude_patterns"`

	// Block-size / retention policy
	BlockSizeCapMiB   int `json:"block_size_cap_mib"`
	RetentionVersions int `json:"retention_versions"`
	PollIntervalSecs  int `json:"poll_interval_secs"`

	// Advanced
	DebugLogging  bool `json:"debug_logging"`
	MaxConcurrent int  `json:"max_concurrent"`

	// Internal
	configPath string
	mu         sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BlockSizeCapMiB:   64,
		RetentionVersions: 30,
		PollIntervalSecs:  5,
		DebugLogging:      false,
		MaxConcurrent:     4,
		ExcludePatterns: []string{
			"*.tmp",
			"*.temp",
			"~$*",
			".DS_Store",
			"Thumbs.db",
			".git/**",
			".svn/**",
			"node_modules/**",
			"__pycache__/**",
			"*.pyc",
		},
	}
}

// GetConfigDir returns the platform-specific configuration directory.
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".config")
		}
	}

	configDir := filepath.Join(baseDir, "NithronBackup")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// GetDataDir returns the platform-specific data directory, where the
// catalog database and repository content live by default.
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, "NithronBackup")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDir returns the platform-specific log directory.
func GetLogDir() (string, error) {
	var logDir string

	switch runtime.GOOS {
	case "windows":
		baseDir := os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		logDir = filepath.Join(baseDir, "NithronBackup", "logs")
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, "Library", "Logs", "NithronBackup")
	default: // Linux and others
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		logDir = filepath.Join(home, ".local", "share", "nithron-backup", "logs")
	}

	if err := os.MkdirAll(logDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// Load loads the configuration from the default location.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.json")
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from a specific file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		dataDir, derr := GetDataDir()
		if derr == nil {
			cfg.RepoRoot = filepath.Join(dataDir, "repo")
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		c.configPath = filepath.Join(configDir, "config.json")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Update applies fn under lock and persists the result.
func (c *Config) Update(fn func(*Config)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.Save()
}

// IsConfigured reports whether a repository root has been set.
func (c *Config) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RepoRoot != ""
}

// GetRepoRoot returns the configured repository root.
func (c *Config) GetRepoRoot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RepoRoot
}
