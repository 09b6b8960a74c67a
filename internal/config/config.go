// Package config loads the relayer and resolver daemon configuration: a
// YAML file in the data directory, written with defaults on first run, plus
// an environment overlay for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// HTTPConfig holds ops HTTP settings.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// RateLimit is requests per second per client.
	RateLimit   float64  `yaml:"rate_limit"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// load reads path into cfg, which must already hold the defaults. A missing
// file is created from cfg. It reports whether the file was created.
func load(path string, cfg interface{}, header string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := save(path, cfg, header); err != nil {
			return false, fmt.Errorf("failed to create default config: %w", err)
		}
		return true, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config file: %w", err)
	}
	return false, nil
}

func save(path string, cfg interface{}, header string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append([]byte(header), data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
