// Package config loads server configuration from an optional YAML
// file with flag overrides applied by the CLI layer.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	// SavePath is the location of the single-file store.
	SavePath string `yaml:"save_path"`

	// Listen is the TCP endpoint for the HTTP/WebSocket server.
	Listen string `yaml:"listen"`

	// BroadcastCapacity bounds the per-subscriber frame buffer.
	BroadcastCapacity int `yaml:"broadcast_capacity"`

	// DevAuth accepts unauthenticated game connections and
	// substitutes an actor identity.
	DevAuth bool `yaml:"dev_auth"`

	// MetricsAddr serves /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// StaticDir is the static asset root; empty disables it.
	StaticDir string `yaml:"static_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SavePath:          "./tasks.db",
		Listen:            "0.0.0.0:3000",
		BroadcastCapacity: 256,
		MetricsAddr:       "127.0.0.1:9090",
		LogLevel:          "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
