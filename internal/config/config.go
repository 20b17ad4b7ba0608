package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the bridge's own configuration. The daemon's server registry is
// not managed here; this file only tells the bridge how to reach and
// supervise the daemon and how to expose the gateway.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon"`
	Gateway GatewayConfig `toml:"gateway"`
	Bridge  BridgeConfig  `toml:"bridge"`
}

type DaemonConfig struct {
	// URL is the daemon API base URL the supervisor probes and the bridge
	// talks to.
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
	// Binary optionally pins the daemon executable path, bypassing the
	// resolution chain.
	Binary         string `toml:"binary"`
	LogPath        string `toml:"log_path"`
	StartupTimeout int    `toml:"startup_timeout_secs"`
}

type GatewayConfig struct {
	Listen    string   `toml:"listen"`
	APIKeys   []string `toml:"api_keys"`
	RateLimit float64  `toml:"rate_limit"`
	RateBurst int      `toml:"rate_burst"`
}

type BridgeConfig struct {
	Namespace bool `toml:"namespace"`
}

const (
	DefaultDaemonURL     = "http://localhost:8090"
	DefaultGatewayListen = ":7920"
)

// Dir returns the bridge configuration directory, creating it if needed.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(homeDir, ".mcpd-bridge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the path of the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Default returns the built-in configuration, with MCPD_URL and MCPD_API_KEY
// from the environment applied on top.
func Default() *Config {
	cfg := &Config{
		Daemon: DaemonConfig{
			URL:            DefaultDaemonURL,
			StartupTimeout: 30,
		},
		Gateway: GatewayConfig{
			Listen:    DefaultGatewayListen,
			RateLimit: 10,
			RateBurst: 20,
		},
		Bridge: BridgeConfig{
			Namespace: true,
		},
	}
	cfg.applyEnv()
	return cfg
}

// Load reads the config file, falling back to defaults when it does not
// exist. Environment overrides always win over file contents.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads a specific config file.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		Daemon: DaemonConfig{
			URL:            DefaultDaemonURL,
			StartupTimeout: 30,
		},
		Gateway: GatewayConfig{
			Listen:    DefaultGatewayListen,
			RateLimit: 10,
			RateBurst: 20,
		},
		Bridge: BridgeConfig{
			Namespace: true,
		},
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration back to the config file.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// StartupTimeoutDuration returns the daemon startup timeout as a duration.
func (c *Config) StartupTimeoutDuration() time.Duration {
	if c.Daemon.StartupTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Daemon.StartupTimeout) * time.Second
}

func (c *Config) applyEnv() {
	if url := os.Getenv("MCPD_URL"); url != "" {
		c.Daemon.URL = url
	}
	if key := os.Getenv("MCPD_API_KEY"); key != "" {
		c.Daemon.APIKey = key
	}
}
