package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Session     SessionConfig     `yaml:"session"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Wrapper     WrapperConfig     `yaml:"wrapper"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type PersistenceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`      // empty selects the XDG state dir
	Filename     string        `yaml:"filename"` // empty selects sessions.json
	SaveInterval time.Duration `yaml:"save_interval"`
}

type WrapperConfig struct {
	ConcentratorURL      string        `yaml:"concentrator_url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9999,
		},
		Session: SessionConfig{
			IdleTimeout:   60 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Persistence: PersistenceConfig{
			Enabled:      true,
			SaveInterval: 30 * time.Second,
		},
		Wrapper: WrapperConfig{
			ConcentratorURL:      "ws://localhost:9999/ws",
			HeartbeatInterval:    30 * time.Second,
			ReconnectBase:        time.Second,
			ReconnectMax:         30 * time.Second,
			MaxReconnectAttempts: 10,
		},
	}
}

// Load reads the config file at path, layering it over defaults. A missing
// file is not an error: both binaries must run with no config at all.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}
