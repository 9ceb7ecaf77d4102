// Package config loads the slave runtime configuration: YAML file first,
// environment variables on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Taicho/common/environment"
	"github.com/bdobrica/Taicho/common/yamltypes"
)

// Config is the slave process configuration. Host and Port are the address
// the master uses to reach this node, so Host must be routable from the
// master, not necessarily the bind address.
type Config struct {
	SlaveID           string             `yaml:"slave_id"`
	MasterURL         string             `yaml:"master_url"`
	Host              string             `yaml:"host"`
	Port              int                `yaml:"port"`
	ListenAddr        string             `yaml:"listen_addr"`
	Token             string             `yaml:"token"`
	DeviceType        string             `yaml:"device_type"`
	MaxAgents         int                `yaml:"max_agents"`
	InstallMethod     string             `yaml:"install_method"`
	HeartbeatInterval yamltypes.Duration `yaml:"heartbeat_interval"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return Config{
		SlaveID:           "slave-" + host,
		Host:              host,
		Port:              8090,
		DeviceType:        "desktop",
		MaxAgents:         4,
		InstallMethod:     "unknown",
		HeartbeatInterval: yamltypes.Duration(30 * time.Second),
	}
}

// Load reads the YAML file (when path is non-empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.SlaveID = environment.StringOr("TAICHO_SLAVE_ID", cfg.SlaveID)
	cfg.MasterURL = environment.StringOr("TAICHO_MASTER_URL", cfg.MasterURL)
	cfg.Host = environment.StringOr("TAICHO_SLAVE_HOST", cfg.Host)
	cfg.Port = environment.IntOr("TAICHO_SLAVE_PORT", cfg.Port)
	cfg.Token = environment.StringOr("TAICHO_SLAVE_TOKEN", cfg.Token)
	cfg.HeartbeatInterval = yamltypes.Duration(environment.DurationOr("TAICHO_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval.D()))

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = fmt.Sprintf(":%d", cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.SlaveID == "" {
		return fmt.Errorf("slave_id must not be empty")
	}
	if c.MasterURL == "" {
		return fmt.Errorf("master_url must not be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be at least 1")
	}
	switch c.DeviceType {
	case "single_board", "desktop", "server":
	default:
		return fmt.Errorf("unknown device_type %q", c.DeviceType)
	}
	if c.HeartbeatInterval.D() <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}
