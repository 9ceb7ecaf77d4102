// Package config loads the orchestrator configuration: YAML file first,
// environment variables on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Taicho/common/environment"
	"github.com/bdobrica/Taicho/common/yamltypes"
	"github.com/bdobrica/Taicho/internal/orchestrator/fleet"
	"github.com/bdobrica/Taicho/internal/orchestrator/notify"
)

// InstallerConfig selects what the remote installer puts on new hosts.
type InstallerConfig struct {
	RepoURL    string `yaml:"repo_url"`
	Branch     string `yaml:"branch"`
	InstallDir string `yaml:"install_dir"`
}

// Config is the orchestrator process configuration.
type Config struct {
	ListenAddr      string              `yaml:"listen_addr"`
	DataDir         string              `yaml:"data_dir"`
	SlaveToken      string              `yaml:"slave_token"`
	ProbeInterval   yamltypes.Duration  `yaml:"probe_interval"`
	LivenessWindow  yamltypes.Duration  `yaml:"liveness_window"`
	CommandGrace    yamltypes.Duration  `yaml:"command_grace"`
	MaxRedeliveries int                 `yaml:"max_redeliveries"`
	Overbooking     map[string]float64  `yaml:"overbooking"`
	Installer       InstallerConfig     `yaml:"installer"`
	Matrix          notify.MatrixConfig `yaml:"matrix"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		DataDir:         "./data",
		ProbeInterval:   yamltypes.Duration(30 * time.Second),
		LivenessWindow:  yamltypes.Duration(90 * time.Second),
		CommandGrace:    yamltypes.Duration(60 * time.Second),
		MaxRedeliveries: 3,
		Overbooking:     fleet.DefaultOverbooking,
		Installer: InstallerConfig{
			Branch:     "main",
			InstallDir: "/opt/taicho",
		},
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

	cfg.ListenAddr = environment.StringOr("TAICHO_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = environment.StringOr("TAICHO_DATA_DIR", cfg.DataDir)
	cfg.SlaveToken = environment.StringOr("TAICHO_SLAVE_TOKEN", cfg.SlaveToken)
	cfg.ProbeInterval = yamltypes.Duration(environment.DurationOr("TAICHO_PROBE_INTERVAL", cfg.ProbeInterval.D()))
	cfg.LivenessWindow = yamltypes.Duration(environment.DurationOr("TAICHO_LIVENESS_WINDOW", cfg.LivenessWindow.D()))
	cfg.Matrix.AccessToken = environment.StringOr("TAICHO_MATRIX_TOKEN", cfg.Matrix.AccessToken)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.ProbeInterval.D() <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.LivenessWindow.D() < c.ProbeInterval.D() {
		return fmt.Errorf("liveness_window (%s) must be at least probe_interval (%s)",
			c.LivenessWindow.D(), c.ProbeInterval.D())
	}
	if c.MaxRedeliveries < 0 {
		return fmt.Errorf("max_redeliveries must not be negative")
	}
	for device, factor := range c.Overbooking {
		if factor < 1.0 {
			return fmt.Errorf("overbooking factor for %s must be >= 1.0", device)
		}
	}
	return nil
}
