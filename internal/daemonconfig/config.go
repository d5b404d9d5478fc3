package daemonconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon-level settings document. It is distinct from the Range
// Registry's service-type document: this one configures the daemon
// itself, not its service-type table.
type Config struct {
	// ListenPort is the HTTP transport's bind port.
	ListenPort int `yaml:"listen_port"`

	// StateDir is the user config directory holding daemon.state,
	// config.json, auth.token, and audit.log.
	StateDir string `yaml:"state_dir"`

	// AutoAllocation toggles the Auto-Range Planner.
	AutoAllocation bool `yaml:"auto_allocation"`

	// BaseConfigPath overrides the Range Registry's embedded base
	// service-type document with a file on disk. Empty (the default)
	// uses the document baked into the binary via go:embed.
	BaseConfigPath string `yaml:"base_config_path"`

	// Placement, ChunkSize, GapSize, PreserveGaps, MinPort, MaxPort feed
	// internal/planner.Config directly.
	Placement string `yaml:"placement"`
	ChunkSize int `yaml:"chunk_size"`
	GapSize int `yaml:"gap_size"`
	PreserveGaps bool `yaml:"preserve_gaps"`
	MinPort int `yaml:"min_port"`
	MaxPort int `yaml:"max_port"`

	// StrictMode forces the Port Probe to run even for managed-range
	// ports.
	StrictMode bool `yaml:"strict_mode"`

	// SweepInterval, StaleAge, ScanInterval feed the Reconciliation
	// Loop's periodic sweep and passive-observation timers.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	StaleAge time.Duration `yaml:"stale_age"`
	ScanInterval time.Duration `yaml:"scan_interval"`

	// HealthMonitorEnabled enables the optional health-monitor timer alongside
	// the periodic sweep.
	HealthMonitorEnabled bool `yaml:"health_monitor_enabled"`
	HealthMonitorInterval time.Duration `yaml:"health_monitor_interval"`
	MaxFailures int `yaml:"max_failures"`
}

// Default returns the daemon's built-in defaults, rooted under home
// (the user's HOME directory).
func Default(home string) Config {
	return Config{
		ListenPort: 9876,
		StateDir: filepath.Join(home, ".portguardd"),
		AutoAllocation: true,
		Placement: "after",
		ChunkSize: 10,
		GapSize: 10,
		PreserveGaps: true,
		MinPort: 1024,
		MaxPort: 65535,
		StrictMode: false,
		SweepInterval: 10 * time.Second,
		StaleAge: 30 * time.Minute,
		ScanInterval: 10 * time.Second,
		HealthMonitorEnabled: false,
		HealthMonitorInterval: 10 * time.Second,
		MaxFailures: 3,
	}
}

// Load reads path (a YAML document) and overlays it onto Default(home);
// a missing file is not an error — the daemon simply runs with defaults.
func Load(path, home string) (Config, error) {
	cfg := Default(home)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("daemonconfig: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("daemonconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
