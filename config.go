package tcmu

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk YAML configuration for a sheepdogtcmu process:
// which Sheepdog cluster to dial, which volume to export, and where to
// attach it as a block device.
type Config struct {
	// Endpoint is the Sheepdog daemon's "host:port" address, per §4.2.
	Endpoint string `yaml:"endpoint"`
	// Volume is the VDI name to lock and export.
	Volume string `yaml:"volume"`
	// DevPath is the directory under which the kernel creates the block
	// device node, e.g. "/dev".
	DevPath string `yaml:"dev_path"`

	HBA     int `yaml:"hba"`
	LUN     int `yaml:"lun"`
	Threads int `yaml:"threads"`

	// PingInterval is how often the session issues a FLUSH_VDI keepalive
	// independent of IO/Sync, to detect a dead Sheepdog node early. Zero
	// disables the keepalive ticker.
	PingInterval time.Duration `yaml:"ping_interval"`

	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// MetricsConfig controls the optional Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig controls the logrus root logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration a minimal single-volume
// deployment needs, before any user overrides are applied.
func DefaultConfig() Config {
	return Config{
		DevPath:      "/dev",
		HBA:          30,
		LUN:          0,
		Threads:      2,
		PingInterval: 30 * time.Second,
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9476",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads and parses a YAML config file at path, applying it on
// top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "config: open %q", path)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %q", path)
	}
	return cfg, cfg.Validate()
}

// Validate reports the first missing required field, if any.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if c.Volume == "" {
		return errors.New("config: volume is required")
	}
	return nil
}
