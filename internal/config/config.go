// Package config loads and validates durableflowd's YAML configuration,
// and watches it for hot-reloadable changes, per SPEC_FULL §2
// ("Configuration"): polling interval, lease TTL, max batch, store DSN,
// listen addresses.
package config

import (
	"fmt"
	"os"
	"time"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Backend selects which Store implementation durableflowd boots.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// Duration wraps time.Duration with YAML string parsing ("50ms", "30s"),
// since yaml.v3 has no built-in time.Duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.v3's node-based unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StoreConfig selects and configures the Store backend.
type StoreConfig struct {
	Backend Backend `yaml:"backend" validate:"required,oneof=memory postgres redis"`
	DSN     string  `yaml:"dsn" validate:"required_unless=Backend memory"`
}

// Config is durableflowd's full configuration surface.
type Config struct {
	PollingInterval Duration    `yaml:"pollingInterval" validate:"required"`
	LeaseTTL        Duration    `yaml:"leaseTTL" validate:"required"`
	MaxBatch        int         `yaml:"maxBatch" validate:"required,min=1"`
	Store           StoreConfig `yaml:"store" validate:"required"`
	HTTPAddr        string      `yaml:"httpAddr" validate:"required"`
	MetricsAddr     string      `yaml:"metricsAddr"`
	Debug           bool        `yaml:"debug"`
}

func withDefaults(c Config) Config {
	if c.PollingInterval == 0 {
		c.PollingInterval = Duration(50 * time.Millisecond)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = Duration(30 * time.Second)
	}
	if c.MaxBatch == 0 {
		c.MaxBatch = 1
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	return c
}

// Load reads, defaults, and validates the YAML config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load's decode/default/validate step, split out so tests don't
// need a file on disk.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	c = withDefaults(c)

	if err := validator.New().Struct(c); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return c, nil
}
