// Package config loads the yaml configuration for the HaloVital core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halovital/halovital-core/core/outbox"
	"github.com/halovital/halovital-core/pkg/logger"
	"github.com/halovital/halovital-core/pkg/telemetry"
)

// EnvDataDir overrides the configured data directory when set.
const EnvDataDir = "HALOVITAL_DATA_DIR"

// LockConfig tunes the processing lock.
type LockConfig struct {
	// StaleThreshold is the lease timeout after which an unreleased lock may
	// be reclaimed.
	StaleThreshold time.Duration
}

// Config is the full configuration of the core.
type Config struct {
	// DataDir is where container files live.
	DataDir string

	Logger    logger.Config
	Telemetry telemetry.Config
	Outbox    outbox.Config
	Processor outbox.ProcessorConfig
	Lock      LockConfig
}

// Default returns a runnable configuration.
func Default() *Config {
	return &Config{
		DataDir: "./halovital-data",
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "halovital-core",
			PrometheusPort: 9464,
		},
		Lock: LockConfig{StaleThreshold: 5 * time.Minute},
	}
}

// fileConfig is the yaml shape. Durations travel as strings ("30s", "2m")
// because yaml has no native duration scalar.
type fileConfig struct {
	DataDir   string           `yaml:"data_dir"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Outbox    struct {
		MaxAttempts      int    `yaml:"max_attempts"`
		BackoffBase      string `yaml:"backoff_base"`
		BackoffCap       string `yaml:"backoff_cap"`
		FailedLimit      int    `yaml:"failed_limit"`
		StrictInvariants bool   `yaml:"strict_invariants"`
	} `yaml:"outbox"`
	Processor struct {
		HolderID        string  `yaml:"holder_id"`
		PollInterval    string  `yaml:"poll_interval"`
		BatchSize       int     `yaml:"batch_size"`
		StaleThreshold  string  `yaml:"stale_threshold"`
		SendRate        float64 `yaml:"send_rate"`
		FailedRetention string  `yaml:"failed_retention"`
	} `yaml:"processor"`
	Lock struct {
		StaleThreshold string `yaml:"stale_threshold"`
	} `yaml:"lock"`
}

// Load reads a yaml file over the defaults. An empty path returns the
// defaults. The HALOVITAL_DATA_DIR environment variable wins over both.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		var fc fileConfig
		fc.Logger = cfg.Logger
		fc.Telemetry = cfg.Telemetry
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if err := cfg.applyFile(&fc); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(fc *fileConfig) error {
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	c.Logger = fc.Logger
	c.Telemetry = fc.Telemetry

	c.Outbox.MaxAttempts = fc.Outbox.MaxAttempts
	c.Outbox.FailedLimit = fc.Outbox.FailedLimit
	c.Outbox.StrictInvariants = fc.Outbox.StrictInvariants
	var err error
	if c.Outbox.BackoffBase, err = parseDuration("outbox.backoff_base", fc.Outbox.BackoffBase); err != nil {
		return err
	}
	if c.Outbox.BackoffCap, err = parseDuration("outbox.backoff_cap", fc.Outbox.BackoffCap); err != nil {
		return err
	}

	c.Processor.HolderID = fc.Processor.HolderID
	c.Processor.BatchSize = fc.Processor.BatchSize
	c.Processor.SendRate = fc.Processor.SendRate
	if c.Processor.PollInterval, err = parseDuration("processor.poll_interval", fc.Processor.PollInterval); err != nil {
		return err
	}
	if c.Processor.StaleThreshold, err = parseDuration("processor.stale_threshold", fc.Processor.StaleThreshold); err != nil {
		return err
	}
	if c.Processor.FailedRetention, err = parseDuration("processor.failed_retention", fc.Processor.FailedRetention); err != nil {
		return err
	}

	if fc.Lock.StaleThreshold != "" {
		if c.Lock.StaleThreshold, err = parseDuration("lock.stale_threshold", fc.Lock.StaleThreshold); err != nil {
			return err
		}
	}
	return nil
}

// parseDuration turns an optional "30s"-style string into a duration; empty
// means zero, which downstream defaulting fills in.
func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Lock.StaleThreshold < 0 {
		return fmt.Errorf("lock.stale_threshold must not be negative")
	}
	return nil
}
