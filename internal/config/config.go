package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/tracing"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no --config is given.
const DefaultFileName = "rtpfuzz.yaml"

// Config holds all rtpfuzz configuration. It is loaded once by the CLI and
// handed to each component at construction; nothing reads it globally.
type Config struct {
	Audit      AuditConfig      `yaml:"audit"`
	Generation GenerationConfig `yaml:"generation"`
	Simulation SimulationConfig `yaml:"simulation"`
	Logging    logging.Config   `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    tracing.Config   `yaml:"tracing"`
}

// Combination modes.
const (
	ModeFull   = "full"
	ModeRandom = "random"
)

// GenerationConfig configures the RTP assignment generator.
type GenerationConfig struct {
	Mode               string `yaml:"combination_mode"`    // full or random
	RandomSampleCount  int    `yaml:"random_sample_count"` // draws in random mode
	RandomSeed         int64  `yaml:"random_seed"`
	MaxCombinationsCap int    `yaml:"max_combinations_cap"` // hard cap in full mode
}

// StoreConfig configures the run history database. Empty Path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Audit: DefaultAuditConfig(),
		Generation: GenerationConfig{
			Mode:               ModeFull,
			RandomSampleCount:  25,
			RandomSeed:         1,
			MaxCombinationsCap: 1000,
		},
		Simulation: DefaultSimulationConfig(),
		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Tracing: tracing.Config{
			Exporter:    tracing.ExporterStdout,
			SampleRatio: 1,
		},
	}
}

// Load reads configuration from a YAML file on top of the defaults.
// A missing file yields the defaults. Environment overrides are applied last.
// The result is not validated; call Validate before starting work.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.replaceDefaultsSetIn(data); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		logging.BootDebug("loaded config from %s", path)
	case os.IsNotExist(err):
		logging.BootDebug("no config at %s, using defaults", path)
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// replaceDefaultsSetIn drops the default tables that the file provides itself,
// since yaml.v3 merges decoded maps into existing ones. A file that sets
// zheight_acceptable_range without top_acceptable_range gets that range for
// .top() as well.
func (c *Config) replaceDefaultsSetIn(data []byte) error {
	var present struct {
		Audit map[string]yaml.Node `yaml:"audit"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return err
	}
	if _, ok := present.Audit["zheight_variables"]; ok {
		c.Audit.ZHeightVariables = nil
	}
	if _, ok := present.Audit["module_aliases"]; ok {
		c.Audit.ModuleAliases = nil
	}
	_, bottom := present.Audit["zheight_acceptable_range"]
	_, top := present.Audit["top_acceptable_range"]
	if bottom && !top {
		c.Audit.TopRange = nil
	}
	return nil
}

// Save writes c as YAML to path, replacing any existing file atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	logging.BootDebug("wrote config to %s", path)
	return nil
}

// applyEnvOverrides applies RTPFUZZ_* environment variables. Unparsable
// numeric values are ignored with a warning; Validate catches the rest.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RTPFUZZ_MODE"); v != "" {
		c.Generation.Mode = v
	}
	if v := os.Getenv("RTPFUZZ_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Generation.RandomSeed = seed
		} else {
			logging.BootWarn("ignoring RTPFUZZ_SEED=%q: %v", v, err)
		}
	}
	if v := os.Getenv("RTPFUZZ_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Simulation.ConcurrencyLimit = n
		} else {
			logging.BootWarn("ignoring RTPFUZZ_CONCURRENCY=%q: %v", v, err)
		}
	}
	if v := os.Getenv("RTPFUZZ_SIMULATOR"); v != "" {
		c.Simulation.Binary = v
	}
	if v := os.Getenv("RTPFUZZ_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RTPFUZZ_DB"); v != "" {
		c.Store.Path = v
	}
}

// SimulationTimeout returns the per-assignment timeout, or 0 for none.
func (c *Config) SimulationTimeout() time.Duration {
	if c.Simulation.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Simulation.Timeout)
	if err != nil {
		return 0
	}
	return d
}
