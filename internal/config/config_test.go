package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rtpfuzz/internal/protocol"
	"rtpfuzz/internal/reservoir"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"RTPFUZZ_MODE", "RTPFUZZ_SEED", "RTPFUZZ_CONCURRENCY", "RTPFUZZ_SIMULATOR", "RTPFUZZ_LOG_LEVEL", "RTPFUZZ_DB"} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeFull, cfg.Generation.Mode)
	assert.Equal(t, 1, cfg.Simulation.ConcurrencyLimit)
	assert.Equal(t, "opentrons_simulate", cfg.Simulation.Binary)
	assert.Equal(t, 0.5, cfg.Audit.ZHeightRange.Min)
	assert.Equal(t, -7.0, cfg.Audit.RangeFor("top").Min)
	assert.Equal(t, 0.5, cfg.Audit.RangeFor("bottom").Min)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")

	cfg := DefaultConfig()
	cfg.Generation.Mode = ModeRandom
	cfg.Generation.RandomSeed = 42
	cfg.Audit.ZHeightRange = Range{Min: -5, Max: 5}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeRandom, loaded.Generation.Mode)
	assert.Equal(t, int64(42), loaded.Generation.RandomSeed)
	assert.Equal(t, Range{Min: -5, Max: 5}, loaded.Audit.ZHeightRange)
	assert.Equal(t, cfg.Audit.ReservoirPatterns, loaded.Audit.ReservoirPatterns)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
	content := `
audit:
  zheight_acceptable_range: {min: -5.0, max: 5.0}
  reservoir_name_patterns:
    - {pattern: "^nest_", category: legacy_reservoir}
generation:
  combination_mode: random
  random_sample_count: 10
simulation:
  concurrency_limit: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Range{Min: -5, Max: 5}, cfg.Audit.ZHeightRange)
	assert.Equal(t, []reservoir.Rule{{Pattern: "^nest_", Category: "legacy_reservoir"}}, cfg.Audit.ReservoirPatterns)
	assert.Equal(t, 10, cfg.Generation.RandomSampleCount)
	assert.Equal(t, 4, cfg.Simulation.ConcurrencyLimit)
	// untouched sections keep defaults
	assert.Equal(t, 1000, cfg.Generation.MaxCombinationsCap)
	assert.Equal(t, "opentrons_simulate", cfg.Simulation.Binary)
}

func TestLoad_ZHeightRangeAppliesToTop(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
		want    Range
	}{
		{"no audit section", "generation:\n  random_seed: 3\n", Range{Min: -7, Max: 100}},
		{"zheight range only", "audit:\n  zheight_acceptable_range: {min: -5.0, max: 5.0}\n", Range{Min: -5, Max: 5}},
		{"both ranges", "audit:\n  zheight_acceptable_range: {min: -5.0, max: 5.0}\n  top_acceptable_range: {min: -3.0, max: 1.0}\n", Range{Min: -3, Max: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Audit.RangeFor("top"))
		})
	}

	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  zheight_acceptable_range: {min: -5.0, max: 5.0}\n"), 0644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Audit.RangeFor("top").Contains(12.0))
}

func TestLoad_MapsReplaceDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
	content := `
audit:
  zheight_variables: {my_offset: 1}
  module_aliases: {}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"my_offset": 1}, cfg.Audit.ZHeightVariables)
	assert.Empty(t, cfg.Audit.ModuleAliases)
	assert.Equal(t, DefaultAuditConfig().ReservoirPatterns, cfg.Audit.ReservoirPatterns)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit: [unclosed"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty reservoir table", func(c *Config) { c.Audit.ReservoirPatterns = nil }},
		{"bad reservoir regex", func(c *Config) { c.Audit.ReservoirPatterns = []reservoir.Rule{{Pattern: "(", Category: "x"}} }},
		{"zero cap", func(c *Config) { c.Generation.MaxCombinationsCap = 0 }},
		{"negative cap", func(c *Config) { c.Generation.MaxCombinationsCap = -3 }},
		{"inverted range", func(c *Config) { c.Audit.ZHeightRange = Range{Min: 5, Max: -5} }},
		{"inverted top range", func(c *Config) { c.Audit.TopRange = &Range{Min: 1, Max: 0} }},
		{"unknown mode", func(c *Config) { c.Generation.Mode = "exhaustive" }},
		{"random without samples", func(c *Config) {
			c.Generation.Mode = ModeRandom
			c.Generation.RandomSampleCount = 0
		}},
		{"zero concurrency", func(c *Config) { c.Simulation.ConcurrencyLimit = 0 }},
		{"bad timeout", func(c *Config) { c.Simulation.Timeout = "soon" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad tracing exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, protocol.ErrConfiguration))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Len(t, verr.Problems, 1)
		})
	}
}

func TestConfig_ValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generation.MaxCombinationsCap = 0
	cfg.Simulation.ConcurrencyLimit = 0
	cfg.Audit.ReservoirPatterns = nil

	var verr *ValidationError
	require.True(t, errors.As(cfg.Validate(), &verr))
	assert.Len(t, verr.Problems, 3)
}

func TestConfig_ValidateSimulation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulation.Binary = " "
	assert.NoError(t, cfg.Validate())
	assert.ErrorIs(t, cfg.ValidateSimulation(), protocol.ErrConfiguration)
}

func TestSimulationTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "5m0s", cfg.SimulationTimeout().String())
	cfg.Simulation.Timeout = ""
	assert.Zero(t, cfg.SimulationTimeout())
}

func TestRangeClampAndContains(t *testing.T) {
	r := Range{Min: -5, Max: 5}
	assert.True(t, r.Contains(-5))
	assert.True(t, r.Contains(5))
	assert.False(t, r.Contains(12))
	assert.Equal(t, 5.0, r.Clamp(12))
	assert.Equal(t, -5.0, r.Clamp(-9))
	assert.Equal(t, 1.0, r.Clamp(1))
}
