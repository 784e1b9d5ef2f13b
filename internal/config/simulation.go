package config

// SimulationConfig configures the simulation harness and the subprocess engine.
type SimulationConfig struct {
	// ConcurrencyLimit bounds simultaneous engine calls. Set to 1 when the
	// engine serializes internally.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// Binary and Args form the engine command; the variant path is appended.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// Timeout per assignment, as a Go duration string. Empty = no timeout.
	Timeout string `yaml:"timeout"`

	// WorkDir receives materialized variants. Empty = a temp dir per batch.
	WorkDir string `yaml:"work_dir"`

	// KeepArtifacts leaves variant files on disk after the batch.
	KeepArtifacts bool `yaml:"keep_artifacts"`

	// MaxOutputBytes caps captured stdout/stderr per stream.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// AllowedEnvVars are copied from the caller's environment into the engine's.
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// DefaultSimulationConfig runs opentrons_simulate one assignment at a time.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		ConcurrencyLimit: 1,
		Binary:           "opentrons_simulate",
		Timeout:          "5m",
		MaxOutputBytes:   1 << 20,
		AllowedEnvVars:   []string{"PATH", "HOME", "PYTHONPATH", "VIRTUAL_ENV", "OT_API_CONFIG_DIR"},
	}
}
