package config

import (
	"rtpfuzz/internal/reservoir"
)

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Clamp returns v moved into the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// AuditConfig configures extraction tables and audit thresholds.
type AuditConfig struct {
	// ZHeightRange applies to every z-height unless a per-call range overrides it.
	ZHeightRange Range `yaml:"zheight_acceptable_range"`
	// TopRange overrides ZHeightRange for .top() offsets, which are measured
	// down from the rim and are legitimately negative. Load drops the default
	// when a file sets zheight_acceptable_range alone.
	TopRange *Range `yaml:"top_acceptable_range,omitempty"`

	// ZHeightVariables resolves named offsets used in z-height expressions.
	ZHeightVariables map[string]float64 `yaml:"zheight_variables"`

	// ReservoirPatterns is ordered; the first matching pattern names the category.
	ReservoirPatterns []reservoir.Rule `yaml:"reservoir_name_patterns"`

	// RequiredMetadata lists metadata keys whose absence is a finding.
	RequiredMetadata []string `yaml:"required_metadata"`

	// ModuleAliases canonicalizes load_module names.
	ModuleAliases map[string]string `yaml:"module_aliases"`
}

// DefaultAuditConfig mirrors the thresholds used on the protocol library so far:
// bottom offsets must stay at or above 0.5 mm, top offsets at or above -7 mm.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		ZHeightRange: Range{Min: 0.5, Max: 100},
		TopRange:     &Range{Min: -7, Max: 100},
		ZHeightVariables: map[string]float64{
			"PCRPlate_Z_50_offset":  0,
			"Deepwell_Z_50_offset":  0,
			"Deep384_Z_50_offset":   0,
			"PCRPlate_Z_200_offset": 0,
			"Deepwell_Z_200_offset": 0,
			"Deep384_Z_200_offset":  0,
			"PCRPlate_Z_offset":     0,
			"Deepwell_Z_offset":     0,
			"p300_offset_Deck":      0,
			"p300_offset_Res":       0,
			"p300_offset_Tube":      0,
			"p20_offset_Deck":       0,
			"p20_offset_Res":        0,
			"p20_offset_Tube":       0,
		},
		ReservoirPatterns: reservoir.DefaultRules(),
		RequiredMetadata:  []string{"protocolName", "author", "apiLevel"},
		ModuleAliases: map[string]string{
			"thermocycler module gen2": "Thermocycler Module GEN 2",
			"thermocyclerModuleV2":     "Thermocycler Module GEN 2",
			"flexStackerModuleV1":      "Flex Stacker Module V1",
			"magneticBlockV1":          "Magnetic Block V1",
			"heaterShakerModuleV1":     "Heater-Shaker Module GEN 1",
			"temperature module gen2":  "Temperature Module GEN 2",
			"temperatureModuleV2":      "Temperature Module GEN 2",
			"absorbanceReaderV1":       "Absorbance Plate Reader Module",

			// loaded as labware but tracked as a module
			"opentrons_tough_pcr_auto_sealing_lid": "PCR Auto Sealing Lid",
		},
	}
}

// RangeFor returns the acceptable range for a well-position helper.
func (a AuditConfig) RangeFor(call string) Range {
	if call == "top" && a.TopRange != nil {
		return *a.TopRange
	}
	return a.ZHeightRange
}

// ReservoirTable compiles the reservoir patterns.
func (a AuditConfig) ReservoirTable() (*reservoir.Table, error) {
	return reservoir.Compile(a.ReservoirPatterns)
}
