package reservoir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesClassify(t *testing.T) {
	table := MustCompile(DefaultRules())

	tests := []struct {
		load string
		want string
	}{
		{"nest_12_reservoir_15ml", "legacy_reservoir"},
		{"nest_1_reservoir_290ml", "legacy_reservoir"},
		{"opentrons_tough_12_reservoir_22ml", "reservoir"},
		{"opentrons_tough_1_reservoir_300ml", "reservoir"},
		{"armadillo_96_wellplate_200ul_pcr_full_skirt", "legacy_plate"},
		{"opentrons_96_wellplate_200ul_pcr_full_skirt", "plate"},
		{"opentrons_flex_96_tiprack_200ul", "tiprack"},
		{"tube_rack_custom_9000", ""},
	}
	for _, tt := range tests {
		t.Run(tt.load, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Classify(tt.load))
		})
	}
}

func TestFirstMatchWins(t *testing.T) {
	table := MustCompile([]Rule{
		{Pattern: `reservoir`, Category: "first"},
		{Pattern: `^nest_`, Category: "second"},
	})
	assert.Equal(t, "first", table.Classify("nest_12_reservoir_15ml"))
	assert.Equal(t, "second", table.Classify("nest_96_wellplate_2ml_deep"))
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(nil)
	require.Error(t, err)

	_, err = Compile([]Rule{{Pattern: `(`, Category: "x"}})
	require.Error(t, err)

	_, err = Compile([]Rule{{Pattern: `x`, Category: " "}})
	require.Error(t, err)
}

func TestNilTableClassifiesNothing(t *testing.T) {
	var table *Table
	assert.Equal(t, "", table.Classify("anything"))
}

func TestIsLegacy(t *testing.T) {
	assert.True(t, IsLegacy("legacy_plate"))
	assert.False(t, IsLegacy("plate"))
}
