// Package reservoir classifies labware load names into reservoir categories
// using an ordered table of regular expressions.
package reservoir

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule maps a load-name pattern to a category.
type Rule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Category string `yaml:"category" json:"category"`
}

// Table is an ordered set of compiled rules; the first match wins.
type Table struct {
	rules []compiledRule
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Compile builds a Table. Patterns are unanchored regular expressions.
func Compile(rules []Rule) (*Table, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("reservoir pattern table is empty")
	}
	t := &Table{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Category) == "" {
			return nil, fmt.Errorf("reservoir rule %d (%q): category is empty", i, r.Pattern)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("reservoir rule %d: %w", i, err)
		}
		t.rules = append(t.rules, compiledRule{Rule: r, re: re})
	}
	return t, nil
}

// MustCompile is like Compile but panics on error. For tests and defaults.
func MustCompile(rules []Rule) *Table {
	t, err := Compile(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Classify returns the category for a load name, or "" when no rule matches.
func (t *Table) Classify(loadName string) string {
	if t == nil {
		return ""
	}
	for _, r := range t.rules {
		if r.re.MatchString(loadName) {
			return r.Category
		}
	}
	return ""
}

// IsLegacy reports whether a category marks superseded labware.
func IsLegacy(category string) bool {
	return strings.HasPrefix(category, "legacy_")
}

// DefaultRules covers the NEST/Armadillo labware being replaced and the
// Opentrons Tough labware replacing it, plus common non-reservoir labware.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: `^nest_1_reservoir_(195|290)ml$`, Category: "legacy_reservoir"},
		{Pattern: `^nest_12_reservoir_15ml$`, Category: "legacy_reservoir"},
		{Pattern: `^armadillo_96_wellplate_200ul_pcr_full_skirt$`, Category: "legacy_plate"},
		{Pattern: `^nest_96_wellplate_2ml_deep$`, Category: "legacy_plate"},
		{Pattern: `^opentrons_tough_(1|4|12)_reservoir_\d+ml$`, Category: "reservoir"},
		{Pattern: `^opentrons_96_wellplate_200ul_pcr_full_skirt$`, Category: "plate"},
		{Pattern: `^opentrons_tough_universal_lid$`, Category: "lid"},
		{Pattern: `^opentrons_tough_pcr_auto_sealing_lid$`, Category: "lid"},
		{Pattern: `_reservoir_\d+ml$`, Category: "reservoir"},
		{Pattern: `_wellplate_`, Category: "plate"},
		{Pattern: `_tiprack_`, Category: "tiprack"},
		{Pattern: `_tuberack_`, Category: "tube_rack"},
		{Pattern: `_aluminumblock_`, Category: "aluminum_block"},
	}
}
