package audit

import (
	"encoding/json"
	"time"

	"rtpfuzz/internal/protocol"
)

// Kind classifies a finding.
type Kind string

const (
	KindMalformed          Kind = "malformed_protocol"
	KindMissingMetadata    Kind = "missing_metadata"
	KindNameMismatch       Kind = "name_mismatch"
	KindUnboundedParameter Kind = "unbounded_parameter"
	KindInvalidParameter   Kind = "invalid_parameter"
	KindZHeightOutOfRange  Kind = "zheight_out_of_range"
	KindZHeightUnresolved  Kind = "zheight_unresolved"
	KindUnrecognized       Kind = "unrecognized_reservoir"
	KindLegacyReservoir    Kind = "legacy_reservoir"
)

// Severity ranks findings for readers; it does not change any counts.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is one audit observation about a protocol.
type Finding struct {
	Kind     Kind               `json:"kind" yaml:"kind"`
	Severity Severity           `json:"severity" yaml:"severity"`
	Subject  string             `json:"subject,omitempty" yaml:"subject,omitempty"`
	Location *protocol.Location `json:"location,omitempty" yaml:"location,omitempty"`
	Message  string             `json:"message" yaml:"message"`

	// Value and Suggested are set for z-height findings.
	Value     *float64 `json:"value,omitempty" yaml:"value,omitempty"`
	Suggested *float64 `json:"suggested,omitempty" yaml:"suggested,omitempty"`
}

// ProtocolReport is the finding set for one protocol.
type ProtocolReport struct {
	Identity      string                  `json:"identity" yaml:"identity"`
	Metadata      map[string]string       `json:"metadata" yaml:"metadata"`
	Modules       []string                `json:"modules" yaml:"modules"`
	Parameters    []string                `json:"parameters" yaml:"parameters"`
	ZHeightRefs   []protocol.ZHeightRef   `json:"z_height_refs" yaml:"z_height_refs"`
	ReservoirRefs []protocol.ReservoirRef `json:"reservoir_refs" yaml:"reservoir_refs"`
	Findings      []Finding               `json:"findings" yaml:"findings"`
}

// Count returns the number of findings of kind k.
func (p ProtocolReport) Count(k Kind) int {
	n := 0
	for _, f := range p.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Summary aggregates a batch. Usage maps count each protocol once per key.
type Summary struct {
	Protocols                  int `json:"protocols" yaml:"protocols"`
	Malformed                  int `json:"malformed" yaml:"malformed"`
	WithFlaggedZHeights        int `json:"with_flagged_zheights" yaml:"with_flagged_zheights"`
	WithUnrecognizedReservoirs int `json:"with_unrecognized_reservoirs" yaml:"with_unrecognized_reservoirs"`
	WithUnboundedParameters    int `json:"with_unbounded_parameters" yaml:"with_unbounded_parameters"`
	WithMissingMetadata        int `json:"with_missing_metadata" yaml:"with_missing_metadata"`

	FindingsByKind map[string]int `json:"findings_by_kind" yaml:"findings_by_kind"`
	ModuleUsage    map[string]int `json:"module_usage" yaml:"module_usage"`
	ReservoirUsage map[string]int `json:"reservoir_usage" yaml:"reservoir_usage"`
	CategoryUsage  map[string]int `json:"category_usage" yaml:"category_usage"`

	Identities []string `json:"identities" yaml:"identities"`
}

// Body is the deterministic part of a report.
type Body struct {
	Protocols []ProtocolReport `json:"protocols" yaml:"protocols"`
	Summary   Summary          `json:"summary" yaml:"summary"`
}

// Report wraps a Body with the fields that differ between runs.
type Report struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	GeneratedAt time.Time `json:"generated_at" yaml:"generated_at"`
	Body        Body      `json:"body" yaml:"body"`
}

// MarshalBody renders the body as indented JSON. Identical inputs and
// configuration produce identical bytes.
func (r *Report) MarshalBody() ([]byte, error) {
	return json.MarshalIndent(r.Body, "", "  ")
}
