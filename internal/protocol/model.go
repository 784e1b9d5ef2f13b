// Package protocol defines the in-memory model of one protocol source artifact:
// its declared metadata, hardware modules, run-time parameter (RTP) schema,
// z-height references and reservoir references.
//
// Models are produced by the extract package and are read-only afterwards.
package protocol

import (
	"fmt"
)

// Kind is the declared type of a run-time parameter.
type Kind string

const (
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindChoice  Kind = "string-choice"
	KindFile    Kind = "file" // csv file parameters; never bounded
)

// IsNumeric reports whether the kind carries numeric bounds.
func (k Kind) IsNumeric() bool {
	return k == KindInteger || k == KindFloat
}

// Location points at a span of the source for reporting and later editing.
type Location struct {
	Line      int    `json:"line" yaml:"line"`     // 1-based
	Column    int    `json:"column" yaml:"column"` // 1-based
	StartByte uint32 `json:"start_byte" yaml:"start_byte"`
	EndByte   uint32 `json:"end_byte" yaml:"end_byte"`
	Scope     string `json:"scope,omitempty" yaml:"scope,omitempty"` // enclosing function, empty at module level
}

func (l Location) String() string {
	if l.Scope != "" {
		return fmt.Sprintf("%d:%d (%s)", l.Line, l.Column, l.Scope)
	}
	return fmt.Sprintf("%d:%d", l.Line, l.Column)
}

// Bounds constrains the values an RTP may take. Numeric kinds use Min/Max,
// string-choice (and numeric declarations with an explicit choice list) use
// Choices. Booleans are implicitly bounded by {true, false}.
type Bounds struct {
	Min     *Value  `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *Value  `json:"max,omitempty" yaml:"max,omitempty"`
	Choices []Value `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// HasRange reports whether both numeric limits are present.
func (b Bounds) HasRange() bool {
	return b.Min != nil && b.Max != nil
}

// RTPDecl is one run-time parameter declaration.
type RTPDecl struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Bounds      Bounds `json:"bounds" yaml:"bounds"`
	Default     *Value `json:"default,omitempty" yaml:"default,omitempty"`

	// Unbounded is set when no bounds could be derived. Such parameters are
	// excluded from combination and always receive Default.
	Unbounded bool `json:"unbounded,omitempty" yaml:"unbounded,omitempty"`

	// Issues lists declaration problems that did not prevent extraction
	// (default outside bounds, min > max, non-literal values).
	Issues []string `json:"issues,omitempty" yaml:"issues,omitempty"`

	Location Location `json:"location" yaml:"location"`

	// DefaultSpan covers the default= value expression; zero when absent.
	DefaultSpan Span `json:"-" yaml:"-"`
	// ArgsEnd is the byte offset of the closing parenthesis of the call.
	ArgsEnd uint32 `json:"-" yaml:"-"`
	// LastArgEnd is the end offset of the last argument, comments excluded;
	// zero for an empty argument list.
	LastArgEnd uint32 `json:"-" yaml:"-"`
}

// Span is a half-open byte range in the source.
type Span struct {
	Start uint32
	End   uint32
}

// IsZero reports whether the span is unset.
func (s Span) IsZero() bool { return s.Start == 0 && s.End == 0 }

// Admits reports whether v satisfies the declaration's kind and bounds.
// Unbounded declarations admit any value of their kind.
func (d RTPDecl) Admits(v Value) bool {
	if !v.fits(d.Kind) {
		return false
	}
	if d.Unbounded {
		return true
	}
	switch {
	case len(d.Bounds.Choices) > 0:
		for _, c := range d.Bounds.Choices {
			if c.Equal(v) {
				return true
			}
		}
		return false
	case d.Kind == KindBoolean:
		return true
	case d.Kind.IsNumeric() && d.Bounds.HasRange():
		f := v.Float()
		return f >= d.Bounds.Min.Float() && f <= d.Bounds.Max.Float()
	}
	return false
}

// ZHeightCall names the well-position helper a z-height was passed to.
type ZHeightCall string

const (
	CallBottom ZHeightCall = "bottom"
	CallTop    ZHeightCall = "top"
)

// ZHeightRef is a vertical offset passed to a well position helper.
type ZHeightRef struct {
	Location Location    `json:"location" yaml:"location"`
	Call     ZHeightCall `json:"call" yaml:"call"`
	Expr     string      `json:"expr" yaml:"expr"`
	Value    float64     `json:"value" yaml:"value"`
	// Resolved is false when Expr could not be reduced to a number.
	Resolved bool `json:"resolved" yaml:"resolved"`
	// Implicit marks a call with no argument (offset 0).
	Implicit bool `json:"implicit,omitempty" yaml:"implicit,omitempty"`
	// Flagged is set by the auditor on its own copy when Value falls
	// outside the acceptable range. Extracted models never set it.
	Flagged bool `json:"flagged,omitempty" yaml:"flagged,omitempty"`
}

// ReservoirRef is one loaded labware identifier.
type ReservoirRef struct {
	Labware  string   `json:"labware" yaml:"labware"`
	Category string   `json:"category,omitempty" yaml:"category,omitempty"` // empty when unrecognized
	Location Location `json:"location" yaml:"location"`
}

// Recognized reports whether a category was inferred.
func (r ReservoirRef) Recognized() bool { return r.Category != "" }

// Model is the extracted view of one protocol source.
type Model struct {
	Identity      string            `json:"identity" yaml:"identity"`
	Metadata      map[string]string `json:"metadata" yaml:"metadata"`
	Modules       []string          `json:"modules" yaml:"modules"`
	RTPSchema     []RTPDecl         `json:"rtp_schema" yaml:"rtp_schema"`
	ZHeightRefs   []ZHeightRef      `json:"z_height_refs" yaml:"z_height_refs"`
	ReservoirRefs []ReservoirRef    `json:"reservoir_refs" yaml:"reservoir_refs"`

	// Malformed is set when the source could not be fully parsed.
	Malformed bool `json:"malformed,omitempty" yaml:"malformed,omitempty"`
	// Issues are model-level extraction problems in source order.
	Issues []string `json:"issues,omitempty" yaml:"issues,omitempty"`

	// HasParameters is false when no add_parameters function was found.
	HasParameters bool `json:"has_parameters" yaml:"has_parameters"`

	Source []byte `json:"-" yaml:"-"`
}

// Param returns the declaration with the given name.
func (m *Model) Param(name string) (RTPDecl, bool) {
	for _, d := range m.RTPSchema {
		if d.Name == name {
			return d, true
		}
	}
	return RTPDecl{}, false
}

// MetadataValue returns a metadata key and whether it was declared.
func (m *Model) MetadataValue(key string) (string, bool) {
	v, ok := m.Metadata[key]
	return v, ok
}
