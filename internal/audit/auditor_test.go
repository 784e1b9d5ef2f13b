package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/extract"
	"rtpfuzz/internal/metrics"
	"rtpfuzz/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditor(t *testing.T, cfg config.AuditConfig) *Auditor {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	a.newID = func() string { return "run-1" }
	return a
}

func extractModel(t *testing.T, identity, src string) *protocol.Model {
	t.Helper()
	opts, err := extract.OptionsFromConfig(config.DefaultConfig())
	require.NoError(t, err)
	m, err := extract.New(opts).Extract(context.Background(), identity, []byte(src))
	require.NoError(t, err)
	return m
}

func findings(pr ProtocolReport, k Kind) []Finding {
	var out []Finding
	for _, f := range pr.Findings {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

func TestZHeightOutOfRangeScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtpfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audit:\n  zheight_acceptable_range: {min: -5.0, max: 5.0}\n"), 0644))
	loaded, err := config.Load(path)
	require.NoError(t, err)
	cfg := loaded.Audit

	m := extractModel(t, "deep.py", `
metadata = {"protocolName": "deep", "author": "lab", "apiLevel": "2.20"}

def run(protocol):
    plate = protocol.load_labware("opentrons_96_wellplate_200ul_pcr_full_skirt", "B2")
    pip = protocol.load_instrument("flex_1channel_1000", "left")
    pip.aspirate(10, plate["A1"].bottom(z=1))
    pip.dispense(10, plate["A1"].bottom(12.0))
    pip.blow_out(plate["A1"].top(-2))
    pip.touch_tip(plate["A1"].top(12.0))
`)
	report, err := newAuditor(t, cfg).Audit([]*protocol.Model{m})
	require.NoError(t, err)
	require.Len(t, report.Body.Protocols, 1)
	pr := report.Body.Protocols[0]

	flagged := findings(pr, KindZHeightOutOfRange)
	require.Len(t, flagged, 2)
	require.NotNil(t, flagged[0].Value)
	assert.Equal(t, 12.0, *flagged[0].Value)
	assert.Equal(t, 5.0, *flagged[0].Suggested)
	assert.Equal(t, "12.0", flagged[0].Subject)
	assert.Equal(t, 12.0, *flagged[1].Value)
	assert.Equal(t, 5.0, *flagged[1].Suggested)

	require.Len(t, pr.ZHeightRefs, 4)
	assert.False(t, pr.ZHeightRefs[0].Flagged)
	assert.True(t, pr.ZHeightRefs[1].Flagged)
	assert.False(t, pr.ZHeightRefs[2].Flagged)
	assert.True(t, pr.ZHeightRefs[3].Flagged)
	assert.False(t, m.ZHeightRefs[1].Flagged, "the model is left untouched")

	assert.Equal(t, 1, report.Body.Summary.WithFlaggedZHeights)
	assert.Empty(t, findings(pr, KindNameMismatch))
}

func TestUnrecognizedReservoirScenario(t *testing.T) {
	m := &protocol.Model{
		Identity: "racks.py",
		Metadata: map[string]string{"protocolName": "racks", "author": "lab", "apiLevel": "2.20"},
		ReservoirRefs: []protocol.ReservoirRef{
			{Labware: "tube_rack_custom_9000", Location: protocol.Location{Line: 7, Column: 5}},
			{Labware: "opentrons_tough_12_reservoir_22ml"},
		},
	}
	report, err := newAuditor(t, config.DefaultAuditConfig()).Audit([]*protocol.Model{m})
	require.NoError(t, err)
	pr := report.Body.Protocols[0]

	unrec := findings(pr, KindUnrecognized)
	require.Len(t, unrec, 1)
	assert.Equal(t, "tube_rack_custom_9000", unrec[0].Subject)
	assert.Contains(t, unrec[0].Message, "unrecognized reservoir type")
	assert.Equal(t, 7, unrec[0].Location.Line)

	assert.Equal(t, "reservoir", pr.ReservoirRefs[1].Category)
	assert.Equal(t, 1, report.Body.Summary.WithUnrecognizedReservoirs)
	assert.Equal(t, 1, report.Body.Summary.CategoryUsage["reservoir"])
}

func TestProtocolLevelFindings(t *testing.T) {
	m := &protocol.Model{
		Identity:  "Prep_v2.py",
		Metadata:  map[string]string{"protocolName": "Prep v2"},
		Malformed: true,
		Issues:    []string{"syntax error at 3:1"},
	}
	pr := newAuditor(t, config.DefaultAuditConfig()).AuditModel(m)

	var kinds []Kind
	for _, f := range pr.Findings {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []Kind{KindMalformed, KindMissingMetadata, KindMissingMetadata, KindNameMismatch}, kinds)
	assert.Equal(t, "author", pr.Findings[1].Subject)
	assert.Equal(t, "apiLevel", pr.Findings[2].Subject)
	assert.Contains(t, pr.Findings[0].Message, "syntax error at 3:1")
}

func TestParameterFindingsFollowSchemaOrder(t *testing.T) {
	m := &protocol.Model{
		Identity: "p.py",
		Metadata: map[string]string{"protocolName": "p", "author": "a", "apiLevel": "2.20"},
		RTPSchema: []protocol.RTPDecl{
			{Name: "first", Kind: protocol.KindInteger, Unbounded: true, Issues: []string{"no default declared"}},
			{Name: "second", Kind: protocol.KindChoice, Issues: []string{"default \"x\" is outside the declared bounds"}},
			{Name: "third", Kind: protocol.KindFile, Unbounded: true},
		},
	}
	pr := newAuditor(t, config.DefaultAuditConfig()).AuditModel(m)

	type entry struct {
		kind    Kind
		subject string
	}
	var got []entry
	for _, f := range pr.Findings {
		got = append(got, entry{f.Kind, f.Subject})
	}
	assert.Equal(t, []entry{
		{KindUnboundedParameter, "first"},
		{KindInvalidParameter, "first"},
		{KindInvalidParameter, "second"},
		{KindUnboundedParameter, "third"},
	}, got)
	assert.Equal(t, []string{"first", "second", "third"}, pr.Parameters)
}

func TestTopUsesItsOwnRange(t *testing.T) {
	m := &protocol.Model{
		Identity: "t.py",
		Metadata: map[string]string{"protocolName": "t", "author": "a", "apiLevel": "2.20"},
		ZHeightRefs: []protocol.ZHeightRef{
			{Call: protocol.CallTop, Expr: "-5", Value: -5, Resolved: true},
			{Call: protocol.CallTop, Expr: "-8", Value: -8, Resolved: true},
			{Call: protocol.CallBottom, Expr: "0.2", Value: 0.2, Resolved: true},
			{Call: protocol.CallBottom, Implicit: true, Resolved: true},
			{Call: protocol.CallBottom, Expr: "depth", Resolved: false},
		},
	}
	pr := newAuditor(t, config.DefaultAuditConfig()).AuditModel(m)

	flagged := findings(pr, KindZHeightOutOfRange)
	require.Len(t, flagged, 3)
	assert.Equal(t, "-8", flagged[0].Subject)
	assert.Equal(t, -7.0, *flagged[0].Suggested)
	assert.Equal(t, "0.2", flagged[1].Subject)
	assert.Equal(t, 0.5, *flagged[1].Suggested)
	assert.Equal(t, ".bottom()", flagged[2].Subject)

	assert.Len(t, findings(pr, KindZHeightUnresolved), 1)
	assert.False(t, pr.ZHeightRefs[4].Flagged)
}

func TestLegacyReservoirs(t *testing.T) {
	m := &protocol.Model{
		Identity:      "l.py",
		Metadata:      map[string]string{"protocolName": "l", "author": "a", "apiLevel": "2.20"},
		ReservoirRefs: []protocol.ReservoirRef{{Labware: "nest_12_reservoir_15ml"}},
	}
	pr := newAuditor(t, config.DefaultAuditConfig()).AuditModel(m)
	legacy := findings(pr, KindLegacyReservoir)
	require.Len(t, legacy, 1)
	assert.Equal(t, SeverityInfo, legacy[0].Severity)
	assert.Equal(t, "legacy_reservoir", pr.ReservoirRefs[0].Category)
}

func TestBatchOrderingAndSummary(t *testing.T) {
	mk := func(id string, modules []string, labware ...string) *protocol.Model {
		m := &protocol.Model{
			Identity: id,
			Metadata: map[string]string{"author": "a", "apiLevel": "2.20"},
			Modules:  modules,
		}
		for _, l := range labware {
			m.ReservoirRefs = append(m.ReservoirRefs, protocol.ReservoirRef{Labware: l})
		}
		return m
	}
	models := []*protocol.Model{
		mk("c.py", []string{"Magnetic Block V1"}, "nest_12_reservoir_15ml"),
		mk("a.py", []string{"Magnetic Block V1", "Temperature Module GEN 2"}, "nest_12_reservoir_15ml", "nest_1_reservoir_195ml"),
		mk("b.py", nil),
	}
	report, err := newAuditor(t, config.DefaultAuditConfig()).Audit(models)
	require.NoError(t, err)

	s := report.Body.Summary
	assert.Equal(t, []string{"a.py", "b.py", "c.py"}, s.Identities)
	assert.Equal(t, "a.py", report.Body.Protocols[0].Identity)
	assert.Equal(t, 3, s.Protocols)
	assert.Equal(t, 3, s.WithMissingMetadata)
	assert.Equal(t, map[string]int{"Magnetic Block V1": 2, "Temperature Module GEN 2": 1}, s.ModuleUsage)
	assert.Equal(t, map[string]int{"nest_12_reservoir_15ml": 2, "nest_1_reservoir_195ml": 1}, s.ReservoirUsage)
	assert.Equal(t, map[string]int{"legacy_reservoir": 2}, s.CategoryUsage, "categories count once per protocol")
	assert.Equal(t, 3, s.FindingsByKind[string(KindLegacyReservoir)])
	assert.Equal(t, "run-1", report.RunID)
}

func TestDuplicateIdentity(t *testing.T) {
	models := []*protocol.Model{{Identity: "x.py"}, {Identity: "x.py"}}
	_, err := newAuditor(t, config.DefaultAuditConfig()).Audit(models)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDuplicateIdentity))
}

func TestBodyIsDeterministic(t *testing.T) {
	src := `
metadata = {"protocolName": "det", "author": "lab", "apiLevel": "2.20"}

def add_parameters(p):
    p.add_int(variable_name="n", display_name="N", default=3, minimum=1, maximum=8)
    p.add_str(variable_name="free", display_name="Free", default="x")

def run(protocol):
    tc = protocol.load_module("thermocyclerModuleV2")
    res = protocol.load_labware("nest_12_reservoir_15ml", "D2")
    odd = protocol.load_labware("tube_rack_custom_9000", "D3")
    pip = protocol.load_instrument("flex_1channel_1000", "left")
    pip.aspirate(10, res["A1"].bottom(0.1))
`
	run := func() []byte {
		a, err := New(config.DefaultAuditConfig())
		require.NoError(t, err)
		report, err := a.Audit([]*protocol.Model{
			extractModel(t, "det.py", src),
			extractModel(t, "other.py", src),
		})
		require.NoError(t, err)
		b, err := report.MarshalBody()
		require.NoError(t, err)
		return b
	}
	first, second := run(), run()
	assert.Equal(t, string(first), string(second))
	assert.Contains(t, string(first), `"zheight_out_of_range"`)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	empty := config.DefaultAuditConfig()
	empty.ReservoirPatterns = nil
	_, err := New(empty)
	assert.True(t, errors.Is(err, protocol.ErrConfiguration))

	inverted := config.DefaultAuditConfig()
	inverted.ZHeightRange = config.Range{Min: 5, Max: -5}
	_, err = New(inverted)
	assert.True(t, errors.Is(err, protocol.ErrConfiguration))
}

func TestAuditRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	m := &protocol.Model{Identity: "m.py", Metadata: map[string]string{}}
	_, err = newAuditor(t, config.DefaultAuditConfig()).WithMetrics(c).Audit([]*protocol.Model{m})
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.AuditFindings.WithLabelValues(string(KindMissingMetadata))))
}
