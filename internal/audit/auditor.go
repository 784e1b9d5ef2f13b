// Package audit turns extracted protocol models into per-protocol findings
// and a batch summary.
package audit

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rtpfuzz/internal/config"
	"rtpfuzz/internal/logging"
	"rtpfuzz/internal/metrics"
	"rtpfuzz/internal/protocol"
	"rtpfuzz/internal/reservoir"

	"github.com/google/uuid"
)

// Auditor checks models against the configured thresholds and tables.
type Auditor struct {
	cfg     config.AuditConfig
	table   *reservoir.Table
	metrics *metrics.Collector

	now   func() time.Time
	newID func() string
}

// New builds an Auditor. A reservoir table that does not compile or an
// inverted range is a configuration error.
func New(cfg config.AuditConfig) (*Auditor, error) {
	table, err := cfg.ReservoirTable()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
	}
	for _, call := range []protocol.ZHeightCall{protocol.CallBottom, protocol.CallTop} {
		if r := cfg.RangeFor(string(call)); r.Min > r.Max {
			return nil, fmt.Errorf("%w: %s z-height range min %g exceeds max %g", protocol.ErrConfiguration, call, r.Min, r.Max)
		}
	}
	return &Auditor{
		cfg:   cfg,
		table: table,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// WithMetrics attaches a collector; nil disables metrics.
func (a *Auditor) WithMetrics(c *metrics.Collector) *Auditor {
	a.metrics = c
	return a
}

// Audit reports on a batch. Protocols are ordered by identity. Two models
// sharing an identity fail the whole batch with ErrDuplicateIdentity before
// any protocol is examined.
func (a *Auditor) Audit(models []*protocol.Model) (*Report, error) {
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if seen[m.Identity] {
			return nil, fmt.Errorf("%w: %s", protocol.ErrDuplicateIdentity, m.Identity)
		}
		seen[m.Identity] = true
	}

	sorted := append([]*protocol.Model(nil), models...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identity < sorted[j].Identity })

	body := Body{Protocols: make([]ProtocolReport, 0, len(sorted))}
	for _, m := range sorted {
		body.Protocols = append(body.Protocols, a.AuditModel(m))
	}
	body.Summary = summarize(body.Protocols)

	a.metrics.FindingsReported(body.Summary.FindingsByKind)
	logging.Audit("audited %d protocols: %d with flagged z-heights, %d with unrecognized reservoirs, %d with unbounded parameters",
		body.Summary.Protocols, body.Summary.WithFlaggedZHeights,
		body.Summary.WithUnrecognizedReservoirs, body.Summary.WithUnboundedParameters)

	return &Report{
		RunID:       a.newID(),
		GeneratedAt: a.now().UTC(),
		Body:        body,
	}, nil
}

// AuditModel builds the finding set for one model. Protocol-level findings
// come first, then parameters, z-heights and reservoirs in source order.
// The model is not modified.
func (a *Auditor) AuditModel(m *protocol.Model) ProtocolReport {
	pr := ProtocolReport{
		Identity:      m.Identity,
		Metadata:      copyMetadata(m.Metadata),
		Modules:       append([]string{}, m.Modules...),
		Parameters:    make([]string, 0, len(m.RTPSchema)),
		ZHeightRefs:   make([]protocol.ZHeightRef, 0, len(m.ZHeightRefs)),
		ReservoirRefs: make([]protocol.ReservoirRef, 0, len(m.ReservoirRefs)),
		Findings:      []Finding{},
	}
	add := func(f Finding) { pr.Findings = append(pr.Findings, f) }

	if m.Malformed {
		add(Finding{
			Kind:     KindMalformed,
			Severity: SeverityError,
			Message:  "source could not be fully parsed: " + strings.Join(m.Issues, "; "),
		})
	}
	for _, key := range a.cfg.RequiredMetadata {
		if _, ok := m.MetadataValue(key); !ok {
			add(Finding{
				Kind:     KindMissingMetadata,
				Severity: SeverityWarning,
				Subject:  key,
				Message:  fmt.Sprintf("metadata %q is not declared", key),
			})
		}
	}
	if name, ok := m.MetadataValue("protocolName"); ok {
		stem := strings.TrimSuffix(filepath.Base(m.Identity), filepath.Ext(m.Identity))
		if name != stem {
			add(Finding{
				Kind:     KindNameMismatch,
				Severity: SeverityInfo,
				Subject:  name,
				Message:  fmt.Sprintf("protocolName %q does not match file name %q", name, stem),
			})
		}
	}

	for _, d := range m.RTPSchema {
		pr.Parameters = append(pr.Parameters, d.Name)
		loc := d.Location
		if d.Unbounded {
			add(Finding{
				Kind:     KindUnboundedParameter,
				Severity: SeverityWarning,
				Subject:  d.Name,
				Location: &loc,
				Message:  (&protocol.UnboundedError{Param: d.Name, Kind: d.Kind}).Error() + "; it will be held at its default",
			})
		}
		for _, issue := range d.Issues {
			add(Finding{
				Kind:     KindInvalidParameter,
				Severity: SeverityWarning,
				Subject:  d.Name,
				Location: &loc,
				Message:  issue,
			})
		}
	}

	for _, ref := range m.ZHeightRefs {
		ref.Flagged = false
		loc := ref.Location
		if !ref.Resolved {
			add(Finding{
				Kind:     KindZHeightUnresolved,
				Severity: SeverityInfo,
				Subject:  ref.Expr,
				Location: &loc,
				Message:  fmt.Sprintf(".%s(%s) could not be evaluated statically", ref.Call, ref.Expr),
			})
			pr.ZHeightRefs = append(pr.ZHeightRefs, ref)
			continue
		}
		r := a.cfg.RangeFor(string(ref.Call))
		if !r.Contains(ref.Value) {
			ref.Flagged = true
			value, suggested := ref.Value, r.Clamp(ref.Value)
			add(Finding{
				Kind:      KindZHeightOutOfRange,
				Severity:  SeverityError,
				Subject:   zSubject(ref),
				Location:  &loc,
				Message:   fmt.Sprintf(".%s z-height %g is outside [%g, %g]", ref.Call, ref.Value, r.Min, r.Max),
				Value:     &value,
				Suggested: &suggested,
			})
		}
		pr.ZHeightRefs = append(pr.ZHeightRefs, ref)
	}

	for _, ref := range m.ReservoirRefs {
		ref.Category = a.table.Classify(ref.Labware)
		loc := ref.Location
		switch {
		case !ref.Recognized():
			add(Finding{
				Kind:     KindUnrecognized,
				Severity: SeverityWarning,
				Subject:  ref.Labware,
				Location: &loc,
				Message:  fmt.Sprintf("unrecognized reservoir type %q", ref.Labware),
			})
		case reservoir.IsLegacy(ref.Category):
			add(Finding{
				Kind:     KindLegacyReservoir,
				Severity: SeverityInfo,
				Subject:  ref.Labware,
				Location: &loc,
				Message:  fmt.Sprintf("%q is %s labware", ref.Labware, ref.Category),
			})
		}
		pr.ReservoirRefs = append(pr.ReservoirRefs, ref)
	}

	logging.AuditDebug("%s: %d findings", m.Identity, len(pr.Findings))
	return pr
}

func zSubject(ref protocol.ZHeightRef) string {
	if ref.Implicit {
		return "." + string(ref.Call) + "()"
	}
	return ref.Expr
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func summarize(reports []ProtocolReport) Summary {
	s := Summary{
		Protocols:      len(reports),
		FindingsByKind: map[string]int{},
		ModuleUsage:    map[string]int{},
		ReservoirUsage: map[string]int{},
		CategoryUsage:  map[string]int{},
		Identities:     make([]string, 0, len(reports)),
	}
	for _, pr := range reports {
		s.Identities = append(s.Identities, pr.Identity)
		for _, f := range pr.Findings {
			s.FindingsByKind[string(f.Kind)]++
		}
		if pr.Count(KindMalformed) > 0 {
			s.Malformed++
		}
		if pr.Count(KindZHeightOutOfRange) > 0 {
			s.WithFlaggedZHeights++
		}
		if pr.Count(KindUnrecognized) > 0 {
			s.WithUnrecognizedReservoirs++
		}
		if pr.Count(KindUnboundedParameter) > 0 {
			s.WithUnboundedParameters++
		}
		if pr.Count(KindMissingMetadata) > 0 {
			s.WithMissingMetadata++
		}
		for _, mod := range pr.Modules {
			s.ModuleUsage[mod]++
		}
		categories := make(map[string]bool)
		for _, ref := range pr.ReservoirRefs {
			s.ReservoirUsage[ref.Labware]++
			if ref.Category != "" && !categories[ref.Category] {
				categories[ref.Category] = true
				s.CategoryUsage[ref.Category]++
			}
		}
	}
	return s
}
