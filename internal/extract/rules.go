package extract

import (
	"fmt"
	"strings"

	"rtpfuzz/internal/protocol"
	"rtpfuzz/internal/reservoir"

	sitter "github.com/smacker/go-tree-sitter"
)

// Rule extracts one part of the model from a parsed source. Rules run in a
// fixed order and only write the fields they own.
type Rule interface {
	Name() string
	Apply(src *Source, m *protocol.Model)
}

// DefaultRules returns the standard rule chain for the given tables.
func DefaultRules(opts Options) []Rule {
	return []Rule{
		metadataRule{},
		moduleRule{aliases: opts.ModuleAliases},
		rtpRule{},
		zHeightRule{vars: opts.ZHeightVariables},
		labwareRule{table: opts.Reservoirs},
	}
}

func issuef(m *protocol.Model, n *sitter.Node, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if n != nil {
		p := n.StartPoint()
		msg = fmt.Sprintf("%d:%d: %s", p.Row+1, p.Column+1, msg)
	}
	m.Issues = append(m.Issues, msg)
}

// metadataRule reads the module-level metadata dict. requirements, when
// present, takes precedence for robotType and apiLevel.
type metadataRule struct{}

func (metadataRule) Name() string { return "metadata" }

func (metadataRule) Apply(src *Source, m *protocol.Model) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	node, ok := src.Assignment("metadata")
	switch {
	case !ok:
		issuef(m, nil, "metadata block not found")
	case node.Type() != "dictionary":
		issuef(m, node, "metadata is not a dict literal")
	default:
		readStringDict(src, m, node, nil)
	}

	if req, ok := src.Assignment("requirements"); ok {
		if req.Type() != "dictionary" {
			issuef(m, req, "requirements is not a dict literal")
			return
		}
		readStringDict(src, m, req, map[string]bool{"robotType": true, "apiLevel": true})
	}
}

func readStringDict(src *Source, m *protocol.Model, dict *sitter.Node, only map[string]bool) {
	keys, values := src.DictPairs(dict)
	for i, k := range keys {
		if only != nil && !only[k] {
			continue
		}
		v, ok := src.Literal(values[i])
		if !ok || v.IsNone() {
			issuef(m, values[i], "metadata %q is not a literal", k)
			continue
		}
		if v.IsString() {
			m.Metadata[k] = v.Str()
		} else {
			m.Metadata[k] = v.String()
		}
	}
}

// moduleRule collects hardware modules from load_module calls, plus labware
// that the alias table names as a module (e.g. the auto-sealing lid).
type moduleRule struct {
	aliases map[string]string
}

func (moduleRule) Name() string { return "modules" }

func (r moduleRule) Apply(src *Source, m *protocol.Model) {
	seen := make(map[string]bool)
	add := func(name string) {
		if canon, ok := r.aliases[name]; ok {
			name = canon
		}
		if !seen[name] {
			seen[name] = true
			m.Modules = append(m.Modules, name)
		}
	}
	for _, c := range src.Calls() {
		switch c.Method {
		case "load_module":
			n := c.Arg(0, "module_name")
			v, ok := src.Literal(n)
			if !ok || !v.IsString() {
				issuef(m, c.Node, "load_module name is not a string literal")
				continue
			}
			add(v.Str())
		case "load_labware", "load_lid_stack":
			v, ok := src.Literal(c.Arg(0, "load_name"))
			if !ok || !v.IsString() {
				continue
			}
			if _, isModule := r.aliases[v.Str()]; isModule {
				add(v.Str())
			}
		}
	}
	if m.Modules == nil {
		m.Modules = []string{}
	}
}

var paramMethods = map[string]protocol.Kind{
	"add_int":      protocol.KindInteger,
	"add_float":    protocol.KindFloat,
	"add_bool":     protocol.KindBoolean,
	"add_str":      protocol.KindChoice,
	"add_csv_file": protocol.KindFile,
}

// rtpRule reads parameter declarations made inside add_parameters.
type rtpRule struct{}

func (rtpRule) Name() string { return "rtp" }

func (rtpRule) Apply(src *Source, m *protocol.Model) {
	m.RTPSchema = []protocol.RTPDecl{}
	if _, ok := src.Function("add_parameters"); !ok {
		return
	}
	m.HasParameters = true

	seen := make(map[string]bool)
	for _, c := range src.Calls() {
		kind, ok := paramMethods[c.Method]
		if !ok || c.Scope != "add_parameters" {
			continue
		}
		nameVal, ok := src.Literal(c.Arg(0, "variable_name"))
		if !ok || !nameVal.IsString() || nameVal.Str() == "" {
			issuef(m, c.Node, "%s without a literal variable_name", c.Method)
			continue
		}
		name := nameVal.Str()
		if seen[name] {
			issuef(m, c.Node, "parameter %q declared more than once; later declaration ignored", name)
			continue
		}
		seen[name] = true
		m.RTPSchema = append(m.RTPSchema, readDecl(src, c, name, kind))
	}
}

func readDecl(src *Source, c Call, name string, kind protocol.Kind) protocol.RTPDecl {
	d := protocol.RTPDecl{
		Name:     name,
		Kind:     kind,
		Location: src.Locate(c.Node, c.Scope),
	}
	if c.ArgList != nil {
		d.ArgsEnd = c.ArgList.EndByte() - 1
		if last := lastArg(c.ArgList); last != nil {
			d.LastArgEnd = last.EndByte()
		}
	}
	if v, ok := src.Literal(c.Kwargs["display_name"]); ok && v.IsString() {
		d.DisplayName = v.Str()
	}

	value := func(kw string) *protocol.Value {
		n, present := c.Kwargs[kw]
		if !present {
			return nil
		}
		v, ok := src.Literal(n)
		if !ok {
			d.Issues = append(d.Issues, fmt.Sprintf("%s is not a literal: %s", kw, src.Text(n)))
			return nil
		}
		if v.IsNone() {
			return nil
		}
		nv, ok := normalize(v, kind)
		if !ok {
			d.Issues = append(d.Issues, fmt.Sprintf("%s %s does not match kind %s", kw, v, kind))
			return nil
		}
		return nv.Ptr()
	}

	d.Default = value("default")
	if n, ok := c.Kwargs["default"]; ok {
		d.DefaultSpan = protocol.Span{Start: n.StartByte(), End: n.EndByte()}
	}
	if d.Default == nil && !hasIssuePrefix(d.Issues, "default") {
		d.Issues = append(d.Issues, "no default declared")
	}

	if kind.IsNumeric() {
		d.Bounds.Min = value("minimum")
		d.Bounds.Max = value("maximum")
	}
	if n, ok := c.Kwargs["choices"]; ok {
		d.Bounds.Choices = readChoices(src, n, kind, &d)
	}

	deriveBounds(&d)
	return d
}

// readChoices accepts [{"display_name": ..., "value": ...}, ...] and plain
// literal lists.
func readChoices(src *Source, n *sitter.Node, kind protocol.Kind, d *protocol.RTPDecl) []protocol.Value {
	if n.Type() != "list" && n.Type() != "tuple" {
		d.Issues = append(d.Issues, "choices is not a list literal")
		return nil
	}
	var out []protocol.Value
	for _, el := range Elements(n) {
		valNode := el
		if el.Type() == "dictionary" {
			valNode = nil
			keys, values := src.DictPairs(el)
			for i, k := range keys {
				if k == "value" {
					valNode = values[i]
				}
			}
			if valNode == nil {
				d.Issues = append(d.Issues, "choice without a value key")
				continue
			}
		}
		v, ok := src.Literal(valNode)
		if !ok || v.IsNone() {
			d.Issues = append(d.Issues, fmt.Sprintf("choice is not a literal: %s", src.Text(valNode)))
			continue
		}
		nv, ok := normalize(v, kind)
		if !ok {
			d.Issues = append(d.Issues, fmt.Sprintf("choice %s does not match kind %s", v, kind))
			continue
		}
		dup := false
		for _, existing := range out {
			if existing.Equal(nv) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, nv)
		}
	}
	if len(out) == 0 {
		d.Issues = append(d.Issues, "choices is empty")
	}
	return out
}

// deriveBounds decides whether the declaration is bounded and checks its
// default against the bounds.
func deriveBounds(d *protocol.RTPDecl) {
	switch d.Kind {
	case protocol.KindBoolean:
		d.Unbounded = false
	case protocol.KindChoice:
		d.Unbounded = len(d.Bounds.Choices) == 0
	case protocol.KindInteger, protocol.KindFloat:
		switch {
		case len(d.Bounds.Choices) > 0:
			d.Unbounded = false
		case d.Bounds.HasRange():
			if d.Bounds.Min.Float() > d.Bounds.Max.Float() {
				d.Issues = append(d.Issues, fmt.Sprintf("minimum %s exceeds maximum %s", d.Bounds.Min, d.Bounds.Max))
				d.Unbounded = true
			}
		default:
			d.Unbounded = true
		}
	default:
		d.Unbounded = true
	}
	if d.Default != nil && !d.Unbounded && !d.Admits(*d.Default) {
		d.Issues = append(d.Issues, fmt.Sprintf("default %s is outside the declared bounds", d.Default))
	}
}

// normalize coerces v to the representation used for kind: integers widen
// to floats for float parameters, whole floats are rejected for integers.
func normalize(v protocol.Value, kind protocol.Kind) (protocol.Value, bool) {
	if kind == protocol.KindFloat && v.IsInt() {
		return protocol.Float(v.Float()), true
	}
	return v, v.Fits(kind)
}

func hasIssuePrefix(issues []string, prefix string) bool {
	for _, is := range issues {
		if strings.HasPrefix(is, prefix) {
			return true
		}
	}
	return false
}

// zHeightRule records offsets passed to well .bottom() and .top().
type zHeightRule struct {
	vars map[string]float64
}

func (zHeightRule) Name() string { return "zheight" }

func (r zHeightRule) Apply(src *Source, m *protocol.Model) {
	m.ZHeightRefs = []protocol.ZHeightRef{}
	for _, c := range src.Calls() {
		if c.Object == "" {
			continue
		}
		var call protocol.ZHeightCall
		switch c.Method {
		case "bottom":
			call = protocol.CallBottom
		case "top":
			call = protocol.CallTop
		default:
			continue
		}
		arg := c.Arg(0, "z")
		if arg == nil {
			anchor := c.Node
			if c.ArgList != nil {
				anchor = c.ArgList
			}
			m.ZHeightRefs = append(m.ZHeightRefs, protocol.ZHeightRef{
				Location: src.Locate(anchor, c.Scope),
				Call:     call,
				Expr:     "",
				Resolved: true,
				Implicit: true,
			})
			continue
		}
		v, ok := src.EvalNumber(arg, r.vars)
		m.ZHeightRefs = append(m.ZHeightRefs, protocol.ZHeightRef{
			Location: src.Locate(arg, c.Scope),
			Call:     call,
			Expr:     src.Text(arg),
			Value:    v,
			Resolved: ok,
		})
	}
}

// labwareRule records load_labware identifiers, first occurrence only.
type labwareRule struct {
	table *reservoir.Table
}

func (labwareRule) Name() string { return "labware" }

func (r labwareRule) Apply(src *Source, m *protocol.Model) {
	m.ReservoirRefs = []protocol.ReservoirRef{}
	seen := make(map[string]bool)
	for _, c := range src.Calls() {
		if c.Method != "load_labware" {
			continue
		}
		n := c.Arg(0, "load_name")
		v, ok := src.Literal(n)
		if !ok || !v.IsString() {
			issuef(m, c.Node, "load_labware name is not a string literal")
			continue
		}
		name := v.Str()
		if seen[name] {
			continue
		}
		seen[name] = true
		m.ReservoirRefs = append(m.ReservoirRefs, protocol.ReservoirRef{
			Labware:  name,
			Category: r.table.Classify(name),
			Location: src.Locate(n, c.Scope),
		})
	}
}
