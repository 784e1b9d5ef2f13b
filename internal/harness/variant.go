package harness

import (
	"fmt"
	"sort"

	"rtpfuzz/internal/protocol"
)

type edit struct {
	start, end uint32
	text       string
}

// Materialize returns the protocol source with every declared parameter's
// default replaced by the value the assignment binds. Declarations without a
// default= keyword get one appended to their argument list. Parameters bound
// to None are left as declared.
func Materialize(m *protocol.Model, a protocol.Assignment) ([]byte, error) {
	src := m.Source
	var edits []edit
	for _, d := range m.RTPSchema {
		v, ok := a.Get(d.Name)
		if !ok {
			return nil, fmt.Errorf("assignment does not bind parameter %q", d.Name)
		}
		if v.IsNone() {
			continue
		}
		if !d.Unbounded && !d.Admits(v) {
			return nil, fmt.Errorf("value %s is outside the bounds of %q", v, d.Name)
		}
		lit := v.Python()

		if !d.DefaultSpan.IsZero() {
			if int(d.DefaultSpan.End) > len(src) || d.DefaultSpan.Start > d.DefaultSpan.End {
				return nil, fmt.Errorf("default span of %q is outside the source", d.Name)
			}
			edits = append(edits, edit{d.DefaultSpan.Start, d.DefaultSpan.End, lit})
			continue
		}
		if d.ArgsEnd == 0 || int(d.ArgsEnd) >= len(src) || src[d.ArgsEnd] != ')' || d.LastArgEnd > d.ArgsEnd {
			return nil, fmt.Errorf("cannot locate the argument list of %q", d.Name)
		}
		at, text := insertion(d, lit)
		edits = append(edits, edit{at, at, text})
	}

	// apply back to front so earlier offsets stay valid
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	out := append([]byte(nil), src...)
	for _, e := range edits {
		tail := append([]byte(e.text), out[e.end:]...)
		out = append(out[:e.start], tail...)
	}
	return out, nil
}

// insertion places the default= keyword directly after the last argument, so
// trailing commas and comments before the closing parenthesis stay valid.
// An empty argument list gets it before the parenthesis.
func insertion(d protocol.RTPDecl, lit string) (uint32, string) {
	if d.LastArgEnd == 0 {
		return d.ArgsEnd, "default=" + lit
	}
	return d.LastArgEnd, ", default=" + lit
}
