package generate

import (
	"rtpfuzz/internal/protocol"
)

// Candidates returns the values a bounded declaration is exercised with, in
// order: min, max and one interior value for numeric ranges, every choice for
// choice lists, true and false for booleans. Duplicates are dropped.
// Unbounded declarations have no candidates.
func Candidates(d protocol.RTPDecl) []protocol.Value {
	if d.Unbounded {
		return nil
	}
	switch {
	case len(d.Bounds.Choices) > 0:
		return dedupe(d.Bounds.Choices)
	case d.Kind == protocol.KindBoolean:
		return []protocol.Value{protocol.Bool(true), protocol.Bool(false)}
	case d.Kind.IsNumeric() && d.Bounds.HasRange():
		out := []protocol.Value{*d.Bounds.Min, *d.Bounds.Max}
		if v, ok := interior(d); ok {
			out = append(out, v)
		}
		return dedupe(out)
	}
	return nil
}

// interior picks the declared default when it lies strictly inside the range,
// otherwise the midpoint when that does. Integer midpoints round down.
func interior(d protocol.RTPDecl) (protocol.Value, bool) {
	lo, hi := *d.Bounds.Min, *d.Bounds.Max
	inside := func(v protocol.Value) bool {
		return v.Float() > lo.Float() && v.Float() < hi.Float()
	}
	if d.Default != nil && d.Default.IsNumeric() && inside(*d.Default) {
		return *d.Default, true
	}

	var mid protocol.Value
	if d.Kind == protocol.KindInteger {
		a, b := lo.Int(), hi.Int()
		mid = protocol.Int(a + (b-a)/2)
	} else {
		mid = protocol.Float(lo.Float() + (hi.Float()-lo.Float())/2)
	}
	if inside(mid) {
		return mid, true
	}
	return protocol.Value{}, false
}

func dedupe(vals []protocol.Value) []protocol.Value {
	out := make([]protocol.Value, 0, len(vals))
	for _, v := range vals {
		dup := false
		for _, seen := range out {
			if seen.Equal(v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
