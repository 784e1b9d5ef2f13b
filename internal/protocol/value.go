package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type valueType uint8

const (
	typeNone valueType = iota
	typeInt
	typeFloat
	typeBool
	typeString
)

// Value is a concrete parameter value. The zero Value is None.
type Value struct {
	t valueType
	i int64
	f float64
	b bool
	s string
}

func Int(i int64) Value     { return Value{t: typeInt, i: i} }
func Float(f float64) Value { return Value{t: typeFloat, f: f} }
func Bool(b bool) Value     { return Value{t: typeBool, b: b} }
func String(s string) Value { return Value{t: typeString, s: s} }

func (v Value) IsNone() bool    { return v.t == typeNone }
func (v Value) IsInt() bool     { return v.t == typeInt }
func (v Value) IsFloat() bool   { return v.t == typeFloat }
func (v Value) IsNumeric() bool { return v.t == typeInt || v.t == typeFloat }
func (v Value) IsBool() bool    { return v.t == typeBool }
func (v Value) IsString() bool  { return v.t == typeString }

// Int returns the integer payload (floats are truncated).
func (v Value) Int() int64 {
	if v.t == typeFloat {
		return int64(v.f)
	}
	return v.i
}

// Float returns the numeric payload as float64.
func (v Value) Float() float64 {
	if v.t == typeInt {
		return float64(v.i)
	}
	return v.f
}

func (v Value) Bool() bool  { return v.b }
func (v Value) Str() string { return v.s }

// Ptr returns a pointer to a copy of v.
func (v Value) Ptr() *Value { return &v }

// fits reports whether the value's type is acceptable for kind.
func (v Value) fits(k Kind) bool {
	switch k {
	case KindInteger:
		return v.t == typeInt
	case KindFloat:
		return v.IsNumeric()
	case KindBoolean:
		return v.t == typeBool
	case KindChoice, KindFile:
		return v.t == typeString
	}
	return false
}

// Fits reports whether the value's type is acceptable for kind, ignoring bounds.
func (v Value) Fits(k Kind) bool { return v.fits(k) }

// Equal compares values; numeric values compare by magnitude.
func (v Value) Equal(o Value) bool {
	if v.IsNumeric() && o.IsNumeric() {
		return v.Float() == o.Float()
	}
	if v.t != o.t {
		return false
	}
	switch v.t {
	case typeBool:
		return v.b == o.b
	case typeString:
		return v.s == o.s
	}
	return true
}

// Interface returns the natural Go representation (nil, int64, float64, bool, string).
func (v Value) Interface() interface{} {
	switch v.t {
	case typeInt:
		return v.i
	case typeFloat:
		return v.f
	case typeBool:
		return v.b
	case typeString:
		return v.s
	}
	return nil
}

func (v Value) String() string {
	switch v.t {
	case typeInt:
		return strconv.FormatInt(v.i, 10)
	case typeFloat:
		return formatFloat(v.f)
	case typeBool:
		return strconv.FormatBool(v.b)
	case typeString:
		return strconv.Quote(v.s)
	}
	return "none"
}

// Python renders the value as a Python literal.
func (v Value) Python() string {
	switch v.t {
	case typeInt:
		return strconv.FormatInt(v.i, 10)
	case typeFloat:
		return formatFloat(v.f)
	case typeBool:
		if v.b {
			return "True"
		}
		return "False"
	case typeString:
		// Go escapes are a subset of Python's.
		return strconv.Quote(v.s)
	}
	return "None"
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// MarshalJSON writes the natural JSON scalar; floats always carry a decimal point.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.t {
	case typeFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return nil, fmt.Errorf("cannot encode %v as JSON", v.f)
		}
		return []byte(formatFloat(v.f)), nil
	case typeNone:
		return []byte("null"), nil
	}
	return json.Marshal(v.Interface())
}

// UnmarshalJSON reads a JSON scalar. Numbers without a fraction or exponent
// decode as integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Value{}
	case bool:
		*v = Bool(x)
	case string:
		*v = String(x)
	case json.Number:
		return v.setNumber(string(x))
	default:
		return fmt.Errorf("unsupported parameter value %s", string(data))
	}
	return nil
}

func (v *Value) setNumber(s string) error {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			*v = Int(i)
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*v = Float(f)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: parameter value must be a scalar", node.Line)
	}
	switch node.Tag {
	case "!!null":
		*v = Value{}
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return err
		}
		*v = Int(i)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = Float(f)
	default:
		*v = String(node.Value)
	}
	return nil
}

// Binding assigns one value to one parameter.
type Binding struct {
	Name  string `json:"name" yaml:"name"`
	Value Value  `json:"value" yaml:"value"`
}

// Assignment binds every parameter of a schema, in declaration order.
type Assignment []Binding

// Get returns the value bound to name.
func (a Assignment) Get(name string) (Value, bool) {
	for _, b := range a {
		if b.Name == name {
			return b.Value, true
		}
	}
	return Value{}, false
}

func (a Assignment) String() string {
	parts := make([]string, len(a))
	for i, b := range a {
		parts[i] = b.Name + "=" + b.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Covers reports whether the assignment binds every parameter in schema with
// an admissible value. Unbounded parameters may be bound to None.
func (a Assignment) Covers(schema []RTPDecl) bool {
	if len(a) != len(schema) {
		return false
	}
	for _, d := range schema {
		v, ok := a.Get(d.Name)
		if !ok {
			return false
		}
		if d.Unbounded && v.IsNone() {
			continue
		}
		if !d.Admits(v) {
			return false
		}
	}
	return true
}
