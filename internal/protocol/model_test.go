package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmits(t *testing.T) {
	volume := RTPDecl{Name: "volume", Kind: KindFloat, Bounds: Bounds{Min: Float(10).Ptr(), Max: Float(200).Ptr()}}
	tests := []struct {
		name string
		decl RTPDecl
		v    Value
		want bool
	}{
		{"float at min", volume, Float(10), true},
		{"int for float", volume, Int(200), true},
		{"above max", volume, Float(200.5), false},
		{"wrong kind", volume, String("10"), false},
		{"choice member", RTPDecl{Kind: KindInteger, Bounds: Bounds{Choices: []Value{Int(1), Int(8)}}}, Int(8), true},
		{"choice non-member", RTPDecl{Kind: KindInteger, Bounds: Bounds{Choices: []Value{Int(1), Int(8)}}}, Int(2), false},
		{"boolean", RTPDecl{Kind: KindBoolean}, Bool(false), true},
		{"no bounds", RTPDecl{Kind: KindInteger}, Int(1), false},
		{"unbounded", RTPDecl{Kind: KindInteger, Unbounded: true}, Int(1 << 40), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.decl.Admits(tt.v))
		})
	}
}

func TestModelLookups(t *testing.T) {
	m := &Model{
		Metadata:  map[string]string{"protocolName": "PCR"},
		RTPSchema: []RTPDecl{{Name: "n"}, {Name: "m"}},
	}
	d, ok := m.Param("m")
	assert.True(t, ok)
	assert.Equal(t, "m", d.Name)
	_, ok = m.Param("x")
	assert.False(t, ok)

	name, ok := m.MetadataValue("protocolName")
	assert.True(t, ok)
	assert.Equal(t, "PCR", name)
	_, ok = m.MetadataValue("author")
	assert.False(t, ok)
}

func TestLocationString(t *testing.T) {
	assert.Equal(t, "4:9", Location{Line: 4, Column: 9}.String())
	assert.Equal(t, "12:5 (run)", Location{Line: 12, Column: 5, Scope: "run"}.String())
}

func TestErrors(t *testing.T) {
	var err error = &MalformedError{Identity: "a.py", Problems: []string{"syntax error at 3:1"}}
	assert.True(t, errors.Is(err, ErrMalformedProtocol))
	assert.Equal(t, "a.py: malformed protocol: syntax error at 3:1", err.Error())
	assert.Equal(t, "a.py: malformed protocol", (&MalformedError{Identity: "a.py"}).Error())

	err = &UnboundedError{Param: "label", Kind: KindChoice}
	assert.True(t, errors.Is(err, ErrUnboundedParameter))
	assert.Contains(t, err.Error(), `"label"`)

	var ue *UnboundedError
	assert.True(t, errors.As(err, &ue))
	assert.Equal(t, "label", ue.Param)
}
