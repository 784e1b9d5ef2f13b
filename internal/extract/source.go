package extract

import (
	"context"
	"fmt"
	"strings"

	"rtpfuzz/internal/protocol"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Call is one method call found in the source, with its arguments split into
// positional and keyword form.
type Call struct {
	Node    *sitter.Node
	Method  string // attribute name for obj.method(...), bare name for f(...)
	Object  string // receiver text, empty for bare calls
	Args    []*sitter.Node
	Kwargs  map[string]*sitter.Node
	ArgList *sitter.Node
	Scope   string // enclosing function name, empty at module level
}

// Arg returns the positional argument at index i or the keyword argument
// named kw, whichever is present. Keywords win.
func (c Call) Arg(i int, kw string) *sitter.Node {
	if kw != "" {
		if n, ok := c.Kwargs[kw]; ok {
			return n
		}
	}
	if i >= 0 && i < len(c.Args) {
		return c.Args[i]
	}
	return nil
}

// Source is a parsed protocol with the lookups the extraction rules share.
// It is not safe for concurrent use.
type Source struct {
	Identity string
	Content  []byte

	tree *sitter.Tree
	root *sitter.Node

	calls []Call
	// functions maps top-level function names to their definitions.
	functions map[string]*sitter.Node
	// assignments maps module-level names to their right-hand side, last wins.
	assignments map[string]*sitter.Node
	// constants holds module-level names bound to numeric expressions.
	constants map[string]float64
}

// Parse parses Python source into a Source. The returned Source must be closed.
func Parse(ctx context.Context, identity string, content []byte) (*Source, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", identity, err)
	}

	s := &Source{
		Identity:    identity,
		Content:     content,
		tree:        tree,
		root:        tree.RootNode(),
		functions:   make(map[string]*sitter.Node),
		assignments: make(map[string]*sitter.Node),
		constants:   make(map[string]float64),
	}
	s.indexModule()
	s.collectCalls(s.root, "")
	return s, nil
}

// Close releases the syntax tree.
func (s *Source) Close() {
	if s.tree != nil {
		s.tree.Close()
		s.tree = nil
	}
}

// Root returns the module node.
func (s *Source) Root() *sitter.Node { return s.root }

// Calls returns every call in source order.
func (s *Source) Calls() []Call { return s.calls }

// Function returns the top-level function definition with the given name.
func (s *Source) Function(name string) (*sitter.Node, bool) {
	n, ok := s.functions[name]
	return n, ok
}

// Assignment returns the right-hand side of a module-level assignment.
func (s *Source) Assignment(name string) (*sitter.Node, bool) {
	n, ok := s.assignments[name]
	return n, ok
}

// Text returns the source text covered by n.
func (s *Source) Text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return string(s.Content[n.StartByte():n.EndByte()])
}

// Locate builds a Location for n.
func (s *Source) Locate(n *sitter.Node, scope string) protocol.Location {
	p := n.StartPoint()
	return protocol.Location{
		Line:      int(p.Row) + 1,
		Column:    int(p.Column) + 1,
		StartByte: n.StartByte(),
		EndByte:   n.EndByte(),
		Scope:     scope,
	}
}

// SyntaxErrors returns the positions of ERROR and MISSING nodes, capped at limit.
func (s *Source) SyntaxErrors(limit int) []string {
	if !s.root.HasError() {
		return nil
	}
	var out []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(out) >= limit {
			return
		}
		switch {
		case n.Type() == "ERROR":
			p := n.StartPoint()
			out = append(out, fmt.Sprintf("syntax error at %d:%d", p.Row+1, p.Column+1))
		case n.IsMissing():
			p := n.StartPoint()
			out = append(out, fmt.Sprintf("missing %q at %d:%d", n.Type(), p.Row+1, p.Column+1))
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(s.root)
	if len(out) == 0 {
		out = append(out, "syntax error")
	}
	return out
}

// indexModule records top-level functions and assignments, and folds
// numeric constants in declaration order.
func (s *Source) indexModule() {
	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		stmt := s.root.NamedChild(i)
		switch stmt.Type() {
		case "function_definition":
			s.indexFunction(stmt)
		case "decorated_definition":
			if def := stmt.ChildByFieldName("definition"); def != nil && def.Type() == "function_definition" {
				s.indexFunction(def)
			}
		case "expression_statement":
			for j := 0; j < int(stmt.NamedChildCount()); j++ {
				asg := stmt.NamedChild(j)
				if asg.Type() != "assignment" {
					continue
				}
				left, right := asg.ChildByFieldName("left"), asg.ChildByFieldName("right")
				if left == nil || right == nil || left.Type() != "identifier" {
					continue
				}
				name := s.Text(left)
				s.assignments[name] = right
				if v, ok := s.evalNumber(right, nil); ok {
					s.constants[name] = v
				}
			}
		}
	}
}

func (s *Source) indexFunction(def *sitter.Node) {
	if name := def.ChildByFieldName("name"); name != nil {
		if _, seen := s.functions[s.Text(name)]; !seen {
			s.functions[s.Text(name)] = def
		}
	}
}

// collectCalls walks the tree depth-first, recording calls in source order
// with the innermost enclosing function as scope.
func (s *Source) collectCalls(n *sitter.Node, scope string) {
	if n.Type() == "function_definition" {
		if name := n.ChildByFieldName("name"); name != nil {
			scope = s.Text(name)
		}
	}
	if n.Type() == "call" {
		if c, ok := s.newCall(n, scope); ok {
			s.calls = append(s.calls, c)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		s.collectCalls(n.NamedChild(i), scope)
	}
}

func (s *Source) newCall(n *sitter.Node, scope string) (Call, bool) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return Call{}, false
	}
	c := Call{Node: n, Scope: scope, Kwargs: make(map[string]*sitter.Node)}
	switch fn.Type() {
	case "attribute":
		attr := fn.ChildByFieldName("attribute")
		if attr == nil {
			return Call{}, false
		}
		c.Method = s.Text(attr)
		c.Object = s.Text(fn.ChildByFieldName("object"))
	case "identifier":
		c.Method = s.Text(fn)
	default:
		return Call{}, false
	}

	args := n.ChildByFieldName("arguments")
	if args == nil || args.Type() != "argument_list" {
		return c, true
	}
	c.ArgList = args
	for i := 0; i < int(args.NamedChildCount()); i++ {
		a := args.NamedChild(i)
		switch a.Type() {
		case "comment":
		case "keyword_argument":
			name, value := a.ChildByFieldName("name"), a.ChildByFieldName("value")
			if name != nil && value != nil {
				c.Kwargs[s.Text(name)] = value
			}
		case "list_splat", "dictionary_splat":
			// unknowable at rest
		default:
			c.Args = append(c.Args, a)
		}
	}
	return c, true
}

// Literal evaluates a Python literal: numbers (with unary sign), True/False,
// None and non-interpolated strings. Anything else is reported as not literal.
func (s *Source) Literal(n *sitter.Node) (protocol.Value, bool) {
	if n == nil {
		return protocol.Value{}, false
	}
	switch n.Type() {
	case "integer":
		return parseInt(s.Text(n))
	case "float":
		return parseFloat(s.Text(n))
	case "true":
		return protocol.Bool(true), true
	case "false":
		return protocol.Bool(false), true
	case "none":
		return protocol.Value{}, true
	case "string":
		str, ok := pyString(s.Text(n))
		if !ok {
			return protocol.Value{}, false
		}
		return protocol.String(str), true
	case "concatenated_string":
		var b strings.Builder
		for i := 0; i < int(n.NamedChildCount()); i++ {
			part := n.NamedChild(i)
			if part.Type() == "comment" {
				continue
			}
			str, ok := pyString(s.Text(part))
			if !ok {
				return protocol.Value{}, false
			}
			b.WriteString(str)
		}
		return protocol.String(b.String()), true
	case "parenthesized_expression":
		return s.Literal(firstNamed(n))
	case "unary_operator":
		v, ok := s.Literal(n.ChildByFieldName("argument"))
		if !ok || !v.IsNumeric() {
			return protocol.Value{}, false
		}
		switch s.Text(n.ChildByFieldName("operator")) {
		case "+":
			return v, true
		case "-":
			if v.IsInt() {
				return protocol.Int(-v.Int()), true
			}
			return protocol.Float(-v.Float()), true
		}
	}
	return protocol.Value{}, false
}

// EvalNumber reduces an expression of numbers, parentheses, unary signs,
// + and - and known names to a float. vars are consulted before
// module-level constants.
func (s *Source) EvalNumber(n *sitter.Node, vars map[string]float64) (float64, bool) {
	return s.evalNumber(n, vars)
}

func (s *Source) evalNumber(n *sitter.Node, vars map[string]float64) (float64, bool) {
	if n == nil {
		return 0, false
	}
	switch n.Type() {
	case "integer", "float":
		v, ok := s.Literal(n)
		if !ok {
			return 0, false
		}
		return v.Float(), true
	case "identifier":
		name := s.Text(n)
		if v, ok := vars[name]; ok {
			return v, true
		}
		v, ok := s.constants[name]
		return v, ok
	case "parenthesized_expression":
		return s.evalNumber(firstNamed(n), vars)
	case "unary_operator":
		v, ok := s.evalNumber(n.ChildByFieldName("argument"), vars)
		if !ok {
			return 0, false
		}
		switch s.Text(n.ChildByFieldName("operator")) {
		case "+":
			return v, true
		case "-":
			return -v, true
		}
	case "binary_operator":
		l, ok := s.evalNumber(n.ChildByFieldName("left"), vars)
		if !ok {
			return 0, false
		}
		r, ok := s.evalNumber(n.ChildByFieldName("right"), vars)
		if !ok {
			return 0, false
		}
		switch s.Text(n.ChildByFieldName("operator")) {
		case "+":
			return l + r, true
		case "-":
			return l - r, true
		}
	}
	return 0, false
}

// Elements returns the non-comment named children of a list or tuple.
func Elements(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() != "comment" {
			out = append(out, c)
		}
	}
	return out
}

// DictPairs returns key/value nodes of a dictionary literal whose keys are
// string literals, in source order.
func (s *Source) DictPairs(n *sitter.Node) (keys []string, values []*sitter.Node) {
	if n == nil || n.Type() != "dictionary" {
		return nil, nil
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		pair := n.NamedChild(i)
		if pair.Type() != "pair" {
			continue
		}
		k, ok := s.Literal(pair.ChildByFieldName("key"))
		if !ok || !k.IsString() {
			continue
		}
		keys = append(keys, k.Str())
		values = append(values, pair.ChildByFieldName("value"))
	}
	return keys, values
}

// lastArg returns the last argument of an argument_list, skipping comments.
func lastArg(list *sitter.Node) *sitter.Node {
	for i := int(list.NamedChildCount()) - 1; i >= 0; i-- {
		if c := list.NamedChild(i); c.Type() != "comment" {
			return c
		}
	}
	return nil
}

func firstNamed(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() != "comment" {
			return c
		}
	}
	return nil
}
