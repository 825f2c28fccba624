// Package sexpr reads the small S-expression dialect used by board
// profiles: lists, bare atoms, double-quoted strings and comments running
// from ';' or '#' to the end of the line.
package sexpr

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Node is an Atom or a *List.
type Node interface {
	// Pos is the 1-based line the node starts on.
	Pos() int
	String() string
}

// Atom is a symbol, number or quoted string.
type Atom struct {
	Value  string
	Quoted bool
	Line   int
}

func (a Atom) Pos() int { return a.Line }

func (a Atom) String() string {
	if a.Quoted {
		return strconv.Quote(a.Value)
	}
	return a.Value
}

// List is a parenthesised sequence. By convention the first item is an atom
// naming the list.
type List struct {
	Items []Node
	Line  int
}

func (l *List) Pos() int { return l.Line }

func (l *List) String() string {
	parts := make([]string, len(l.Items))
	for i, n := range l.Items {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Head returns the name of the list, or "" when it does not start with an
// atom.
func (l *List) Head() string {
	if len(l.Items) == 0 {
		return ""
	}
	if a, ok := l.Items[0].(Atom); ok {
		return a.Value
	}
	return ""
}

// Args returns the items after the head.
func (l *List) Args() []Node {
	if len(l.Items) <= 1 {
		return nil
	}
	return l.Items[1:]
}

// Find returns the first child list named key.
func (l *List) Find(key string) (*List, bool) {
	for _, n := range l.Items {
		if sub, ok := n.(*List); ok && sub.Head() == key {
			return sub, true
		}
	}
	return nil, false
}

// FindAll returns every child list named key.
func (l *List) FindAll(key string) []*List {
	var out []*List
	for _, n := range l.Items {
		if sub, ok := n.(*List); ok && sub.Head() == key {
			out = append(out, sub)
		}
	}
	return out
}

// Atom returns the atom at index i, where 0 is the head.
func (l *List) Atom(i int) (string, error) {
	if i < 0 || i >= len(l.Items) {
		return "", fmt.Errorf("line %d: (%s) needs %d values", l.Line, l.Head(), i)
	}
	a, ok := l.Items[i].(Atom)
	if !ok {
		return "", fmt.Errorf("line %d: (%s) value %d is a list", l.Line, l.Head(), i)
	}
	return a.Value, nil
}

// Int returns the atom at index i as an integer; 0x and 0b prefixes and
// underscores are accepted.
func (l *List) Int(i int) (int64, error) {
	s, err := l.Atom(i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: (%s): %w", l.Line, l.Head(), err)
	}
	return v, nil
}

// Value returns the single atom of the child list named key, e.g. "ecp5"
// for (family ecp5). ok is false when the child is absent.
func (l *List) Value(key string) (string, bool, error) {
	sub, ok := l.Find(key)
	if !ok {
		return "", false, nil
	}
	v, err := sub.Atom(1)
	return v, true, err
}

// Parse reads every top-level node from r.
func Parse(r io.Reader) ([]Node, error) {
	p := &parser{lex: newLexer(r)}
	var out []Node
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			return out, nil
		}
		n, err := p.node(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
}

// ParseString is Parse on a string.
func ParseString(s string) ([]Node, error) {
	return Parse(strings.NewReader(s))
}
