package sexpr

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokOpen
	tokClose
	tokAtom
	tokString
)

type token struct {
	kind  tokenKind
	value string
	line  int
}

type lexer struct {
	r    *bufio.Reader
	line int
}

func newLexer(r io.Reader) *lexer {
	return &lexer{r: bufio.NewReader(r), line: 1}
}

func (l *lexer) read() (rune, error) {
	ch, _, err := l.r.ReadRune()
	if ch == '\n' {
		l.line++
	}
	return ch, err
}

func (l *lexer) unread(ch rune) {
	l.r.UnreadRune()
	if ch == '\n' {
		l.line--
	}
}

func (l *lexer) next() (token, error) {
	for {
		ch, err := l.read()
		if err == io.EOF {
			return token{kind: tokEOF, line: l.line}, nil
		}
		if err != nil {
			return token{}, err
		}
		switch {
		case unicode.IsSpace(ch):
			continue
		case ch == ';' || ch == '#':
			for ch != '\n' {
				if ch, err = l.read(); err != nil {
					break
				}
			}
			continue
		case ch == '(':
			return token{kind: tokOpen, line: l.line}, nil
		case ch == ')':
			return token{kind: tokClose, line: l.line}, nil
		case ch == '"':
			return l.quoted()
		}
		l.unread(ch)
		return l.atom()
	}
}

func (l *lexer) quoted() (token, error) {
	start := l.line
	var b strings.Builder
	for {
		ch, err := l.read()
		if err != nil {
			return token{}, fmt.Errorf("sexpr: line %d: unterminated string", start)
		}
		switch ch {
		case '"':
			return token{kind: tokString, value: b.String(), line: start}, nil
		case '\\':
			esc, err := l.read()
			if err != nil {
				return token{}, fmt.Errorf("sexpr: line %d: unterminated string", start)
			}
			switch esc {
			case 'n':
				esc = '\n'
			case 't':
				esc = '\t'
			}
			b.WriteRune(esc)
		default:
			b.WriteRune(ch)
		}
	}
}

func (l *lexer) atom() (token, error) {
	line := l.line
	var b strings.Builder
	for {
		ch, err := l.read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return token{}, err
		}
		if unicode.IsSpace(ch) || strings.ContainsRune("()\";", ch) {
			l.unread(ch)
			break
		}
		b.WriteRune(ch)
	}
	return token{kind: tokAtom, value: b.String(), line: line}, nil
}

type parser struct {
	lex *lexer
}

func (p *parser) node(tok token) (Node, error) {
	switch tok.kind {
	case tokAtom:
		return Atom{Value: tok.value, Line: tok.line}, nil
	case tokString:
		return Atom{Value: tok.value, Quoted: true, Line: tok.line}, nil
	case tokClose:
		return nil, fmt.Errorf("sexpr: line %d: unexpected ')'", tok.line)
	case tokOpen:
		list := &List{Line: tok.line}
		for {
			next, err := p.lex.next()
			if err != nil {
				return nil, err
			}
			switch next.kind {
			case tokEOF:
				return nil, fmt.Errorf("sexpr: line %d: list never closed", tok.line)
			case tokClose:
				return list, nil
			}
			n, err := p.node(next)
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, n)
		}
	}
	return nil, fmt.Errorf("sexpr: line %d: unexpected end of input", tok.line)
}
