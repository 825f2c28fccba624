package sexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chewxy/sexp"
)

// FromSexp converts a tree read by github.com/chewxy/sexp. Line numbers are
// not known there and are left 0.
func FromSexp(s sexp.Sexp) Node {
	if s == nil {
		return &List{}
	}
	if s.IsLeaf() {
		v := fmt.Sprint(s)
		if len(v) >= 2 && strings.HasPrefix(v, `"`) {
			if u, err := strconv.Unquote(v); err == nil {
				return Atom{Value: u, Quoted: true}
			}
		}
		return Atom{Value: v}
	}
	l := &List{}
	for cur := s; cur != nil && !cur.IsLeaf() && cur.LeafCount() > 0; cur = cur.Tail() {
		l.Items = append(l.Items, FromSexp(cur.Head()))
	}
	return l
}
