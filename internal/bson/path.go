package bson

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPath = errors.New("invalid path expression")

// Path is a compiled field path such as "$.address.city", "name" or "tags[*]".
type Path struct {
	expr  string
	parts []pathPart
}

type pathPart struct {
	name  string
	all   bool
	index int
}

// ParsePath compiles expr. A leading "$." is optional.
func ParsePath(expr string) (Path, error) {
	s := strings.TrimSpace(expr)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, ".")
	if s == "" {
		return Path{}, errors.Wrapf(ErrInvalidPath, "%q", expr)
	}

	p := Path{expr: "$." + s}
	for _, seg := range strings.Split(s, ".") {
		part := pathPart{index: -1}
		if i := strings.IndexByte(seg, '['); i >= 0 {
			if !strings.HasSuffix(seg, "]") {
				return Path{}, errors.Wrapf(ErrInvalidPath, "%q", expr)
			}
			sel := seg[i+1 : len(seg)-1]
			seg = seg[:i]
			if sel == "*" {
				part.all = true
			} else {
				n, err := strconv.Atoi(sel)
				if err != nil || n < 0 {
					return Path{}, errors.Wrapf(ErrInvalidPath, "%q", expr)
				}
				part.index = n
			}
		}
		if seg == "" {
			return Path{}, errors.Wrapf(ErrInvalidPath, "%q", expr)
		}
		part.name = seg
		p.parts = append(p.parts, part)
	}
	return p, nil
}

// MustParsePath panics on an invalid expression.
func MustParsePath(expr string) Path {
	p, err := ParsePath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return p.expr }

// Values evaluates the path against d. Arrays reached at the end of the path
// are expanded so every element becomes one value. A path that resolves to
// nothing yields a single Null.
func (p Path) Values(d *Document) []Value {
	cur := []Value{Doc(d)}
	for _, part := range p.parts {
		var next []Value
		for _, v := range cur {
			if v.kind != DocumentKind {
				continue
			}
			fv, ok := v.doc.Get(part.name)
			if !ok {
				continue
			}
			switch {
			case part.all && fv.kind == ArrayKind:
				next = append(next, fv.arr...)
			case part.index >= 0:
				if fv.kind == ArrayKind && part.index < len(fv.arr) {
					next = append(next, fv.arr[part.index])
				}
			default:
				next = append(next, fv)
			}
		}
		cur = next
	}

	var out []Value
	for _, v := range cur {
		if v.kind == ArrayKind {
			out = append(out, v.arr...)
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []Value{Null()}
	}
	return out
}

// First returns the first value of the path, or Null.
func (p Path) First(d *Document) Value {
	return p.Values(d)[0]
}

// DistinctValues is Values with duplicates removed under the collation,
// keeping first occurrence order.
func (p Path) DistinctValues(d *Document, c Collation) []Value {
	all := p.Values(d)
	out := all[:0:0]
	for _, v := range all {
		dup := false
		for _, seen := range out {
			if c.Equals(v, seen) {
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
