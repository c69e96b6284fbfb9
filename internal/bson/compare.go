package bson

import (
	"bytes"
	"math"
	"strings"
)

// Collation controls string comparison. IgnoreCase folds case before comparing.
type Collation struct {
	IgnoreCase bool
}

var (
	CollationBinary     = Collation{}
	CollationIgnoreCase = Collation{IgnoreCase: true}
)

func ParseCollation(s string) Collation {
	if strings.EqualFold(s, "binary") {
		return CollationBinary
	}
	return CollationIgnoreCase
}

func (c Collation) String() string {
	if c.IgnoreCase {
		return "ignorecase"
	}
	return "binary"
}

func (c Collation) CompareStrings(a, b string) int {
	if c.IgnoreCase {
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
	return strings.Compare(a, b)
}

func (c Collation) Equals(a, b Value) bool {
	return c.Compare(a, b) == 0
}

// Compare orders values first by kind rank, numbers across int and double,
// then by content. It returns -1, 0 or 1.
func (c Collation) Compare(a, b Value) int {
	ra, rb := kindOrder[a.kind], kindOrder[b.kind]
	if ra != rb {
		return sign(ra - rb)
	}

	switch a.kind {
	case NullKind, MinValueKind, MaxValueKind:
		return 0
	case Int32Kind, Int64Kind, DoubleKind:
		return compareNumbers(a, b)
	case StringKind:
		return sign(c.CompareStrings(a.s, b.s))
	case BooleanKind, DateTimeKind:
		return compareInt(a.n, b.n)
	case BinaryKind, ObjectIDKind, GuidKind:
		return bytes.Compare(a.b, b.b)
	case DocumentKind:
		return c.compareDocuments(a.doc, b.doc)
	case ArrayKind:
		for i := 0; i < len(a.arr) && i < len(b.arr); i++ {
			if r := c.Compare(a.arr[i], b.arr[i]); r != 0 {
				return r
			}
		}
		return compareInt(int64(len(a.arr)), int64(len(b.arr)))
	}
	return 0
}

func (c Collation) compareDocuments(a, b *Document) int {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}
	for i := 0; i < n; i++ {
		fa, fb := a.fields[i], b.fields[i]
		if r := sign(strings.Compare(fa.name, fb.name)); r != 0 {
			return r
		}
		if r := c.Compare(fa.value, fb.value); r != 0 {
			return r
		}
	}
	return compareInt(int64(a.Len()), int64(b.Len()))
}

func compareNumbers(a, b Value) int {
	if a.kind != DoubleKind && b.kind != DoubleKind {
		return compareInt(a.n, b.n)
	}
	fa, fb := a.AsDouble(), b.AsDouble()
	switch {
	case math.IsNaN(fa) && math.IsNaN(fb):
		return 0
	case math.IsNaN(fa):
		return -1
	case math.IsNaN(fb):
		return 1
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func sign(i int) int {
	switch {
	case i < 0:
		return -1
	case i > 0:
		return 1
	}
	return 0
}
