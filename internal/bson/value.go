package bson

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value. The numeric values are persisted in
// index keys and must not change.
type Kind byte

const (
	NullKind Kind = iota
	MinValueKind
	MaxValueKind
	Int32Kind
	Int64Kind
	DoubleKind
	StringKind
	DocumentKind
	ArrayKind
	BinaryKind
	ObjectIDKind
	GuidKind
	BooleanKind
	DateTimeKind
)

var kindNames = [...]string{
	NullKind:     "Null",
	MinValueKind: "MinValue",
	MaxValueKind: "MaxValue",
	Int32Kind:    "Int32",
	Int64Kind:    "Int64",
	DoubleKind:   "Double",
	StringKind:   "String",
	DocumentKind: "Document",
	ArrayKind:    "Array",
	BinaryKind:   "Binary",
	ObjectIDKind: "ObjectId",
	GuidKind:     "Guid",
	BooleanKind:  "Boolean",
	DateTimeKind: "DateTime",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// sort rank between kinds; numbers share a rank
var kindOrder = [...]int{
	MinValueKind: 0,
	NullKind:     1,
	Int32Kind:    2,
	Int64Kind:    2,
	DoubleKind:   2,
	StringKind:   6,
	DocumentKind: 7,
	ArrayKind:    8,
	BinaryKind:   9,
	ObjectIDKind: 10,
	GuidKind:     11,
	BooleanKind:  12,
	DateTimeKind: 13,
	MaxValueKind: 14,
}

// Value is an immutable tagged union over the supported document value kinds.
// The zero Value is Null.
type Value struct {
	kind Kind
	n    int64
	f    float64
	s    string
	b    []byte
	doc  *Document
	arr  []Value
}

func Null() Value     { return Value{kind: NullKind} }
func MinValue() Value { return Value{kind: MinValueKind} }
func MaxValue() Value { return Value{kind: MaxValueKind} }

func Int32(v int32) Value    { return Value{kind: Int32Kind, n: int64(v)} }
func Int64(v int64) Value    { return Value{kind: Int64Kind, n: v} }
func Double(v float64) Value { return Value{kind: DoubleKind, f: v} }
func String(v string) Value  { return Value{kind: StringKind, s: v} }

func Bool(v bool) Value {
	if v {
		return Value{kind: BooleanKind, n: 1}
	}
	return Value{kind: BooleanKind}
}

// DateTime keeps millisecond precision in UTC.
func DateTime(t time.Time) Value {
	return Value{kind: DateTimeKind, n: t.UnixMilli()}
}

func DateTimeMillis(ms int64) Value {
	return Value{kind: DateTimeKind, n: ms}
}

func Binary(b []byte) Value {
	c := make([]byte, len(b))
	copy(c, b)
	return Value{kind: BinaryKind, b: c}
}

func OID(id ObjectID) Value {
	return Value{kind: ObjectIDKind, b: id[:]}
}

func Guid(g [16]byte) Value {
	return Value{kind: GuidKind, b: g[:]}
}

func Doc(d *Document) Value {
	if d == nil {
		d = NewDocument()
	}
	return Value{kind: DocumentKind, doc: d}
}

func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: ArrayKind, arr: items}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool     { return v.kind == NullKind }
func (v Value) IsMinValue() bool { return v.kind == MinValueKind }
func (v Value) IsMaxValue() bool { return v.kind == MaxValueKind }

func (v Value) IsNumber() bool {
	return v.kind == Int32Kind || v.kind == Int64Kind || v.kind == DoubleKind
}

func (v Value) AsInt32() int32 {
	if v.kind == DoubleKind {
		return int32(v.f)
	}
	return int32(v.n)
}

func (v Value) AsInt64() int64 {
	if v.kind == DoubleKind {
		return int64(v.f)
	}
	return v.n
}

func (v Value) AsDouble() float64 {
	if v.kind == DoubleKind {
		return v.f
	}
	return float64(v.n)
}

func (v Value) AsString() string { return v.s }

func (v Value) AsBool() bool { return v.n != 0 }

func (v Value) AsDateTime() time.Time { return time.UnixMilli(v.n).UTC() }

func (v Value) AsBinary() []byte { return v.b }

func (v Value) AsObjectID() ObjectID {
	var id ObjectID
	copy(id[:], v.b)
	return id
}

func (v Value) AsGuid() [16]byte {
	var g [16]byte
	copy(g[:], v.b)
	return g
}

func (v Value) AsDocument() *Document { return v.doc }

func (v Value) AsArray() []Value { return v.arr }

// String renders the value in a compact, JSON-like form for logs and errors.
func (v Value) String() string {
	switch v.kind {
	case NullKind:
		return "null"
	case MinValueKind:
		return "{\"$minValue\":1}"
	case MaxValueKind:
		return "{\"$maxValue\":1}"
	case Int32Kind, Int64Kind:
		return strconv.FormatInt(v.n, 10)
	case DoubleKind:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return strconv.Quote(strconv.FormatFloat(v.f, 'g', -1, 64))
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case StringKind:
		return strconv.Quote(v.s)
	case BooleanKind:
		return strconv.FormatBool(v.AsBool())
	case DateTimeKind:
		return fmt.Sprintf("{\"$date\":%q}", v.AsDateTime().Format(time.RFC3339Nano))
	case ObjectIDKind:
		return fmt.Sprintf("{\"$oid\":%q}", hex.EncodeToString(v.b))
	case GuidKind:
		return fmt.Sprintf("{\"$guid\":%q}", FormatGuid(v.AsGuid()))
	case BinaryKind:
		return fmt.Sprintf("{\"$binary\":\"%d bytes\"}", len(v.b))
	case DocumentKind:
		return v.doc.String()
	case ArrayKind:
		s := "["
		for i, item := range v.arr {
			if i > 0 {
				s += ","
			}
			s += item.String()
		}
		return s + "]"
	}
	return "?"
}
