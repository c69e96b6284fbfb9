package bson

import "strings"

// Document is an ordered set of named values. Field names are case sensitive.
type Document struct {
	fields []field
}

type field struct {
	name  string
	value Value
}

func NewDocument() *Document {
	return &Document{}
}

// D builds a document from alternating name/value pairs:
//
//	bson.D("_id", bson.Int32(1), "name", bson.String("ana"))
func D(pairs ...any) *Document {
	d := NewDocument()
	for i := 0; i+1 < len(pairs); i += 2 {
		name, _ := pairs[i].(string)
		switch v := pairs[i+1].(type) {
		case Value:
			d.Set(name, v)
		case *Document:
			d.Set(name, Doc(v))
		default:
			d.Set(name, FromAny(v))
		}
	}
	return d
}

// Set replaces an existing field in place or appends a new one.
func (d *Document) Set(name string, v Value) *Document {
	for i := range d.fields {
		if d.fields[i].name == name {
			d.fields[i].value = v
			return d
		}
	}
	d.fields = append(d.fields, field{name: name, value: v})
	return d
}

func (d *Document) Get(name string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	for _, f := range d.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return Value{}, false
}

func (d *Document) Remove(name string) bool {
	for i, f := range d.fields {
		if f.name == name {
			d.fields = append(d.fields[:i], d.fields[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.fields)
}

func (d *Document) Keys() []string {
	keys := make([]string, len(d.fields))
	for i, f := range d.fields {
		keys[i] = f.name
	}
	return keys
}

func (d *Document) Each(fn func(name string, v Value)) {
	for _, f := range d.fields {
		fn(f.name, f.value)
	}
}

// ID returns the _id field.
func (d *Document) ID() (Value, bool) {
	return d.Get("_id")
}

// Clone copies the field list; nested documents are copied too.
func (d *Document) Clone() *Document {
	c := &Document{fields: make([]field, len(d.fields))}
	for i, f := range d.fields {
		c.fields[i] = field{name: f.name, value: cloneValue(f.value)}
	}
	return c
}

func cloneValue(v Value) Value {
	switch v.kind {
	case DocumentKind:
		return Doc(v.doc.Clone())
	case ArrayKind:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = cloneValue(item)
		}
		return Array(items...)
	}
	return v
}

func (d *Document) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range d.fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(String(f.name).String())
		sb.WriteByte(':')
		sb.WriteString(f.value.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
