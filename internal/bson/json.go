package bson

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FromJSON parses a JSON object into a Document preserving field order.
// Extended forms {"$oid"}, {"$date"}, {"$guid"}, {"$binary"}, {"$numberLong"},
// {"$minValue"} and {"$maxValue"} map to their kinds.
func FromJSON(data []byte) (*Document, error) {
	v, err := ValueFromJSON(data)
	if err != nil {
		return nil, err
	}
	if v.kind != DocumentKind {
		return nil, errors.New("json value is not an object")
	}
	return v.doc, nil
}

// ValueFromJSON parses any JSON value.
func ValueFromJSON(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := readJSON(dec)
	if err != nil {
		return Value{}, errors.Wrap(err, "parse json")
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, errors.New("parse json: trailing data")
	}
	return v, nil
}

func readJSON(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return numberValue(t)
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for dec.More() {
				item, err := readJSON(dec)
				if err != nil {
					return Value{}, err
				}
				items = append(items, item)
			}
			_, err := dec.Token()
			return Array(items...), err
		case '{':
			d := NewDocument()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return Value{}, err
				}
				key, _ := keyTok.(string)
				item, err := readJSON(dec)
				if err != nil {
					return Value{}, err
				}
				d.Set(key, item)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return extended(d)
		}
	}
	return Value{}, errors.Errorf("unexpected token %v", tok)
}

func numberValue(n json.Number) (Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if i >= math.MinInt32 && i <= math.MaxInt32 {
				return Int32(int32(i)), nil
			}
			return Int64(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, err
	}
	return Double(f), nil
}

func extended(d *Document) (Value, error) {
	if d.Len() != 1 || !strings.HasPrefix(d.fields[0].name, "$") {
		return Doc(d), nil
	}
	f := d.fields[0]
	switch f.name {
	case "$oid":
		id, err := ObjectIDFromHex(f.value.s)
		return OID(id), err
	case "$date":
		if f.value.IsNumber() {
			return DateTimeMillis(f.value.AsInt64()), nil
		}
		t, err := time.Parse(time.RFC3339Nano, f.value.s)
		if err != nil {
			return Value{}, errors.Wrap(err, "$date")
		}
		return DateTime(t), nil
	case "$guid":
		g, err := ParseGuid(f.value.s)
		return Guid(g), err
	case "$binary":
		b, err := base64.StdEncoding.DecodeString(f.value.s)
		if err != nil {
			return Value{}, errors.Wrap(err, "$binary")
		}
		return Binary(b), nil
	case "$numberLong":
		i, err := strconv.ParseInt(f.value.s, 10, 64)
		if err != nil {
			return Value{}, errors.Wrap(err, "$numberLong")
		}
		return Int64(i), nil
	case "$minValue":
		return MinValue(), nil
	case "$maxValue":
		return MaxValue(), nil
	}
	return Doc(d), nil
}

// ToJSON renders a document as JSON, using the extended forms for kinds JSON
// cannot express.
func ToJSON(d *Document) string {
	var sb strings.Builder
	writeJSON(&sb, Doc(d))
	return sb.String()
}

func writeJSON(sb *strings.Builder, v Value) {
	switch v.kind {
	case StringKind:
		b, _ := json.Marshal(v.s)
		sb.Write(b)
	case Int64Kind:
		if v.n > math.MaxInt32 || v.n < math.MinInt32 {
			sb.WriteString(`{"$numberLong":"` + strconv.FormatInt(v.n, 10) + `"}`)
			return
		}
		sb.WriteString(strconv.FormatInt(v.n, 10))
	case DoubleKind:
		s := v.String()
		if !strings.ContainsAny(s, ".eEN\"") {
			s += ".0"
		}
		sb.WriteString(s)
	case BinaryKind:
		sb.WriteString(`{"$binary":"` + base64.StdEncoding.EncodeToString(v.b) + `"}`)
	case DocumentKind:
		sb.WriteByte('{')
		for i, f := range v.doc.fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			b, _ := json.Marshal(f.name)
			sb.Write(b)
			sb.WriteByte(':')
			writeJSON(sb, f.value)
		}
		sb.WriteByte('}')
	case ArrayKind:
		sb.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeJSON(sb, item)
		}
		sb.WriteByte(']')
	default:
		sb.WriteString(v.String())
	}
}

// FromAny converts plain Go values into a Value. Unsupported types become Null.
func FromAny(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null()
	case Value:
		return v
	case bool:
		return Bool(v)
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return Int32(int32(v))
		}
		return Int64(int64(v))
	case int32:
		return Int32(v)
	case int64:
		return Int64(v)
	case float32:
		return Double(float64(v))
	case float64:
		return Double(v)
	case string:
		return String(v)
	case []byte:
		return Binary(v)
	case time.Time:
		return DateTime(v)
	case ObjectID:
		return OID(v)
	case *Document:
		return Doc(v)
	case []any:
		items := make([]Value, len(v))
		for i, item := range v {
			items[i] = FromAny(item)
		}
		return Array(items...)
	case []string:
		items := make([]Value, len(v))
		for i, item := range v {
			items[i] = String(item)
		}
		return Array(items...)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := NewDocument()
		for _, k := range keys {
			d.Set(k, FromAny(v[k]))
		}
		return Doc(d)
	}
	return Null()
}
