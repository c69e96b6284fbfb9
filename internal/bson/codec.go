package bson

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxDocumentSize is the largest serialized document accepted.
const MaxDocumentSize = 16 * 1024 * 1024

var (
	ErrCorruptDocument  = errors.New("corrupt document bytes")
	ErrInvalidFieldName = errors.New("invalid field name")
)

// element type bytes of the BSON wire format
const (
	typeDouble   byte = 0x01
	typeString   byte = 0x02
	typeDocument byte = 0x03
	typeArray    byte = 0x04
	typeBinary   byte = 0x05
	typeObjectID byte = 0x07
	typeBoolean  byte = 0x08
	typeDateTime byte = 0x09
	typeNull     byte = 0x0A
	typeInt32    byte = 0x10
	typeInt64    byte = 0x12
	typeMaxKey   byte = 0x7F
	typeMinKey   byte = 0xFF

	subtypeGeneric byte = 0x00
	subtypeUUID    byte = 0x04
)

// elementCodec encodes one kind's payload and decodes it back. Each Kind maps to
// exactly one codec; the decoder side is keyed by wire type.
type elementCodec struct {
	wireType byte
	encode   func(dst []byte, v Value) ([]byte, error)
	decode   func(src []byte) (Value, int, error)
}

var elementCodecs [DateTimeKind + 1]elementCodec

var wireKinds = map[byte]Kind{}

func init() {
	elementCodecs = [...]elementCodec{
		NullKind: {typeNull,
			func(dst []byte, _ Value) ([]byte, error) { return dst, nil },
			func([]byte) (Value, int, error) { return Null(), 0, nil }},
		MinValueKind: {typeMinKey,
			func(dst []byte, _ Value) ([]byte, error) { return dst, nil },
			func([]byte) (Value, int, error) { return MinValue(), 0, nil }},
		MaxValueKind: {typeMaxKey,
			func(dst []byte, _ Value) ([]byte, error) { return dst, nil },
			func([]byte) (Value, int, error) { return MaxValue(), 0, nil }},
		Int32Kind: {typeInt32,
			func(dst []byte, v Value) ([]byte, error) {
				return binary.LittleEndian.AppendUint32(dst, uint32(int32(v.n))), nil
			},
			func(src []byte) (Value, int, error) {
				if len(src) < 4 {
					return Value{}, 0, ErrCorruptDocument
				}
				return Int32(int32(binary.LittleEndian.Uint32(src))), 4, nil
			}},
		Int64Kind: {typeInt64,
			func(dst []byte, v Value) ([]byte, error) {
				return binary.LittleEndian.AppendUint64(dst, uint64(v.n)), nil
			},
			func(src []byte) (Value, int, error) {
				if len(src) < 8 {
					return Value{}, 0, ErrCorruptDocument
				}
				return Int64(int64(binary.LittleEndian.Uint64(src))), 8, nil
			}},
		DoubleKind: {typeDouble,
			func(dst []byte, v Value) ([]byte, error) {
				return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.f)), nil
			},
			func(src []byte) (Value, int, error) {
				if len(src) < 8 {
					return Value{}, 0, ErrCorruptDocument
				}
				return Double(math.Float64frombits(binary.LittleEndian.Uint64(src))), 8, nil
			}},
		StringKind: {typeString,
			func(dst []byte, v Value) ([]byte, error) {
				dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.s)+1))
				dst = append(dst, v.s...)
				return append(dst, 0), nil
			},
			func(src []byte) (Value, int, error) {
				if len(src) < 4 {
					return Value{}, 0, ErrCorruptDocument
				}
				n := int(binary.LittleEndian.Uint32(src))
				if n < 1 || 4+n > len(src) || src[3+n] != 0 {
					return Value{}, 0, ErrCorruptDocument
				}
				return String(string(src[4 : 3+n])), 4 + n, nil
			}},
		DocumentKind: {typeDocument,
			func(dst []byte, v Value) ([]byte, error) { return appendDocument(dst, v.doc) },
			func(src []byte) (Value, int, error) {
				d, n, err := readDocument(src)
				return Doc(d), n, err
			}},
		ArrayKind: {typeArray,
			func(dst []byte, v Value) ([]byte, error) {
				d := NewDocument()
				for i, item := range v.arr {
					d.fields = append(d.fields, field{name: strconv.Itoa(i), value: item})
				}
				return appendDocument(dst, d)
			},
			func(src []byte) (Value, int, error) {
				d, n, err := readDocument(src)
				if err != nil {
					return Value{}, 0, err
				}
				items := make([]Value, len(d.fields))
				for i, f := range d.fields {
					items[i] = f.value
				}
				return Array(items...), n, nil
			}},
		BinaryKind: {typeBinary,
			func(dst []byte, v Value) ([]byte, error) {
				dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.b)))
				dst = append(dst, subtypeGeneric)
				return append(dst, v.b...), nil
			},
			decodeBinary},
		ObjectIDKind: {typeObjectID,
			func(dst []byte, v Value) ([]byte, error) { return append(dst, v.b...), nil },
			func(src []byte) (Value, int, error) {
				if len(src) < 12 {
					return Value{}, 0, ErrCorruptDocument
				}
				var id ObjectID
				copy(id[:], src)
				return OID(id), 12, nil
			}},
		GuidKind: {typeBinary,
			func(dst []byte, v Value) ([]byte, error) {
				dst = binary.LittleEndian.AppendUint32(dst, 16)
				dst = append(dst, subtypeUUID)
				return append(dst, v.b...), nil
			},
			decodeBinary},
		BooleanKind: {typeBoolean,
			func(dst []byte, v Value) ([]byte, error) { return append(dst, byte(v.n)), nil },
			func(src []byte) (Value, int, error) {
				if len(src) < 1 {
					return Value{}, 0, ErrCorruptDocument
				}
				return Bool(src[0] != 0), 1, nil
			}},
		DateTimeKind: {typeDateTime,
			func(dst []byte, v Value) ([]byte, error) {
				return binary.LittleEndian.AppendUint64(dst, uint64(v.n)), nil
			},
			func(src []byte) (Value, int, error) {
				if len(src) < 8 {
					return Value{}, 0, ErrCorruptDocument
				}
				return DateTimeMillis(int64(binary.LittleEndian.Uint64(src))), 8, nil
			}},
	}

	for k, c := range elementCodecs {
		// GuidKind shares the binary wire type; BinaryKind owns the decoder
		if Kind(k) == GuidKind {
			continue
		}
		wireKinds[c.wireType] = Kind(k)
	}
}

func decodeBinary(src []byte) (Value, int, error) {
	if len(src) < 5 {
		return Value{}, 0, ErrCorruptDocument
	}
	n := int(binary.LittleEndian.Uint32(src))
	if n < 0 || 5+n > len(src) {
		return Value{}, 0, ErrCorruptDocument
	}
	if src[4] == subtypeUUID && n == 16 {
		var g [16]byte
		copy(g[:], src[5:21])
		return Guid(g), 21, nil
	}
	return Binary(src[5 : 5+n]), 5 + n, nil
}

// Marshal serializes a document to BSON.
func Marshal(d *Document) ([]byte, error) {
	out, err := appendDocument(make([]byte, 0, 64), d)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDocumentSize {
		return nil, errors.Errorf("document size %d exceeds %d bytes", len(out), MaxDocumentSize)
	}
	return out, nil
}

// Unmarshal parses BSON produced by Marshal.
func Unmarshal(data []byte) (*Document, error) {
	d, n, err := readDocument(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.Wrapf(ErrCorruptDocument, "trailing %d bytes", len(data)-n)
	}
	return d, nil
}

// MarshalValue writes a single value as kind byte + payload.
func MarshalValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.kind))
	return elementCodecs[v.kind].encode(dst, v)
}

// UnmarshalValue reads a value written by MarshalValue and returns the bytes consumed.
func UnmarshalValue(src []byte) (Value, int, error) {
	if len(src) < 1 || !Kind(src[0]).Valid() {
		return Value{}, 0, ErrCorruptDocument
	}
	v, n, err := elementCodecs[Kind(src[0])].decode(src[1:])
	return v, n + 1, err
}

func appendDocument(dst []byte, d *Document) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	var err error
	for _, f := range d.fields {
		if strings.IndexByte(f.name, 0) >= 0 {
			return nil, errors.Wrapf(ErrInvalidFieldName, "%q", f.name)
		}
		c := elementCodecs[f.value.kind]
		dst = append(dst, c.wireType)
		dst = append(dst, f.name...)
		dst = append(dst, 0)
		if dst, err = c.encode(dst, f.value); err != nil {
			return nil, err
		}
	}
	dst = append(dst, 0)
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start))
	return dst, nil
}

func readDocument(src []byte) (*Document, int, error) {
	if len(src) < 5 {
		return nil, 0, ErrCorruptDocument
	}
	size := int(binary.LittleEndian.Uint32(src))
	if size < 5 || size > len(src) || src[size-1] != 0 {
		return nil, 0, errors.Wrapf(ErrCorruptDocument, "document length %d", size)
	}
	d := NewDocument()
	pos := 4
	for pos < size-1 {
		wire := src[pos]
		pos++
		end := pos
		for end < size && src[end] != 0 {
			end++
		}
		if end >= size {
			return nil, 0, ErrCorruptDocument
		}
		name := string(src[pos:end])
		pos = end + 1

		kind, ok := wireKinds[wire]
		if !ok {
			return nil, 0, errors.Wrapf(ErrCorruptDocument, "unknown element type 0x%02x", wire)
		}
		v, n, err := elementCodecs[kind].decode(src[pos : size-1])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		d.fields = append(d.fields, field{name: name, value: v})
	}
	return d, size, nil
}
