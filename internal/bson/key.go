package bson

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// MaxKeyLength is the largest serialized index key: kind byte, length byte and
// up to 255 payload bytes.
const MaxKeyLength = 257

var (
	ErrKeyTooLong     = errors.New("index key too long")
	ErrInvalidKeyKind = errors.New("value kind cannot be used as index key")
)

// keyCodec is the compact index-key form of one kind: kind byte, an optional
// length byte for strings and binaries, then the payload.
type keyCodec struct {
	size   func(v Value) int
	encode func(dst []byte, v Value) []byte
	decode func(src []byte) (Value, int, error)
}

func fixedKey(n int, enc func([]byte, Value) []byte, dec func([]byte) Value) keyCodec {
	return keyCodec{
		size:   func(Value) int { return n },
		encode: enc,
		decode: func(src []byte) (Value, int, error) {
			if len(src) < n {
				return Value{}, 0, ErrCorruptDocument
			}
			return dec(src[:n]), n, nil
		},
	}
}

func varKey(get func(Value) []byte, build func([]byte) Value) keyCodec {
	return keyCodec{
		size: func(v Value) int { return 1 + len(get(v)) },
		encode: func(dst []byte, v Value) []byte {
			b := get(v)
			dst = append(dst, byte(len(b)))
			return append(dst, b...)
		},
		decode: func(src []byte) (Value, int, error) {
			if len(src) < 1 || len(src) < 1+int(src[0]) {
				return Value{}, 0, ErrCorruptDocument
			}
			n := int(src[0])
			return build(src[1 : 1+n]), 1 + n, nil
		},
	}
}

var keyCodecs = map[Kind]keyCodec{
	NullKind:     fixedKey(0, func(d []byte, _ Value) []byte { return d }, func([]byte) Value { return Null() }),
	MinValueKind: fixedKey(0, func(d []byte, _ Value) []byte { return d }, func([]byte) Value { return MinValue() }),
	MaxValueKind: fixedKey(0, func(d []byte, _ Value) []byte { return d }, func([]byte) Value { return MaxValue() }),
	Int32Kind: fixedKey(4,
		func(d []byte, v Value) []byte { return binary.LittleEndian.AppendUint32(d, uint32(int32(v.n))) },
		func(b []byte) Value { return Int32(int32(binary.LittleEndian.Uint32(b))) }),
	Int64Kind: fixedKey(8,
		func(d []byte, v Value) []byte { return binary.LittleEndian.AppendUint64(d, uint64(v.n)) },
		func(b []byte) Value { return Int64(int64(binary.LittleEndian.Uint64(b))) }),
	DoubleKind: fixedKey(8,
		func(d []byte, v Value) []byte { return binary.LittleEndian.AppendUint64(d, math.Float64bits(v.f)) },
		func(b []byte) Value { return Double(math.Float64frombits(binary.LittleEndian.Uint64(b))) }),
	BooleanKind: fixedKey(1,
		func(d []byte, v Value) []byte { return append(d, byte(v.n)) },
		func(b []byte) Value { return Bool(b[0] != 0) }),
	DateTimeKind: fixedKey(8,
		func(d []byte, v Value) []byte { return binary.LittleEndian.AppendUint64(d, uint64(v.n)) },
		func(b []byte) Value { return DateTimeMillis(int64(binary.LittleEndian.Uint64(b))) }),
	ObjectIDKind: fixedKey(12,
		func(d []byte, v Value) []byte { return append(d, v.b...) },
		func(b []byte) Value {
			var id ObjectID
			copy(id[:], b)
			return OID(id)
		}),
	GuidKind: fixedKey(16,
		func(d []byte, v Value) []byte { return append(d, v.b...) },
		func(b []byte) Value {
			var g [16]byte
			copy(g[:], b)
			return Guid(g)
		}),
	StringKind: varKey(func(v Value) []byte { return []byte(v.s) }, func(b []byte) Value { return String(string(b)) }),
	BinaryKind: varKey(func(v Value) []byte { return v.b }, Binary),
}

// KeyLength returns the serialized key length of v, or an error when v cannot
// be stored as an index key.
func KeyLength(v Value) (int, error) {
	c, ok := keyCodecs[v.kind]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidKeyKind, "%s", v.kind)
	}
	n := 1 + c.size(v)
	if n > MaxKeyLength {
		return 0, errors.Wrapf(ErrKeyTooLong, "%d bytes", n)
	}
	return n, nil
}

// AppendKey appends the key form of v to dst.
func AppendKey(dst []byte, v Value) ([]byte, error) {
	if _, err := KeyLength(v); err != nil {
		return nil, err
	}
	dst = append(dst, byte(v.kind))
	return keyCodecs[v.kind].encode(dst, v), nil
}

// ReadKey decodes a key written by AppendKey and returns the bytes consumed.
func ReadKey(src []byte) (Value, int, error) {
	if len(src) < 1 {
		return Value{}, 0, ErrCorruptDocument
	}
	c, ok := keyCodecs[Kind(src[0])]
	if !ok {
		return Value{}, 0, errors.Wrapf(ErrCorruptDocument, "key kind %d", src[0])
	}
	v, n, err := c.decode(src[1:])
	if err != nil {
		return Value{}, 0, err
	}
	return v, n + 1, nil
}
