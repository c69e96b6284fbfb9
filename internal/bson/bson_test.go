package bson_test

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/bson"
)

func sampleDocument() *bson.Document {
	return bson.D(
		"_id", bson.Int32(7),
		"name", bson.String("Ana"),
		"age", bson.Int64(1<<40),
		"score", bson.Double(9.5),
		"active", bson.Bool(true),
		"born", bson.DateTimeMillis(1700000000123),
		"oid", bson.OID(bson.NewObjectID()),
		"guid", bson.Guid(bson.NewGuid()),
		"raw", bson.Binary([]byte{1, 2, 3}),
		"tags", bson.Array(bson.String("a"), bson.String("b")),
		"address", bson.D("city", bson.String("Lisbon"), "zip", bson.Null()),
		"lo", bson.MinValue(),
		"hi", bson.MaxValue(),
	)
}

func TestMarshalRoundTrip(t *testing.T) {
	doc := sampleDocument()

	data, err := bson.Marshal(doc)
	require.NoError(t, err)

	back, err := bson.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, doc.Keys(), back.Keys())
	assert.Equal(t, 0, bson.CollationBinary.Compare(bson.Doc(doc), bson.Doc(back)))

	again, err := bson.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	data, err := bson.Marshal(sampleDocument())
	require.NoError(t, err)

	_, err = bson.Unmarshal(data[:len(data)-3])
	assert.True(t, errors.Is(err, bson.ErrCorruptDocument))
}

func TestMarshalValue(t *testing.T) {
	for _, v := range []bson.Value{
		bson.Null(), bson.Int32(-3), bson.String("x"), bson.Double(1.25),
		bson.Doc(bson.D("a", bson.Int32(1))), bson.Array(bson.Int32(1)),
	} {
		b, err := bson.MarshalValue(nil, v)
		require.NoError(t, err)
		back, n, err := bson.UnmarshalValue(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, 0, bson.CollationBinary.Compare(v, back), v.String())
	}
}

func TestCompareKindOrder(t *testing.T) {
	c := bson.CollationBinary
	ordered := []bson.Value{
		bson.MinValue(),
		bson.Null(),
		bson.Int32(1),
		bson.Double(1.5),
		bson.Int64(2),
		bson.String("a"),
		bson.Doc(bson.D("a", bson.Int32(1))),
		bson.Array(bson.Int32(1)),
		bson.Binary([]byte{0}),
		bson.OID(bson.ObjectID{}),
		bson.Guid([16]byte{}),
		bson.Bool(false),
		bson.DateTimeMillis(0),
		bson.MaxValue(),
	}
	for i := 1; i < len(ordered); i++ {
		assert.Equal(t, -1, c.Compare(ordered[i-1], ordered[i]), "%s < %s", ordered[i-1], ordered[i])
		assert.Equal(t, 1, c.Compare(ordered[i], ordered[i-1]))
	}
	assert.Equal(t, 0, c.Compare(bson.Int32(3), bson.Double(3)))
}

func TestCollationIgnoreCase(t *testing.T) {
	assert.Equal(t, 0, bson.CollationIgnoreCase.Compare(bson.String("Ana"), bson.String("ANA")))
	assert.NotEqual(t, 0, bson.CollationBinary.Compare(bson.String("Ana"), bson.String("ANA")))
	assert.Equal(t, bson.CollationBinary, bson.ParseCollation("binary"))
	assert.Equal(t, bson.CollationIgnoreCase, bson.ParseCollation("anything"))
}

func TestKeyEncoding(t *testing.T) {
	for _, v := range []bson.Value{
		bson.Null(), bson.MinValue(), bson.MaxValue(), bson.Int32(42), bson.Int64(-1),
		bson.Double(2.5), bson.String("hello"), bson.Binary([]byte{9, 9}),
		bson.Bool(true), bson.DateTime(time.Now()), bson.OID(bson.NewObjectID()),
		bson.Guid(bson.NewGuid()),
	} {
		n, err := bson.KeyLength(v)
		require.NoError(t, err)

		b, err := bson.AppendKey(nil, v)
		require.NoError(t, err)
		assert.Len(t, b, n)

		back, read, err := bson.ReadKey(b)
		require.NoError(t, err)
		assert.Equal(t, n, read)
		assert.Equal(t, 0, bson.CollationBinary.Compare(v, back))
	}
}

func TestKeyLimits(t *testing.T) {
	_, err := bson.KeyLength(bson.String(strings.Repeat("x", 255)))
	assert.NoError(t, err)

	_, err = bson.KeyLength(bson.String(strings.Repeat("x", 256)))
	assert.True(t, errors.Is(err, bson.ErrKeyTooLong))

	_, err = bson.KeyLength(bson.Doc(bson.NewDocument()))
	assert.True(t, errors.Is(err, bson.ErrInvalidKeyKind))
}

func TestPathValues(t *testing.T) {
	doc := sampleDocument()

	assert.Equal(t, "Lisbon", bson.MustParsePath("$.address.city").First(doc).AsString())
	assert.Equal(t, "Ana", bson.MustParsePath("name").First(doc).AsString())
	assert.True(t, bson.MustParsePath("missing.field").First(doc).IsNull())

	tags := bson.MustParsePath("tags[*]").Values(doc)
	require.Len(t, tags, 2)
	assert.Equal(t, "b", tags[1].AsString())

	assert.Len(t, bson.MustParsePath("tags").Values(doc), 2)
	assert.Equal(t, "a", bson.MustParsePath("tags[0]").First(doc).AsString())

	_, err := bson.ParsePath("$.")
	assert.True(t, errors.Is(err, bson.ErrInvalidPath))
	_, err = bson.ParsePath("a..b")
	assert.Error(t, err)
}

func TestDistinctValues(t *testing.T) {
	doc := bson.D("tags", bson.Array(bson.String("x"), bson.String("X"), bson.String("y")))
	vals := bson.MustParsePath("tags").DistinctValues(doc, bson.CollationIgnoreCase)
	assert.Len(t, vals, 2)
}

func TestJSONRoundTrip(t *testing.T) {
	in := `{"_id":{"$oid":"5f1d7a3b9c1e4a2b3c4d5e6f"},"name":"Ana","n":1,"big":{"$numberLong":"9000000000"},"f":2.0,"list":[1,"two",null,true],"when":{"$date":"2024-01-02T03:04:05.006Z"}}`

	doc, err := bson.FromJSON([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"_id", "name", "n", "big", "f", "list", "when"}, doc.Keys())

	id, _ := doc.ID()
	assert.Equal(t, bson.ObjectIDKind, id.Kind())
	n, _ := doc.Get("n")
	assert.Equal(t, bson.Int32Kind, n.Kind())
	big, _ := doc.Get("big")
	assert.Equal(t, bson.Int64Kind, big.Kind())
	f, _ := doc.Get("f")
	assert.Equal(t, bson.DoubleKind, f.Kind())

	out := bson.ToJSON(doc)
	again, err := bson.FromJSON([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, 0, bson.CollationBinary.Compare(bson.Doc(doc), bson.Doc(again)), out)
}

func TestObjectIDHex(t *testing.T) {
	id := bson.NewObjectID()
	back, err := bson.ObjectIDFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, back)
	assert.False(t, id.IsZero())

	_, err = bson.ObjectIDFromHex("zz")
	assert.True(t, errors.Is(err, bson.ErrInvalidObjectID))
}
