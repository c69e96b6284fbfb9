package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/bson"
	"go.docstore/internal/codec"
	"go.docstore/internal/storage"
)

func bigDoc(id int32, size int) *bson.Document {
	return bson.D("_id", bson.Int32(id), "body", bson.String(strings.Repeat("abcdefghij", size/10)))
}

func TestDataRoundTrip(t *testing.T) {
	f := newFixture(t)

	small := bson.D("_id", bson.Int32(1), "name", bson.String("ana"))
	addr, err := f.data.Insert(small)
	require.NoError(t, err)
	got, err := f.data.Read(addr)
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(small), bson.ToJSON(got))

	// spans several extend pages
	large := bigDoc(2, 3*storage.ExtendPageCapacity)
	addr, err = f.data.Insert(large)
	require.NoError(t, err)
	block, err := f.data.GetBlock(addr)
	require.NoError(t, err)
	assert.True(t, block.Extend())
	chain, err := f.data.extendPages(block)
	require.NoError(t, err)
	assert.Len(t, chain, 4)

	got, err = f.data.Read(addr)
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(large), bson.ToJSON(got))

	raw, err := bson.Marshal(large)
	require.NoError(t, err)
	stored, err := f.data.ReadBytes(addr)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{byte(codec.None)}, raw...), stored)
}

func TestDataUpdateKeepsAddress(t *testing.T) {
	f := newFixture(t)

	addr, err := f.data.Insert(bigDoc(1, 100))
	require.NoError(t, err)

	// small to large and back
	for _, size := range []int{2000, 3 * storage.ExtendPageCapacity, 1000, 2 * storage.ExtendPageCapacity, 50} {
		doc := bigDoc(1, size)
		next, err := f.data.Update(addr, doc)
		require.NoError(t, err)
		assert.Equal(t, addr, next, "size %d", size)
		got, err := f.data.Read(addr)
		require.NoError(t, err)
		assert.Equal(t, bson.ToJSON(doc), bson.ToJSON(got))
	}
	block, err := f.data.GetBlock(addr)
	require.NoError(t, err)
	assert.False(t, block.Extend())
	assert.Equal(t, storage.EmptyAddress, block.NextBlock())
}

func TestDataUpdateMovesWhenPageIsFull(t *testing.T) {
	f := newFixture(t)

	var addrs []storage.PageAddress
	for i := 0; i < 3; i++ {
		a, err := f.data.Insert(bigDoc(int32(i), 2000))
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	require.Equal(t, addrs[0].PageID, addrs[2].PageID, "first three share a page")

	doc := bigDoc(0, 6000)
	moved, err := f.data.Update(addrs[0], doc)
	require.NoError(t, err)
	assert.NotEqual(t, addrs[0], moved)

	got, err := f.data.Read(moved)
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(doc), bson.ToJSON(got))
	_, err = f.data.GetBlock(addrs[0])
	assert.Error(t, err, "old block is gone")

	for _, a := range addrs[1:] {
		_, err := f.data.Read(a)
		require.NoError(t, err)
	}
}

func TestDataDeleteFreesPages(t *testing.T) {
	f := newFixture(t)
	col := f.snap.CollectionPage()

	addr, err := f.data.Insert(bigDoc(1, 2*storage.ExtendPageCapacity))
	require.NoError(t, err)
	block, err := f.data.GetBlock(addr)
	require.NoError(t, err)
	chain, err := f.data.extendPages(block)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	require.NoError(t, f.data.Delete(addr))
	for _, id := range append(chain, addr.PageID) {
		p, err := f.snap.GetPage(id)
		require.NoError(t, err)
		assert.Equal(t, storage.PageTypeEmpty, p.Base().PageType(), "page %d", id)
	}
	for _, head := range col.FreeDataPageList {
		assert.Equal(t, storage.EmptyPageID, head)
	}
}

func TestDataCompressed(t *testing.T) {
	f := newFixture(t)
	f.data = NewDataService(f.snap, codec.New(codec.Snappy))

	doc := bigDoc(1, 4*storage.ExtendPageCapacity)
	addr, err := f.data.Insert(doc)
	require.NoError(t, err)
	block, err := f.data.GetBlock(addr)
	require.NoError(t, err)
	assert.False(t, block.Extend(), "repetitive body compresses into one block")

	got, err := f.data.Read(addr)
	require.NoError(t, err)
	assert.Equal(t, bson.ToJSON(doc), bson.ToJSON(got))
}
