package mergesort

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/storage"
)

// Item is one sort entry: the order key and the document it belongs to.
type Item struct {
	Key   bson.Value
	Value storage.PageAddress
}

// Container holds one run of sorted items, either in memory or spilled
// to a region of a scratch file.
type Container struct {
	items []Item
	pos   int

	// spilled run
	spilled bool
	count   int
	offset  int64
	length  int64
	reader  *bufio.Reader

	current Item
	eof     bool
}

func (c *Container) reset() {
	c.items = c.items[:0]
	c.pos = 0
	c.count = 0
	c.offset, c.length = 0, 0
	c.spilled = false
	c.current = Item{}
	c.eof = false
}

func (c *Container) Len() int {
	if c.spilled {
		return c.count
	}
	return len(c.items)
}

func (c *Container) sort(collation bson.Collation, order int) {
	sort.SliceStable(c.items, func(a, b int) bool {
		return collation.Compare(c.items[a].Key, c.items[b].Key)*order < 0
	})
}

// spill writes the sorted items to f at offset as a snappy stream and
// keeps only the region in memory.
func (c *Container) spill(f *os.File, offset int64) (int64, error) {
	ow := io.NewOffsetWriter(f, offset)
	w := snappy.NewBufferedWriter(ow)
	var buf []byte
	for _, it := range c.items {
		var err error
		if buf, err = encodeItem(buf[:0], it); err != nil {
			return 0, err
		}
		if _, err := w.Write(buf); err != nil {
			return 0, errors.Wrap(err, "write sort container")
		}
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrap(err, "flush sort container")
	}
	length, err := ow.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	c.spilled = true
	c.count = len(c.items)
	c.offset = offset
	c.length = length
	c.items = c.items[:0]
	return length, nil
}

// open positions the container on its first item.
func (c *Container) open(f *os.File) error {
	if c.spilled {
		src := snappy.NewReader(io.NewSectionReader(f, c.offset, c.length))
		if c.reader == nil {
			c.reader = bufio.NewReader(src)
		} else {
			c.reader.Reset(src)
		}
	}
	return c.next()
}

// next advances to the following item; eof is set past the last one.
func (c *Container) next() error {
	if !c.spilled {
		if c.pos >= len(c.items) {
			c.eof = true
			return nil
		}
		c.current = c.items[c.pos]
		c.pos++
		return nil
	}

	it, err := c.decodeItem()
	if err == io.EOF {
		c.eof = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read sort container")
	}
	c.current = it
	return nil
}

// item layout: uvarint key length, key as kind + payload, page address
func encodeItem(dst []byte, it Item) ([]byte, error) {
	key, err := bson.MarshalValue(nil, it.Key)
	if err != nil {
		return nil, err
	}
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	dst = append(dst, key...)
	dst = binary.LittleEndian.AppendUint32(dst, it.Value.PageID)
	return append(dst, it.Value.Index), nil
}

func (c *Container) decodeItem() (Item, error) {
	n, err := binary.ReadUvarint(c.reader)
	if err != nil {
		return Item{}, err
	}
	// keys may alias buf, so it is never reused
	buf := make([]byte, int(n)+storage.PageAddressSize)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return Item{}, errors.Wrap(io.ErrUnexpectedEOF, err.Error())
	}
	key, _, err := bson.UnmarshalValue(buf[:n])
	if err != nil {
		return Item{}, err
	}
	return Item{
		Key:   key,
		Value: storage.NewPageAddress(binary.LittleEndian.Uint32(buf[n:]), buf[n+4]),
	}, nil
}
