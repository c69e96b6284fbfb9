package storage

import (
	"encoding/binary"
	"sync/atomic"

	"go.docstore/internal/bson"
)

// Origin tells which file a buffer was read from.
type Origin byte

const (
	OriginNone Origin = iota
	OriginData
	OriginLog
)

func (o Origin) String() string {
	switch o {
	case OriginData:
		return "data"
	case OriginLog:
		return "log"
	}
	return "none"
}

// BufferWritable is the ShareCounter value of a private, mutable buffer.
const BufferWritable int32 = -1

// PageBuffer is one page worth of bytes plus where it came from. Readable
// buffers may be shared by many snapshots; ShareCounter counts them. A
// writable buffer belongs to exactly one transaction.
type PageBuffer struct {
	Position     int64
	Origin       Origin
	ShareCounter int32
	Array        []byte
}

func NewPageBuffer() *PageBuffer {
	return &PageBuffer{
		Position:     -1,
		ShareCounter: BufferWritable,
		Array:        make([]byte, PageSize),
	}
}

// Share registers one more reader.
func (b *PageBuffer) Share() {
	atomic.AddInt32(&b.ShareCounter, 1)
}

// Release drops one reader.
func (b *PageBuffer) Release() {
	if atomic.AddInt32(&b.ShareCounter, -1) < 0 {
		panic("page buffer released more times than shared")
	}
}

func (b *PageBuffer) Readers() int32 {
	return atomic.LoadInt32(&b.ShareCounter)
}

func (b *PageBuffer) IsWritable() bool {
	return atomic.LoadInt32(&b.ShareCounter) == BufferWritable
}

// Clone returns a private writable copy.
func (b *PageBuffer) Clone() *PageBuffer {
	c := NewPageBuffer()
	c.Position = b.Position
	c.Origin = b.Origin
	copy(c.Array, b.Array)
	return c
}

// Slice returns a window over the whole page.
func (b *PageBuffer) Slice() BufferSlice {
	return BufferSlice{Array: b.Array, Offset: 0, Count: len(b.Array)}
}

// BufferSlice is a fixed window into a page with typed little-endian accessors.
// Offsets passed to accessors are relative to the window start.
type BufferSlice struct {
	Array  []byte
	Offset int
	Count  int
}

func (s BufferSlice) Bytes() []byte {
	return s.Array[s.Offset : s.Offset+s.Count]
}

func (s BufferSlice) Sub(offset, count int) BufferSlice {
	return BufferSlice{Array: s.Array, Offset: s.Offset + offset, Count: count}
}

func (s BufferSlice) Clear() {
	clear(s.Array[s.Offset : s.Offset+s.Count])
}

func (s BufferSlice) ReadUint8(off int) byte { return s.Array[s.Offset+off] }

func (s BufferSlice) WriteUint8(off int, v byte) { s.Array[s.Offset+off] = v }

func (s BufferSlice) ReadBool(off int) bool { return s.Array[s.Offset+off] != 0 }

func (s BufferSlice) WriteBool(off int, v bool) {
	if v {
		s.Array[s.Offset+off] = 1
	} else {
		s.Array[s.Offset+off] = 0
	}
}

func (s BufferSlice) ReadUint16(off int) uint16 {
	return binary.LittleEndian.Uint16(s.Array[s.Offset+off:])
}

func (s BufferSlice) WriteUint16(off int, v uint16) {
	binary.LittleEndian.PutUint16(s.Array[s.Offset+off:], v)
}

func (s BufferSlice) ReadUint32(off int) uint32 {
	return binary.LittleEndian.Uint32(s.Array[s.Offset+off:])
}

func (s BufferSlice) WriteUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(s.Array[s.Offset+off:], v)
}

func (s BufferSlice) ReadInt32(off int) int32 { return int32(s.ReadUint32(off)) }

func (s BufferSlice) WriteInt32(off int, v int32) { s.WriteUint32(off, uint32(v)) }

func (s BufferSlice) ReadUint64(off int) uint64 {
	return binary.LittleEndian.Uint64(s.Array[s.Offset+off:])
}

func (s BufferSlice) WriteUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(s.Array[s.Offset+off:], v)
}

func (s BufferSlice) ReadInt64(off int) int64 { return int64(s.ReadUint64(off)) }

func (s BufferSlice) WriteInt64(off int, v int64) { s.WriteUint64(off, uint64(v)) }

func (s BufferSlice) ReadBytes(off, n int) []byte {
	out := make([]byte, n)
	copy(out, s.Array[s.Offset+off:s.Offset+off+n])
	return out
}

func (s BufferSlice) WriteBytes(off int, b []byte) {
	copy(s.Array[s.Offset+off:], b)
}

// ReadShortString reads a length-prefixed (u8) string.
func (s BufferSlice) ReadShortString(off int) string {
	n := int(s.ReadUint8(off))
	return string(s.Array[s.Offset+off+1 : s.Offset+off+1+n])
}

// WriteShortString writes a length-prefixed (u8) string, truncating at 255 bytes.
func (s BufferSlice) WriteShortString(off int, v string) {
	if len(v) > 255 {
		v = v[:255]
	}
	s.WriteUint8(off, byte(len(v)))
	copy(s.Array[s.Offset+off+1:], v)
}

func (s BufferSlice) ReadGuid(off int) TxID {
	var g TxID
	copy(g[:], s.Array[s.Offset+off:])
	return g
}

func (s BufferSlice) WriteGuid(off int, g TxID) {
	copy(s.Array[s.Offset+off:], g[:])
}

func (s BufferSlice) ReadPageAddress(off int) PageAddress {
	return PageAddress{
		PageID: s.ReadUint32(off),
		Index:  s.ReadUint8(off + 4),
	}
}

func (s BufferSlice) WritePageAddress(off int, a PageAddress) {
	s.WriteUint32(off, a.PageID)
	s.WriteUint8(off+4, a.Index)
}

// ReadIndexKey decodes an index key and returns it with its length.
func (s BufferSlice) ReadIndexKey(off int) (bson.Value, int, error) {
	return bson.ReadKey(s.Array[s.Offset+off : s.Offset+s.Count])
}

// WriteIndexKey encodes v in key form and returns the bytes written.
func (s BufferSlice) WriteIndexKey(off int, v bson.Value) (int, error) {
	b, err := bson.AppendKey(nil, v)
	if err != nil {
		return 0, err
	}
	copy(s.Array[s.Offset+off:], b)
	return len(b), nil
}
