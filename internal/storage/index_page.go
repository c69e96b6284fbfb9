package storage

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
)

const (
	// MaxLevelLength is the tallest skip-list node.
	MaxLevelLength = 32

	nodeOffSlot      = 0
	nodeOffLevel     = 1
	nodeOffDataBlock = 2
	nodeOffPrevNode  = 7
	nodeOffNextNode  = 12
	nodeOffLevels    = 17

	// IndexNodeFixedSize is slot, level, data block and the document chain links.
	IndexNodeFixedSize = nodeOffLevels
	// MaxIndexNodeLength is the payload of the largest possible node.
	MaxIndexNodeLength = IndexNodeFixedSize + MaxLevelLength*2*PageAddressSize + bson.MaxKeyLength
)

// IndexNodeLength is the payload size of a node with the given level and key.
func IndexNodeLength(level int, key bson.Value) (int, error) {
	n, err := bson.KeyLength(key)
	if err != nil {
		return 0, err
	}
	return IndexNodeFixedSize + level*2*PageAddressSize + n, nil
}

// IndexPage holds skip-list nodes of one collection.
type IndexPage struct {
	*BasePage
}

func NewIndexPage(buffer *PageBuffer, pageID uint32) *IndexPage {
	return &IndexPage{BasePage: NewBasePage(buffer, pageID, PageTypeIndex)}
}

func LoadIndexPage(buffer *PageBuffer) (*IndexPage, error) {
	base := LoadBasePage(buffer)
	if base.PageType() != PageTypeIndex {
		return nil, errors.Wrapf(ErrInvalidPageType, "page %d is %s, expected Index", base.PageID(), base.PageType())
	}
	return &IndexPage{BasePage: base}, nil
}

// HasNodeRoom reports whether the page can take a node of the maximum size.
func (p *IndexPage) HasNodeRoom() bool {
	return p.MaxFreePayload() >= MaxIndexNodeLength
}

// FreeIndexSlot is 0 while the page stays on its index free list and 1 once
// it cannot take another full-size node.
func (p *IndexPage) FreeIndexSlot() byte {
	if p.HasNodeRoom() {
		return 0
	}
	return 1
}

// UpdateItemCount recomputes counters and free bytes from the segment lengths.
func (p *IndexPage) UpdateItemCount() {
	p.Recount()
}

func (p *IndexPage) GetIndexNode(index byte) (*IndexNode, error) {
	seg, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	key, _, err := seg.ReadIndexKey(nodeOffLevels + int(seg.ReadUint8(nodeOffLevel))*2*PageAddressSize)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptPage, "index node %d:%d: %v", p.PageID(), index, err)
	}
	return &IndexNode{
		page:  p,
		index: index,
		slot:  seg.ReadUint8(nodeOffSlot),
		level: seg.ReadUint8(nodeOffLevel),
		key:   key,
	}, nil
}

// InsertIndexNode writes a fresh node with all links empty.
func (p *IndexPage) InsertIndexNode(slot, level byte, key bson.Value, dataBlock PageAddress) (*IndexNode, error) {
	if level == 0 || level > MaxLevelLength {
		return nil, errors.Errorf("invalid node level %d", level)
	}
	length, err := IndexNodeLength(int(level), key)
	if err != nil {
		return nil, err
	}
	index, seg, err := p.Insert(length)
	if err != nil {
		return nil, err
	}
	seg.WriteUint8(nodeOffSlot, slot)
	seg.WriteUint8(nodeOffLevel, level)
	seg.WritePageAddress(nodeOffDataBlock, dataBlock)
	seg.WritePageAddress(nodeOffPrevNode, EmptyAddress)
	seg.WritePageAddress(nodeOffNextNode, EmptyAddress)
	for i := 0; i < int(level); i++ {
		seg.WritePageAddress(nodeOffLevels+i*2*PageAddressSize, EmptyAddress)
		seg.WritePageAddress(nodeOffLevels+i*2*PageAddressSize+PageAddressSize, EmptyAddress)
	}
	if _, err := seg.WriteIndexKey(nodeOffLevels+int(level)*2*PageAddressSize, key); err != nil {
		return nil, err
	}
	return &IndexNode{page: p, index: index, slot: slot, level: level, key: key}, nil
}

func (p *IndexPage) DeleteIndexNode(index byte) error {
	return p.Delete(index)
}

func (p *IndexPage) GetIndexNodes() ([]*IndexNode, error) {
	var out []*IndexNode
	for _, i := range p.GetUsedIndexes() {
		n, err := p.GetIndexNode(i)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// IndexNode is a skip-list node. Links are read from and written to the page
// buffer directly; slot, level and key never change after insert.
type IndexNode struct {
	page  *IndexPage
	index byte
	slot  byte
	level byte
	key   bson.Value
}

func (n *IndexNode) seg() BufferSlice {
	s, err := n.page.Get(n.index)
	if err != nil {
		panic(err)
	}
	return s
}

func (n *IndexNode) Page() *IndexPage { return n.page }

func (n *IndexNode) Position() PageAddress { return NewPageAddress(n.page.PageID(), n.index) }

// Slot is the owning index's slot in the collection page.
func (n *IndexNode) Slot() byte { return n.slot }

func (n *IndexNode) Level() byte { return n.level }

func (n *IndexNode) Key() bson.Value { return n.key }

func (n *IndexNode) DataBlock() PageAddress { return n.seg().ReadPageAddress(nodeOffDataBlock) }

func (n *IndexNode) SetDataBlock(a PageAddress) { n.write(nodeOffDataBlock, a) }

// PrevNode and NextNode chain every node of one document, starting at the PK node.
func (n *IndexNode) PrevNode() PageAddress { return n.seg().ReadPageAddress(nodeOffPrevNode) }

func (n *IndexNode) SetPrevNode(a PageAddress) { n.write(nodeOffPrevNode, a) }

func (n *IndexNode) NextNode() PageAddress { return n.seg().ReadPageAddress(nodeOffNextNode) }

func (n *IndexNode) SetNextNode(a PageAddress) { n.write(nodeOffNextNode, a) }

func (n *IndexNode) Prev(level int) PageAddress {
	return n.seg().ReadPageAddress(nodeOffLevels + level*2*PageAddressSize)
}

func (n *IndexNode) SetPrev(level int, a PageAddress) {
	n.write(nodeOffLevels+level*2*PageAddressSize, a)
}

func (n *IndexNode) Next(level int) PageAddress {
	return n.seg().ReadPageAddress(nodeOffLevels + level*2*PageAddressSize + PageAddressSize)
}

func (n *IndexNode) SetNext(level int, a PageAddress) {
	n.write(nodeOffLevels+level*2*PageAddressSize+PageAddressSize, a)
}

// NextPrev follows Next for ascending order and Prev otherwise.
func (n *IndexNode) NextPrev(level int, asc bool) PageAddress {
	if asc {
		return n.Next(level)
	}
	return n.Prev(level)
}

func (n *IndexNode) write(off int, a PageAddress) {
	if off >= nodeOffLevels+int(n.level)*2*PageAddressSize {
		panic(errors.Errorf("index node %s: level out of range", n.Position()))
	}
	n.page.SetDirty()
	n.seg().WritePageAddress(off, a)
}
