package storage

import "github.com/pkg/errors"

const (
	// DataBlockHeaderSize is Extend(1) + NextBlock(5) + Length(2).
	DataBlockHeaderSize = 8
	// MaxDataBytesPerPage is the largest document fragment one data block holds.
	MaxDataBytesPerPage = MaxSegmentPayload - DataBlockHeaderSize

	blkOffExtend    = 0
	blkOffNextBlock = 1
	blkOffLength    = 6
)

// free space thresholds of tiers 0..3; tier 4 is everything below 30%
var freePageSlots = [FreeListSlots - 1]int{
	(PageSize - PageHeaderSize) * 90 / 100,
	(PageSize - PageHeaderSize) * 75 / 100,
	(PageSize - PageHeaderSize) * 60 / 100,
	(PageSize - PageHeaderSize) * 30 / 100,
}

// DataPage stores document bytes in data blocks.
type DataPage struct {
	*BasePage
}

func NewDataPage(buffer *PageBuffer, pageID uint32) *DataPage {
	return &DataPage{BasePage: NewBasePage(buffer, pageID, PageTypeData)}
}

func LoadDataPage(buffer *PageBuffer) (*DataPage, error) {
	base := LoadBasePage(buffer)
	if base.PageType() != PageTypeData {
		return nil, errors.Wrapf(ErrInvalidPageType, "page %d is %s, expected Data", base.PageID(), base.PageType())
	}
	return &DataPage{BasePage: base}, nil
}

// FreeIndexSlot maps free bytes to a free list tier: 0 means at least 90%
// free, 4 means under 30%.
func FreeIndexSlot(freeBytes int) byte {
	for i, limit := range freePageSlots {
		if freeBytes >= limit {
			return byte(i)
		}
	}
	return FreeListSlots - 1
}

// GetMinimumIndexSlot is the highest tier whose pages are guaranteed to fit
// length bytes. -1 means only a new page will do.
func GetMinimumIndexSlot(length int) int {
	return int(FreeIndexSlot(length)) - 1
}

func (p *DataPage) GetBlock(index byte) (*DataBlock, error) {
	if _, err := p.Get(index); err != nil {
		return nil, err
	}
	return &DataBlock{page: p, index: index}, nil
}

// InsertBlock allocates a block able to hold length document bytes.
func (p *DataPage) InsertBlock(length int, extend bool) (*DataBlock, error) {
	index, seg, err := p.Insert(length + DataBlockHeaderSize)
	if err != nil {
		return nil, err
	}
	seg.WriteBool(blkOffExtend, extend)
	seg.WritePageAddress(blkOffNextBlock, EmptyAddress)
	seg.WriteUint16(blkOffLength, uint16(length))
	return &DataBlock{page: p, index: index}, nil
}

// UpdateBlock resizes block in place for length bytes keeping its address.
func (p *DataPage) UpdateBlock(block *DataBlock, length int) (*DataBlock, error) {
	seg, err := p.Update(block.index, length+DataBlockHeaderSize)
	if err != nil {
		return nil, err
	}
	seg.WriteUint16(blkOffLength, uint16(length))
	return &DataBlock{page: p, index: block.index}, nil
}

func (p *DataPage) DeleteBlock(index byte) error {
	return p.Delete(index)
}

// GetBlocks lists the addresses of every block on the page.
func (p *DataPage) GetBlocks() []PageAddress {
	var out []PageAddress
	for _, i := range p.GetUsedIndexes() {
		out = append(out, NewPageAddress(p.PageID(), i))
	}
	return out
}

// DataBlock is one document fragment inside a data page.
type DataBlock struct {
	page  *DataPage
	index byte
}

func (b *DataBlock) seg() BufferSlice {
	s, err := b.page.Get(b.index)
	if err != nil {
		panic(err)
	}
	return s
}

func (b *DataBlock) Page() *DataPage { return b.page }

func (b *DataBlock) Position() PageAddress { return NewPageAddress(b.page.PageID(), b.index) }

// Extend is set when the document bytes live in the extend page chain.
func (b *DataBlock) Extend() bool { return b.seg().ReadBool(blkOffExtend) }

func (b *DataBlock) SetExtend(v bool) {
	b.page.SetDirty()
	b.seg().WriteBool(blkOffExtend, v)
}

func (b *DataBlock) NextBlock() PageAddress { return b.seg().ReadPageAddress(blkOffNextBlock) }

func (b *DataBlock) SetNextBlock(a PageAddress) {
	b.page.SetDirty()
	b.seg().WritePageAddress(blkOffNextBlock, a)
}

// Length is the number of document bytes held by this block. An extend head
// holds none; its bytes are counted by the extend pages.
func (b *DataBlock) Length() int { return int(b.seg().ReadUint16(blkOffLength)) }

func (b *DataBlock) SetLength(n int) {
	b.page.SetDirty()
	b.seg().WriteUint16(blkOffLength, uint16(n))
}

// Buffer is the block's data window; only the first Length bytes are meaningful.
func (b *DataBlock) Buffer() BufferSlice {
	s := b.seg()
	return s.Sub(DataBlockHeaderSize, s.Count-DataBlockHeaderSize)
}
