package storage

import "github.com/pkg/errors"

// ExtendPageCapacity is the number of document bytes one extend page carries.
const ExtendPageCapacity = PageSize - PageHeaderSize

// ExtendPage holds raw bytes of a document too large for a data block.
// ItemCount is the number of bytes used; pages chain through NextPageID.
type ExtendPage struct {
	*BasePage
}

func NewExtendPage(buffer *PageBuffer, pageID uint32) *ExtendPage {
	p := &ExtendPage{BasePage: NewBasePage(buffer, pageID, PageTypeExtend)}
	p.setFreeBytes(ExtendPageCapacity)
	return p
}

func LoadExtendPage(buffer *PageBuffer) (*ExtendPage, error) {
	base := LoadBasePage(buffer)
	if base.PageType() != PageTypeExtend {
		return nil, errors.Wrapf(ErrInvalidPageType, "page %d is %s, expected Extend", base.PageID(), base.PageType())
	}
	return &ExtendPage{BasePage: base}, nil
}

// SetData replaces the page content. At most ExtendPageCapacity bytes are
// stored; the count written is returned.
func (p *ExtendPage) SetData(data []byte) int {
	p.SetDirty()
	n := copy(p.buffer.Array[PageHeaderSize:], data)
	clear(p.buffer.Array[PageHeaderSize+n:])
	p.setItemCount(n)
	p.setFreeBytes(ExtendPageCapacity - n)
	return n
}

func (p *ExtendPage) GetData() []byte {
	return p.buffer.Array[PageHeaderSize : PageHeaderSize+p.ItemCount()]
}

// NextBlock is the address of the next page in the chain, empty at the end.
func (p *ExtendPage) NextBlock() PageAddress {
	if id := p.NextPageID(); id != EmptyPageID {
		return NewPageAddress(id, 0)
	}
	return EmptyAddress
}
