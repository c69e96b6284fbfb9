package storage

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	PageSize       = 8192
	PageHeaderSize = 64

	// BlockSize is the allocation unit of the slotted content area.
	BlockSize = 32
	// ContentBlocks is the number of blocks between the header and the page end.
	ContentBlocks = (PageSize - PageHeaderSize) / BlockSize
	// MaxSlotIndex is the highest usable footer slot.
	MaxSlotIndex = ContentBlocks
	// MaxSegmentPayload is the largest payload a single segment can carry on
	// an otherwise empty page (one block goes to the footer).
	MaxSegmentPayload = (ContentBlocks-1)*BlockSize - 1
)

type PageType uint8

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
	PageTypeExtend
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	case PageTypeExtend:
		return "Extend"
	}
	return fmt.Sprintf("PageType(%d)", uint8(t))
}

// header layout
const (
	offPageID           = 0
	offPageType         = 4
	offPrevPageID       = 5
	offNextPageID       = 9
	offItemCount        = 13
	offFreeBytes        = 15
	offTransactionID    = 17
	offIsConfirmed      = 33
	offColID            = 34
	offPageListSlot     = 38
	offHighestIndex     = 39
	offUsedBlocks       = 40
	offFragmentedBlocks = 41
	offNextFreeBlock    = 42
	offChecksum         = 43
)

// Page is implemented by every typed page view. UpdateBuffer flushes any
// parsed state into the buffer and returns it for writing.
type Page interface {
	Base() *BasePage
	UpdateBuffer() *PageBuffer
}

// BasePage is a view over a PageBuffer exposing the common header and the
// block/slot allocator used by data, index and collection pages.
type BasePage struct {
	buffer *PageBuffer
	dirty  bool
}

// NewBasePage formats buffer as an empty page of the given type.
func NewBasePage(buffer *PageBuffer, pageID uint32, pageType PageType) *BasePage {
	p := &BasePage{buffer: buffer}
	p.mustWritable()
	clear(buffer.Array)

	s := p.slice()
	s.WriteUint32(offPageID, pageID)
	s.WriteUint8(offPageType, byte(pageType))
	s.WriteUint32(offPrevPageID, EmptyPageID)
	s.WriteUint32(offNextPageID, EmptyPageID)
	s.WriteUint8(offPageListSlot, NoIndex)
	s.WriteUint8(offHighestIndex, NoIndex)
	s.WriteUint8(offNextFreeBlock, 1)
	p.updateFreeBytes()
	p.dirty = true
	return p
}

func LoadBasePage(buffer *PageBuffer) *BasePage {
	return &BasePage{buffer: buffer}
}

func (p *BasePage) Base() *BasePage { return p }

func (p *BasePage) UpdateBuffer() *PageBuffer { return p.buffer }

func (p *BasePage) Buffer() *PageBuffer { return p.buffer }

func (p *BasePage) slice() BufferSlice { return p.buffer.Slice() }

func (p *BasePage) mustWritable() {
	if !p.buffer.IsWritable() {
		panic(fmt.Sprintf("page %d is shared by %d readers and cannot be changed",
			p.slice().ReadUint32(offPageID), p.buffer.Readers()))
	}
}

func (p *BasePage) IsDirty() bool { return p.dirty }

func (p *BasePage) SetDirty() {
	p.mustWritable()
	p.dirty = true
}

func (p *BasePage) ClearDirty() { p.dirty = false }

func (p *BasePage) PageID() uint32 { return p.slice().ReadUint32(offPageID) }

func (p *BasePage) PageType() PageType { return PageType(p.slice().ReadUint8(offPageType)) }

func (p *BasePage) PrevPageID() uint32 { return p.slice().ReadUint32(offPrevPageID) }

func (p *BasePage) SetPrevPageID(id uint32) {
	p.SetDirty()
	p.slice().WriteUint32(offPrevPageID, id)
}

func (p *BasePage) NextPageID() uint32 { return p.slice().ReadUint32(offNextPageID) }

func (p *BasePage) SetNextPageID(id uint32) {
	p.SetDirty()
	p.slice().WriteUint32(offNextPageID, id)
}

func (p *BasePage) ItemCount() int { return int(p.slice().ReadUint16(offItemCount)) }

func (p *BasePage) setItemCount(n int) { p.slice().WriteUint16(offItemCount, uint16(n)) }

// FreeBytes is the space not taken by segments or the footer slot table.
func (p *BasePage) FreeBytes() int { return int(p.slice().ReadUint16(offFreeBytes)) }

func (p *BasePage) setFreeBytes(n int) { p.slice().WriteUint16(offFreeBytes, uint16(n)) }

func (p *BasePage) TransactionID() TxID { return p.slice().ReadGuid(offTransactionID) }

func (p *BasePage) SetTransactionID(id TxID) {
	p.mustWritable()
	p.slice().WriteGuid(offTransactionID, id)
}

func (p *BasePage) IsConfirmed() bool { return p.slice().ReadBool(offIsConfirmed) }

func (p *BasePage) SetIsConfirmed(v bool) {
	p.mustWritable()
	p.slice().WriteBool(offIsConfirmed, v)
}

// ColID is the collection page id owning this page.
func (p *BasePage) ColID() uint32 { return p.slice().ReadUint32(offColID) }

func (p *BasePage) SetColID(id uint32) {
	p.SetDirty()
	p.slice().WriteUint32(offColID, id)
}

// PageListSlot is the free-list tier the page currently sits in, NoIndex when none.
func (p *BasePage) PageListSlot() byte { return p.slice().ReadUint8(offPageListSlot) }

func (p *BasePage) SetPageListSlot(slot byte) {
	p.SetDirty()
	p.slice().WriteUint8(offPageListSlot, slot)
}

func (p *BasePage) HighestIndex() byte { return p.slice().ReadUint8(offHighestIndex) }

func (p *BasePage) UsedBlocks() int { return int(p.slice().ReadUint8(offUsedBlocks)) }

func (p *BasePage) FragmentedBlocks() int { return int(p.slice().ReadUint8(offFragmentedBlocks)) }

func (p *BasePage) NextFreeBlock() int { return int(p.slice().ReadUint8(offNextFreeBlock)) }

// MarkAsEmpty reformats the page as an Empty page keeping its id.
func (p *BasePage) MarkAsEmpty() {
	NewBasePage(p.buffer, p.PageID(), PageTypeEmpty)
	p.dirty = true
}

// Checksum returns the xxhash of the page with the checksum field zeroed.
func (b *PageBuffer) Checksum() uint64 {
	d := xxhash.New()
	_, _ = d.Write(b.Array[:offChecksum])
	_, _ = d.Write(make([]byte, 8))
	_, _ = d.Write(b.Array[offChecksum+8:])
	return d.Sum64()
}

// Seal stores the page checksum in the header.
func (b *PageBuffer) Seal() {
	b.Slice().WriteUint64(offChecksum, b.Checksum())
}

// Verify checks the stored checksum. Pages never sealed pass.
func (b *PageBuffer) Verify() bool {
	stored := b.Slice().ReadUint64(offChecksum)
	return stored == 0 || stored == b.Checksum()
}

// PageID reads the page id straight from the buffer header.
func (b *PageBuffer) PageID() uint32 { return b.Slice().ReadUint32(offPageID) }

func (b *PageBuffer) PageType() PageType { return PageType(b.Slice().ReadUint8(offPageType)) }

// slot allocator

func footerBlocks(highest byte) int {
	if highest == NoIndex {
		return 0
	}
	return (int(highest) + BlockSize) / BlockSize
}

func blocksFor(payload int) int {
	return (payload + 1 + BlockSize - 1) / BlockSize
}

func blockOffset(block int) int {
	return PageHeaderSize + (block-1)*BlockSize
}

func slotOffset(index byte) int {
	return PageSize - 1 - int(index)
}

func (p *BasePage) slotBlock(index byte) int {
	return int(p.buffer.Array[slotOffset(index)])
}

func (p *BasePage) segment(block, blocks int) BufferSlice {
	return BufferSlice{Array: p.buffer.Array, Offset: blockOffset(block) + 1, Count: blocks*BlockSize - 1}
}

func (p *BasePage) contiguousFree(footer int) int {
	return ContentBlocks - footer - (p.NextFreeBlock() - 1)
}

func (p *BasePage) updateFreeBytes() {
	free := ContentBlocks - p.UsedBlocks() - footerBlocks(p.HighestIndex())
	if free < 0 {
		free = 0
	}
	p.setFreeBytes(free * BlockSize)
}

func (p *BasePage) setAllocator(used, fragmented, nextFree int, highest byte) {
	s := p.slice()
	s.WriteUint8(offUsedBlocks, byte(used))
	s.WriteUint8(offFragmentedBlocks, byte(fragmented))
	s.WriteUint8(offNextFreeBlock, byte(nextFree))
	s.WriteUint8(offHighestIndex, highest)
	p.updateFreeBytes()
}

// Get returns the payload window of the segment at index.
func (p *BasePage) Get(index byte) (BufferSlice, error) {
	if h := p.HighestIndex(); h == NoIndex || index > h {
		return BufferSlice{}, errors.Wrapf(ErrCorruptPage, "page %d has no slot %d", p.PageID(), index)
	}
	block := p.slotBlock(index)
	if block == 0 || block > ContentBlocks {
		return BufferSlice{}, errors.Wrapf(ErrCorruptPage, "page %d slot %d is empty", p.PageID(), index)
	}
	blocks := int(p.buffer.Array[blockOffset(block)])
	if blocks == 0 || block+blocks-1 > ContentBlocks {
		return BufferSlice{}, errors.Wrapf(ErrCorruptPage, "page %d slot %d has bad length %d", p.PageID(), index, blocks)
	}
	return p.segment(block, blocks), nil
}

// GetUsedIndexes lists occupied slot indexes in ascending order.
func (p *BasePage) GetUsedIndexes() []byte {
	h := p.HighestIndex()
	if h == NoIndex {
		return nil
	}
	out := make([]byte, 0, p.ItemCount())
	for i := 0; i <= int(h); i++ {
		if p.slotBlock(byte(i)) != 0 {
			out = append(out, byte(i))
		}
	}
	return out
}

func (p *BasePage) firstFreeIndex() byte {
	h := p.HighestIndex()
	if h == NoIndex {
		return 0
	}
	for i := 0; i <= int(h); i++ {
		if p.slotBlock(byte(i)) == 0 {
			return byte(i)
		}
	}
	if int(h) >= MaxSlotIndex {
		return NoIndex
	}
	return h + 1
}

// MaxFreePayload is the largest payload a new segment could take right now.
func (p *BasePage) MaxFreePayload() int {
	idx := p.firstFreeIndex()
	if idx == NoIndex {
		return 0
	}
	h := p.HighestIndex()
	if h == NoIndex || idx > h {
		h = idx
	}
	free := ContentBlocks - p.UsedBlocks() - footerBlocks(h)
	if free <= 0 {
		return 0
	}
	return free*BlockSize - 1
}

// Insert allocates a segment for payload bytes in the first free slot.
func (p *BasePage) Insert(payload int) (byte, BufferSlice, error) {
	p.mustWritable()
	index := p.firstFreeIndex()
	if index == NoIndex {
		return NoIndex, BufferSlice{}, errors.Wrapf(ErrPageFull, "page %d has no free slot", p.PageID())
	}
	seg, err := p.insertAt(index, payload)
	return index, seg, err
}

func (p *BasePage) insertAt(index byte, payload int) (BufferSlice, error) {
	blocks := blocksFor(payload)
	highest := p.HighestIndex()
	if highest == NoIndex || index > highest {
		highest = index
	}
	footer := footerBlocks(highest)
	if blocks > 255 || p.UsedBlocks()+blocks+footer > ContentBlocks {
		return BufferSlice{}, errors.Wrapf(ErrPageFull, "page %d: need %d blocks, %d free", p.PageID(), blocks, p.FreeBytes()/BlockSize)
	}
	if p.contiguousFree(footer) < blocks {
		p.Defrag()
	}

	block := p.NextFreeBlock()
	p.buffer.Array[blockOffset(block)] = byte(blocks)
	seg := p.segment(block, blocks)
	seg.Clear()
	p.buffer.Array[slotOffset(index)] = byte(block)

	p.setItemCount(p.ItemCount() + 1)
	p.setAllocator(p.UsedBlocks()+blocks, p.FragmentedBlocks(), block+blocks, highest)
	p.dirty = true
	return seg, nil
}

// Delete frees the segment at index.
func (p *BasePage) Delete(index byte) error {
	p.mustWritable()
	seg, err := p.Get(index)
	if err != nil {
		return err
	}
	block := p.slotBlock(index)
	blocks := int(p.buffer.Array[blockOffset(block)])

	clear(p.buffer.Array[blockOffset(block) : seg.Offset+seg.Count])
	p.buffer.Array[slotOffset(index)] = 0

	items := p.ItemCount() - 1
	p.setItemCount(items)
	used := p.UsedBlocks() - blocks
	fragmented := p.FragmentedBlocks()
	nextFree := p.NextFreeBlock()
	if block+blocks == nextFree {
		nextFree = block
	} else {
		fragmented += blocks
	}
	highest := p.HighestIndex()
	if items == 0 {
		used, fragmented, nextFree, highest = 0, 0, 1, NoIndex
	}
	p.setAllocator(used, fragmented, nextFree, highest)
	if items > 0 && index == highest {
		p.UpdateHighestIndex()
	}
	p.dirty = true
	return nil
}

// UpdateHighestIndex rescans the footer for the highest occupied slot.
func (p *BasePage) UpdateHighestIndex() {
	h := NoIndex
	for i := MaxSlotIndex; i >= 0; i-- {
		if p.slotBlock(byte(i)) != 0 {
			h = byte(i)
			break
		}
	}
	p.slice().WriteUint8(offHighestIndex, h)
	p.updateFreeBytes()
}

// Update resizes the segment at index keeping its slot. Content is preserved
// up to the smaller of the two sizes.
func (p *BasePage) Update(index byte, payload int) (BufferSlice, error) {
	p.mustWritable()
	seg, err := p.Get(index)
	if err != nil {
		return BufferSlice{}, err
	}
	block := p.slotBlock(index)
	old := int(p.buffer.Array[blockOffset(block)])
	blocks := blocksFor(payload)
	p.dirty = true

	switch {
	case blocks == old:
		return seg, nil

	case blocks < old:
		freed := old - blocks
		p.buffer.Array[blockOffset(block)] = byte(blocks)
		clear(p.buffer.Array[blockOffset(block+blocks):blockOffset(block+old)])
		nextFree, fragmented := p.NextFreeBlock(), p.FragmentedBlocks()
		if block+old == nextFree {
			nextFree -= freed
		} else {
			fragmented += freed
		}
		p.setAllocator(p.UsedBlocks()-freed, fragmented, nextFree, p.HighestIndex())
		return p.segment(block, blocks), nil
	}

	extra := blocks - old
	footer := footerBlocks(p.HighestIndex())
	if blocks > 255 || p.UsedBlocks()+extra+footer > ContentBlocks {
		return BufferSlice{}, errors.Wrapf(ErrPageFull, "page %d cannot grow slot %d", p.PageID(), index)
	}
	if block+old == p.NextFreeBlock() && p.contiguousFree(footer) >= extra {
		p.buffer.Array[blockOffset(block)] = byte(blocks)
		p.setAllocator(p.UsedBlocks()+extra, p.FragmentedBlocks(), p.NextFreeBlock()+extra, p.HighestIndex())
		return p.segment(block, blocks), nil
	}

	saved := seg.ReadBytes(0, seg.Count)
	clear(p.buffer.Array[blockOffset(block) : seg.Offset+seg.Count])
	p.buffer.Array[slotOffset(index)] = 0
	nextFree, fragmented := p.NextFreeBlock(), p.FragmentedBlocks()
	if block+old == nextFree {
		nextFree = block
	} else {
		fragmented += old
	}
	p.setItemCount(p.ItemCount() - 1)
	p.setAllocator(p.UsedBlocks()-old, fragmented, nextFree, p.HighestIndex())

	grown, err := p.insertAt(index, payload)
	if err != nil {
		return BufferSlice{}, err
	}
	grown.WriteBytes(0, saved)
	return grown, nil
}

// Defrag moves all segments to the front of the content area in block order,
// leaving a single contiguous free run. Slot indexes do not change.
func (p *BasePage) Defrag() {
	p.mustWritable()
	type entry struct {
		index  byte
		block  int
		blocks int
	}
	var segs []entry
	for _, i := range p.GetUsedIndexes() {
		block := p.slotBlock(i)
		segs = append(segs, entry{index: i, block: block, blocks: int(p.buffer.Array[blockOffset(block)])})
	}
	sort.Slice(segs, func(a, b int) bool { return segs[a].block < segs[b].block })

	next := 1
	for _, s := range segs {
		if s.block != next {
			src := p.buffer.Array[blockOffset(s.block) : blockOffset(s.block)+s.blocks*BlockSize]
			copy(p.buffer.Array[blockOffset(next):], src)
			p.buffer.Array[slotOffset(s.index)] = byte(next)
		}
		next += s.blocks
	}

	footerStart := PageSize
	if h := p.HighestIndex(); h != NoIndex {
		footerStart = slotOffset(h)
	}
	if start := blockOffset(next); start < footerStart {
		clear(p.buffer.Array[start:footerStart])
	}

	p.setAllocator(p.UsedBlocks(), 0, next, p.HighestIndex())
	p.dirty = true
}

// Recount rebuilds ItemCount, UsedBlocks and FreeBytes from the slot table.
// The high-water mark is moved past the last segment and the gaps below it
// are counted as fragmented.
func (p *BasePage) Recount() {
	p.mustWritable()
	items, used, end := 0, 0, 1
	for _, i := range p.GetUsedIndexes() {
		block := p.slotBlock(i)
		blocks := int(p.buffer.Array[blockOffset(block)])
		items++
		used += blocks
		if block+blocks > end {
			end = block + blocks
		}
	}
	p.setItemCount(items)
	highest := p.HighestIndex()
	if items == 0 {
		highest = NoIndex
	}
	p.setAllocator(used, end-1-used, end, highest)
	p.UpdateHighestIndex()
	p.dirty = true
}
