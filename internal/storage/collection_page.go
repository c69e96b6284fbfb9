package storage

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

const (
	MaxCollectionNameLength = 60
	MaxIndexesPerCollection = 16
	// FreeListSlots is the number of free data page tiers.
	FreeListSlots = 5

	offColName           = PageHeaderSize
	offColCreationTime   = 128
	offColSequence       = 136
	offColDocumentCount  = 144
	offFreeDataPageList  = 152
	offCollectionIndexes = 176
)

// CollectionPage holds a collection's counters, free data page lists and its
// fixed array of index definitions.
type CollectionPage struct {
	*BasePage

	Name             string
	CreationTime     time.Time
	Sequence         int64
	DocumentCount    int64
	FreeDataPageList [FreeListSlots]uint32

	indexes [MaxIndexesPerCollection]*CollectionIndex
}

func NewCollectionPage(buffer *PageBuffer, pageID uint32, name string) *CollectionPage {
	p := &CollectionPage{
		BasePage:     NewBasePage(buffer, pageID, PageTypeCollection),
		Name:         name,
		CreationTime: time.Now().UTC().Truncate(time.Millisecond),
	}
	for i := range p.FreeDataPageList {
		p.FreeDataPageList[i] = EmptyPageID
	}
	p.UpdateBuffer()
	return p
}

func LoadCollectionPage(buffer *PageBuffer) (*CollectionPage, error) {
	base := LoadBasePage(buffer)
	if base.PageType() != PageTypeCollection {
		return nil, errors.Wrapf(ErrInvalidPageType, "page %d is %s, expected Collection", base.PageID(), base.PageType())
	}
	s := buffer.Slice()
	p := &CollectionPage{
		BasePage:      base,
		Name:          s.ReadShortString(offColName),
		CreationTime:  time.UnixMilli(s.ReadInt64(offColCreationTime)).UTC(),
		Sequence:      s.ReadInt64(offColSequence),
		DocumentCount: s.ReadInt64(offColDocumentCount),
	}
	for i := range p.FreeDataPageList {
		p.FreeDataPageList[i] = s.ReadUint32(offFreeDataPageList + i*4)
	}
	for i := range p.indexes {
		slot := s.Sub(offCollectionIndexes+i*collectionIndexSize, collectionIndexSize)
		if !slot.ReadBool(idxOffUsed) {
			continue
		}
		idx, err := readCollectionIndex(slot)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptPage, "collection page %d index slot %d: %v", base.PageID(), i, err)
		}
		p.indexes[i] = idx
	}
	return p, nil
}

func (p *CollectionPage) UpdateBuffer() *PageBuffer {
	s := p.buffer.Slice()
	s.WriteShortString(offColName, p.Name)
	s.WriteInt64(offColCreationTime, p.CreationTime.UnixMilli())
	s.WriteInt64(offColSequence, p.Sequence)
	s.WriteInt64(offColDocumentCount, p.DocumentCount)
	for i, id := range p.FreeDataPageList {
		s.WriteUint32(offFreeDataPageList+i*4, id)
	}
	for i, idx := range p.indexes {
		slot := s.Sub(offCollectionIndexes+i*collectionIndexSize, collectionIndexSize)
		if idx == nil {
			slot.Clear()
			continue
		}
		idx.write(slot)
	}
	return p.buffer
}

// PK returns the primary key index (slot 0).
func (p *CollectionPage) PK() *CollectionIndex { return p.indexes[0] }

func (p *CollectionPage) GetIndex(name string) *CollectionIndex {
	for _, idx := range p.indexes {
		if idx != nil && idx.matches(name) {
			return idx
		}
	}
	return nil
}

func (p *CollectionPage) GetIndexBySlot(slot byte) *CollectionIndex {
	if int(slot) >= len(p.indexes) {
		return nil
	}
	return p.indexes[slot]
}

// GetCollectionIndexes returns the defined indexes ordered by slot.
func (p *CollectionPage) GetCollectionIndexes() []*CollectionIndex {
	var out []*CollectionIndex
	for _, idx := range p.indexes {
		if idx != nil {
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Slot < out[b].Slot })
	return out
}

// GetFreeIndex returns the first unused index slot.
func (p *CollectionPage) GetFreeIndex() (byte, error) {
	for i, idx := range p.indexes {
		if idx == nil {
			return byte(i), nil
		}
	}
	return NoIndex, errors.Wrapf(ErrIndexLimitExceeded, "collection %q already has %d indexes", p.Name, MaxIndexesPerCollection)
}

// InsertCollectionIndex registers a new index definition in the first free slot.
func (p *CollectionPage) InsertCollectionIndex(name, expression string, unique bool) (*CollectionIndex, error) {
	if !IsValidName(name, MaxIndexNameLength) {
		return nil, errors.Wrapf(ErrInvalidName, "index %q", name)
	}
	if len(expression) > MaxIndexExpressionLength {
		return nil, errors.Wrapf(ErrInvalidName, "index expression longer than %d", MaxIndexExpressionLength)
	}
	if p.GetIndex(name) != nil {
		return nil, errors.Wrapf(ErrIndexExists, "%q", name)
	}
	slot, err := p.GetFreeIndex()
	if err != nil {
		return nil, err
	}
	idx, err := NewCollectionIndex(slot, name, expression, unique)
	if err != nil {
		return nil, err
	}
	p.indexes[slot] = idx
	p.SetDirty()
	return idx, nil
}

// DeleteCollectionIndex clears the slot of name. The primary key cannot be removed.
func (p *CollectionPage) DeleteCollectionIndex(name string) error {
	idx := p.GetIndex(name)
	if idx == nil {
		return errors.Wrapf(ErrIndexNotFound, "%q", name)
	}
	if idx.IsPK() {
		return ErrDropPrimaryKey
	}
	p.indexes[idx.Slot] = nil
	p.SetDirty()
	return nil
}
