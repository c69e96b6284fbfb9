package storage

import (
	"strings"

	"go.docstore/internal/bson"
)

const (
	MaxIndexNameLength       = 32
	MaxIndexExpressionLength = 255

	// serialized slot layout inside the collection page
	idxOffUsed              = 0
	idxOffSlot              = 1
	idxOffUnique            = 2
	idxOffName              = 3
	idxOffExpression        = idxOffName + 1 + MaxIndexNameLength
	idxOffHead              = idxOffExpression + 1 + MaxIndexExpressionLength
	idxOffTail              = idxOffHead + PageAddressSize
	idxOffMaxLevel          = idxOffTail + PageAddressSize
	idxOffFreeIndexPageList = idxOffMaxLevel + 1
	idxOffKeyCount          = idxOffFreeIndexPageList + 4
	idxOffUniqueKeyCount    = idxOffKeyCount + 4
	collectionIndexSize     = idxOffUniqueKeyCount + 4
)

// CollectionIndex describes one skip-list index of a collection. Slot 0 is
// always the _id primary key.
type CollectionIndex struct {
	Slot              byte
	Name              string
	Expression        string
	Unique            bool
	Head              PageAddress
	Tail              PageAddress
	MaxLevel          byte
	FreeIndexPageList uint32
	KeyCount          uint32
	UniqueKeyCount    uint32

	path bson.Path
}

func NewCollectionIndex(slot byte, name, expression string, unique bool) (*CollectionIndex, error) {
	path, err := bson.ParsePath(expression)
	if err != nil {
		return nil, err
	}
	return &CollectionIndex{
		Slot:              slot,
		Name:              name,
		Expression:        path.String(),
		Unique:            unique,
		Head:              EmptyAddress,
		Tail:              EmptyAddress,
		MaxLevel:          1,
		FreeIndexPageList: EmptyPageID,
		path:              path,
	}, nil
}

// Path is the compiled Expression.
func (i *CollectionIndex) Path() bson.Path { return i.path }

func (i *CollectionIndex) IsPK() bool { return i.Slot == 0 }

// Keys returns the distinct index keys a document produces.
func (i *CollectionIndex) Keys(doc *bson.Document, c bson.Collation) []bson.Value {
	return i.path.DistinctValues(doc, c)
}

func (i *CollectionIndex) matches(name string) bool {
	return strings.EqualFold(i.Name, name)
}

func readCollectionIndex(s BufferSlice) (*CollectionIndex, error) {
	idx := &CollectionIndex{
		Slot:              s.ReadUint8(idxOffSlot),
		Unique:            s.ReadBool(idxOffUnique),
		Name:              s.ReadShortString(idxOffName),
		Expression:        s.ReadShortString(idxOffExpression),
		Head:              s.ReadPageAddress(idxOffHead),
		Tail:              s.ReadPageAddress(idxOffTail),
		MaxLevel:          s.ReadUint8(idxOffMaxLevel),
		FreeIndexPageList: s.ReadUint32(idxOffFreeIndexPageList),
		KeyCount:          s.ReadUint32(idxOffKeyCount),
		UniqueKeyCount:    s.ReadUint32(idxOffUniqueKeyCount),
	}
	path, err := bson.ParsePath(idx.Expression)
	if err != nil {
		return nil, err
	}
	idx.path = path
	return idx, nil
}

func (i *CollectionIndex) write(s BufferSlice) {
	s.Clear()
	s.WriteBool(idxOffUsed, true)
	s.WriteUint8(idxOffSlot, i.Slot)
	s.WriteBool(idxOffUnique, i.Unique)
	s.WriteShortString(idxOffName, i.Name)
	s.WriteShortString(idxOffExpression, i.Expression)
	s.WritePageAddress(idxOffHead, i.Head)
	s.WritePageAddress(idxOffTail, i.Tail)
	s.WriteUint8(idxOffMaxLevel, i.MaxLevel)
	s.WriteUint32(idxOffFreeIndexPageList, i.FreeIndexPageList)
	s.WriteUint32(idxOffKeyCount, i.KeyCount)
	s.WriteUint32(idxOffUniqueKeyCount, i.UniqueKeyCount)
}
