package storage

import (
	"fmt"
	"math"
)

// EmptyPageID marks the absence of a page in any page pointer.
const EmptyPageID uint32 = math.MaxUint32

// NoIndex marks the absence of a slot index.
const NoIndex byte = math.MaxUint8

// PageAddressSize is the serialized size of a PageAddress.
const PageAddressSize = 5

// PageAddress locates a segment: page id plus slot index within the page.
type PageAddress struct {
	PageID uint32
	Index  byte
}

var EmptyAddress = PageAddress{PageID: EmptyPageID, Index: NoIndex}

func NewPageAddress(pageID uint32, index byte) PageAddress {
	return PageAddress{PageID: pageID, Index: index}
}

func (a PageAddress) IsEmpty() bool {
	return a.PageID == EmptyPageID && a.Index == NoIndex
}

func (a PageAddress) String() string {
	if a.IsEmpty() {
		return "(empty)"
	}
	return fmt.Sprintf("%d:%d", a.PageID, a.Index)
}
