package index

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/codec"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// DataService stores serialized documents in data blocks. A document that
// does not fit one block gets an extend head block pointing at a chain of
// extend pages.
type DataService struct {
	snapshot *txn.Snapshot
	codec    *codec.Codec
}

func NewDataService(s *txn.Snapshot, c *codec.Codec) *DataService {
	return &DataService{snapshot: s, codec: c}
}

func (s *DataService) encode(doc *bson.Document) ([]byte, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(storage.ErrDocumentMaxSize, err.Error())
	}
	data, err := s.codec.Encode(raw)
	if err != nil {
		return nil, err
	}
	if len(data) > bson.MaxDocumentSize {
		return nil, errors.Wrapf(storage.ErrDocumentMaxSize, "%d bytes", len(data))
	}
	return data, nil
}

// Insert writes doc and returns the address of its head block.
func (s *DataService) Insert(doc *bson.Document) (storage.PageAddress, error) {
	data, err := s.encode(doc)
	if err != nil {
		return storage.EmptyAddress, err
	}
	return s.insert(data)
}

func (s *DataService) insert(data []byte) (storage.PageAddress, error) {
	extend := len(data) > storage.MaxDataBytesPerPage
	length := len(data)
	if extend {
		length = 0
	}

	page, err := s.snapshot.GetFreeDataPage(length)
	if err != nil {
		return storage.EmptyAddress, err
	}
	block, err := page.InsertBlock(length, extend)
	if err != nil {
		return storage.EmptyAddress, err
	}
	if extend {
		first, err := s.writeExtend(data, nil)
		if err != nil {
			return storage.EmptyAddress, err
		}
		block.SetNextBlock(storage.NewPageAddress(first, 0))
	} else {
		block.Buffer().WriteBytes(0, data)
	}
	if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
		return storage.EmptyAddress, err
	}
	return block.Position(), nil
}

// writeExtend spreads data over extend pages, reusing the pages in reuse
// first and deleting those left over. It returns the first page id.
func (s *DataService) writeExtend(data []byte, reuse []uint32) (uint32, error) {
	var (
		first = storage.EmptyPageID
		prev  *storage.ExtendPage
	)
	for len(data) > 0 {
		var (
			page *storage.ExtendPage
			err  error
		)
		if len(reuse) > 0 {
			page, err = s.snapshot.GetExtendPage(reuse[0])
			reuse = reuse[1:]
		} else {
			page, err = s.snapshot.NewExtendPage()
		}
		if err != nil {
			return storage.EmptyPageID, err
		}
		n := page.SetData(data)
		data = data[n:]
		page.SetNextPageID(storage.EmptyPageID)

		if prev == nil {
			first = page.PageID()
		} else {
			prev.SetNextPageID(page.PageID())
		}
		prev = page
	}
	for _, id := range reuse {
		if err := s.snapshot.DeletePage(id); err != nil {
			return storage.EmptyPageID, err
		}
	}
	return first, nil
}

// extendPages lists the extend chain hanging off an extend head block.
func (s *DataService) extendPages(block *storage.DataBlock) ([]uint32, error) {
	var ids []uint32
	for id := block.NextBlock().PageID; id != storage.EmptyPageID; {
		page, err := s.snapshot.GetExtendPage(id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		id = page.NextPageID()
	}
	return ids, nil
}

// ReadBytes returns the stored, still encoded, bytes of the document at addr.
func (s *DataService) ReadBytes(addr storage.PageAddress) ([]byte, error) {
	block, err := s.GetBlock(addr)
	if err != nil {
		return nil, err
	}
	if !block.Extend() {
		return block.Buffer().ReadBytes(0, block.Length()), nil
	}
	var out []byte
	for id := block.NextBlock().PageID; id != storage.EmptyPageID; {
		page, err := s.snapshot.GetExtendPage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, page.GetData()...)
		id = page.NextPageID()
	}
	return out, nil
}

// Read decodes the document at addr.
func (s *DataService) Read(addr storage.PageAddress) (*bson.Document, error) {
	data, err := s.ReadBytes(addr)
	if err != nil {
		return nil, err
	}
	raw, err := s.codec.Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "document at %s", addr)
	}
	doc, err := bson.Unmarshal(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "document at %s", addr)
	}
	return doc, nil
}

func (s *DataService) GetBlock(addr storage.PageAddress) (*storage.DataBlock, error) {
	page, err := s.snapshot.GetDataPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	return page.GetBlock(addr.Index)
}

// Update rewrites the document at addr. The head block keeps its address
// when its page has room for the new size; otherwise the document moves
// and the new address is returned.
func (s *DataService) Update(addr storage.PageAddress, doc *bson.Document) (storage.PageAddress, error) {
	data, err := s.encode(doc)
	if err != nil {
		return storage.EmptyAddress, err
	}
	block, err := s.GetBlock(addr)
	if err != nil {
		return storage.EmptyAddress, err
	}
	page := block.Page()

	var chain []uint32
	if block.Extend() {
		if chain, err = s.extendPages(block); err != nil {
			return storage.EmptyAddress, err
		}
	}

	if len(data) > storage.MaxDataBytesPerPage {
		// shrinking to an empty head always fits
		if block, err = page.UpdateBlock(block, 0); err != nil {
			return storage.EmptyAddress, err
		}
		first, err := s.writeExtend(data, chain)
		if err != nil {
			return storage.EmptyAddress, err
		}
		block.SetExtend(true)
		block.SetNextBlock(storage.NewPageAddress(first, 0))
		return addr, s.snapshot.AddOrRemoveFreeDataList(page)
	}

	for _, id := range chain {
		if err := s.snapshot.DeletePage(id); err != nil {
			return storage.EmptyAddress, err
		}
	}
	updated, err := page.UpdateBlock(block, len(data))
	switch {
	case err == nil:
		updated.SetExtend(false)
		updated.SetNextBlock(storage.EmptyAddress)
		updated.Buffer().WriteBytes(0, data)
		return addr, s.snapshot.AddOrRemoveFreeDataList(page)
	case errors.Is(err, storage.ErrPageFull):
	default:
		return storage.EmptyAddress, err
	}

	// no room left on this page: move the document
	if err := page.DeleteBlock(addr.Index); err != nil {
		return storage.EmptyAddress, err
	}
	if err := s.snapshot.AddOrRemoveFreeDataList(page); err != nil {
		return storage.EmptyAddress, err
	}
	return s.insert(data)
}

// Delete frees the blocks and extend pages of the document at addr.
func (s *DataService) Delete(addr storage.PageAddress) error {
	block, err := s.GetBlock(addr)
	if err != nil {
		return err
	}
	if block.Extend() {
		chain, err := s.extendPages(block)
		if err != nil {
			return err
		}
		for _, id := range chain {
			if err := s.snapshot.DeletePage(id); err != nil {
				return err
			}
		}
	}
	page := block.Page()
	if err := page.DeleteBlock(addr.Index); err != nil {
		return err
	}
	return s.snapshot.AddOrRemoveFreeDataList(page)
}

// Pages lists every data and extend page of the collection. Each data page
// holding blocks sits on one of the free data page lists.
func (s *DataService) Pages() ([]uint32, error) {
	col := s.snapshot.CollectionPage()
	if col == nil {
		return nil, nil
	}
	var ids []uint32
	for _, head := range col.FreeDataPageList {
		for id := head; id != storage.EmptyPageID; {
			page, err := s.snapshot.GetDataPage(id)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			for _, addr := range page.GetBlocks() {
				block, err := page.GetBlock(addr.Index)
				if err != nil {
					return nil, err
				}
				if !block.Extend() {
					continue
				}
				chain, err := s.extendPages(block)
				if err != nil {
					return nil, err
				}
				ids = append(ids, chain...)
			}
			id = page.NextPageID()
		}
	}
	return ids, nil
}
