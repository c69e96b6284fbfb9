package txn

import (
	"github.com/pkg/errors"

	"go.docstore/internal/storage"
)

type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var errReadSnapshot = errors.New("snapshot is read only")

// Snapshot is a transaction's view of one collection. Read snapshots share
// cached buffers; write snapshots work on private copies and hold the
// collection lock until the transaction ends.
type Snapshot struct {
	tx          *Transaction
	mode        Mode
	name        string
	readVersion int

	pages      map[uint32]storage.Page
	shared     []*storage.PageBuffer
	collection *storage.CollectionPage
}

func newSnapshot(tx *Transaction, mode Mode, name string, addIfMissing bool) (*Snapshot, error) {
	m := tx.monitor
	if mode == Write {
		if err := m.locks.EnterLock(name); err != nil {
			return nil, err
		}
	}
	s := &Snapshot{
		tx:          tx,
		mode:        mode,
		name:        name,
		readVersion: m.wal.acquireReadVersion(),
		pages:       make(map[uint32]storage.Page),
	}

	var (
		colID  uint32
		exists bool
	)
	m.header.View(func(h *storage.HeaderPage) {
		colID, exists = h.GetCollectionPageID(name)
	})

	var err error
	switch {
	case exists:
		s.collection, err = s.GetCollectionPage(colID)
		if err != nil && mode == Read && errors.Is(err, storage.ErrInvalidPageType) {
			// created after this snapshot's version
			s.collection, err = nil, nil
		}
	case addIfMissing && mode == Write:
		_, err = s.CreateCollection(name)
	}
	if err != nil {
		s.dispose()
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) Mode() Mode { return s.mode }

func (s *Snapshot) CollectionName() string { return s.name }

func (s *Snapshot) ReadVersion() int { return s.readVersion }

// CollectionPage is nil when the collection does not exist.
func (s *Snapshot) CollectionPage() *storage.CollectionPage { return s.collection }

func (s *Snapshot) Transaction() *Transaction { return s.tx }

func (s *Snapshot) readBuffer(pageID uint32) (*storage.PageBuffer, error) {
	m := s.tx.monitor
	var (
		buf *storage.PageBuffer
		err error
	)
	if pos, ok := s.tx.logPages[pageID]; ok {
		buf, err = m.disk.ReadPage(pos, storage.OriginLog)
	} else if pos, ok := m.wal.GetPageIndex(pageID, s.readVersion); ok {
		buf, err = m.disk.ReadPage(pos, storage.OriginLog)
	} else {
		buf, err = m.disk.ReadPage(int64(pageID)*storage.PageSize, storage.OriginData)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read page %d", pageID)
	}

	if s.mode == Write {
		c := buf.Clone()
		c.Position = int64(pageID) * storage.PageSize
		c.Origin = storage.OriginNone
		return c, nil
	}
	buf.Share()
	s.shared = append(s.shared, buf)
	return buf, nil
}

func getPage[T storage.Page](s *Snapshot, pageID uint32, load func(*storage.PageBuffer) (T, error)) (T, error) {
	var zero T
	if pageID == storage.EmptyPageID {
		return zero, errors.Wrap(storage.ErrCorruptPage, "reference to empty page id")
	}
	if p, ok := s.pages[pageID]; ok {
		t, ok := p.(T)
		if !ok {
			return zero, errors.Wrapf(storage.ErrInvalidPageType, "page %d is %s", pageID, p.Base().PageType())
		}
		return t, nil
	}
	buf, err := s.readBuffer(pageID)
	if err != nil {
		return zero, err
	}
	t, err := load(buf)
	if err != nil {
		return zero, err
	}
	s.pages[pageID] = t
	return t, nil
}

func (s *Snapshot) GetCollectionPage(pageID uint32) (*storage.CollectionPage, error) {
	return getPage(s, pageID, storage.LoadCollectionPage)
}

func (s *Snapshot) GetDataPage(pageID uint32) (*storage.DataPage, error) {
	return getPage(s, pageID, storage.LoadDataPage)
}

func (s *Snapshot) GetIndexPage(pageID uint32) (*storage.IndexPage, error) {
	return getPage(s, pageID, storage.LoadIndexPage)
}

func (s *Snapshot) GetExtendPage(pageID uint32) (*storage.ExtendPage, error) {
	return getPage(s, pageID, storage.LoadExtendPage)
}

// GetPage loads a page with the view matching its stored type.
func (s *Snapshot) GetPage(pageID uint32) (storage.Page, error) {
	if p, ok := s.pages[pageID]; ok {
		return p, nil
	}
	buf, err := s.readBuffer(pageID)
	if err != nil {
		return nil, err
	}
	var p storage.Page
	switch buf.PageType() {
	case storage.PageTypeCollection:
		p, err = storage.LoadCollectionPage(buf)
	case storage.PageTypeData:
		p, err = storage.LoadDataPage(buf)
	case storage.PageTypeIndex:
		p, err = storage.LoadIndexPage(buf)
	case storage.PageTypeExtend:
		p, err = storage.LoadExtendPage(buf)
	case storage.PageTypeEmpty:
		p = storage.LoadBasePage(buf)
	default:
		err = errors.Wrapf(storage.ErrInvalidPageType, "page %d is %s", pageID, buf.PageType())
	}
	if err != nil {
		return nil, err
	}
	s.pages[pageID] = p
	return p, nil
}

func (s *Snapshot) allocate() (uint32, *storage.PageBuffer, error) {
	if s.mode != Write {
		return 0, nil, errReadSnapshot
	}
	id, err := s.tx.monitor.header.allocate()
	if err != nil {
		return 0, nil, err
	}
	s.tx.newPages = append(s.tx.newPages, id)
	buf := storage.NewPageBuffer()
	buf.Position = int64(id) * storage.PageSize
	return id, buf, nil
}

func (s *Snapshot) NewDataPage() (*storage.DataPage, error) {
	id, buf, err := s.allocate()
	if err != nil {
		return nil, err
	}
	p := storage.NewDataPage(buf, id)
	p.SetColID(s.collection.PageID())
	s.pages[id] = p
	return p, nil
}

func (s *Snapshot) NewIndexPage() (*storage.IndexPage, error) {
	id, buf, err := s.allocate()
	if err != nil {
		return nil, err
	}
	p := storage.NewIndexPage(buf, id)
	p.SetColID(s.collection.PageID())
	s.pages[id] = p
	return p, nil
}

func (s *Snapshot) NewExtendPage() (*storage.ExtendPage, error) {
	id, buf, err := s.allocate()
	if err != nil {
		return nil, err
	}
	p := storage.NewExtendPage(buf, id)
	p.SetColID(s.collection.PageID())
	s.pages[id] = p
	return p, nil
}

// DeletePage turns a page into an Empty page. It joins the free empty page
// list when the transaction commits.
func (s *Snapshot) DeletePage(pageID uint32) error {
	if s.mode != Write {
		return errReadSnapshot
	}
	p, err := s.GetPage(pageID)
	if err != nil {
		return err
	}
	base := p.Base()
	base.MarkAsEmpty()
	s.pages[pageID] = base
	return nil
}

// GetFreeDataPage returns a data page with room for a block of length
// document bytes, creating one when no free list tier guarantees the space.
func (s *Snapshot) GetFreeDataPage(length int) (*storage.DataPage, error) {
	need := length + storage.DataBlockHeaderSize
	for slot := storage.GetMinimumIndexSlot(need + storage.BlockSize); slot >= 0; slot-- {
		id := s.collection.FreeDataPageList[slot]
		if id == storage.EmptyPageID {
			continue
		}
		p, err := s.GetDataPage(id)
		if err != nil {
			return nil, err
		}
		if p.MaxFreePayload() >= need {
			return p, nil
		}
	}
	return s.NewDataPage()
}

// AddOrRemoveFreeDataList moves a data page to the free list tier matching
// its free space. A page left without blocks is deleted.
func (s *Snapshot) AddOrRemoveFreeDataList(p *storage.DataPage) error {
	col := s.collection
	current := p.PageListSlot()

	if p.ItemCount() == 0 {
		if current != storage.NoIndex {
			if err := s.removeFromList(p.BasePage, &col.FreeDataPageList[current]); err != nil {
				return err
			}
		}
		return s.DeletePage(p.PageID())
	}

	slot := storage.FreeIndexSlot(p.FreeBytes())
	if slot == current {
		return nil
	}
	if current != storage.NoIndex {
		if err := s.removeFromList(p.BasePage, &col.FreeDataPageList[current]); err != nil {
			return err
		}
	}
	if err := s.addToList(p.BasePage, &col.FreeDataPageList[slot]); err != nil {
		return err
	}
	p.SetPageListSlot(slot)
	return nil
}

// GetFreeIndexPage returns an index page able to take a node of length
// bytes from the head of the index's free list, or a new page.
func (s *Snapshot) GetFreeIndexPage(length int, head *uint32) (*storage.IndexPage, error) {
	if *head != storage.EmptyPageID {
		p, err := s.GetIndexPage(*head)
		if err != nil {
			return nil, err
		}
		if p.MaxFreePayload() >= length {
			return p, nil
		}
	}
	return s.NewIndexPage()
}

// AddOrRemoveFreeIndexList keeps an index page on its index's free list
// while it has room for a full-size node. Empty pages are deleted.
func (s *Snapshot) AddOrRemoveFreeIndexList(p *storage.IndexPage, head *uint32) error {
	onList := p.PageListSlot() == 0

	if p.ItemCount() == 0 {
		if onList {
			if err := s.removeFromList(p.BasePage, head); err != nil {
				return err
			}
		}
		return s.DeletePage(p.PageID())
	}

	switch wantList := p.FreeIndexSlot() == 0; {
	case wantList && !onList:
		if err := s.addToList(p.BasePage, head); err != nil {
			return err
		}
		p.SetPageListSlot(0)
	case !wantList && onList:
		if err := s.removeFromList(p.BasePage, head); err != nil {
			return err
		}
		p.SetPageListSlot(storage.NoIndex)
	}
	return nil
}

func (s *Snapshot) addToList(p *storage.BasePage, head *uint32) error {
	if *head != storage.EmptyPageID {
		next, err := s.GetPage(*head)
		if err != nil {
			return err
		}
		next.Base().SetPrevPageID(p.PageID())
	}
	p.SetPrevPageID(storage.EmptyPageID)
	p.SetNextPageID(*head)
	*head = p.PageID()
	s.collection.SetDirty()
	return nil
}

func (s *Snapshot) removeFromList(p *storage.BasePage, head *uint32) error {
	if prev := p.PrevPageID(); prev != storage.EmptyPageID {
		pp, err := s.GetPage(prev)
		if err != nil {
			return err
		}
		pp.Base().SetNextPageID(p.NextPageID())
	}
	if next := p.NextPageID(); next != storage.EmptyPageID {
		np, err := s.GetPage(next)
		if err != nil {
			return err
		}
		np.Base().SetPrevPageID(p.PrevPageID())
	}
	if *head == p.PageID() {
		*head = p.NextPageID()
	}
	p.SetPrevPageID(storage.EmptyPageID)
	p.SetNextPageID(storage.EmptyPageID)
	p.SetPageListSlot(storage.NoIndex)
	s.collection.SetDirty()
	return nil
}

// CreateCollection allocates the collection page. The header directory is
// updated when the transaction commits.
func (s *Snapshot) CreateCollection(name string) (*storage.CollectionPage, error) {
	if s.mode != Write {
		return nil, errReadSnapshot
	}
	if !storage.IsValidName(name, storage.MaxCollectionNameLength) {
		return nil, errors.Wrapf(storage.ErrInvalidName, "collection %q", name)
	}
	var err error
	s.tx.monitor.header.View(func(h *storage.HeaderPage) {
		if _, ok := h.GetCollectionPageID(name); ok {
			err = errors.Wrapf(storage.ErrCollectionExist, "%q", name)
		} else if 1+len(name)+4 > h.AvailableCollectionsSpace() {
			err = errors.Wrapf(storage.ErrCollectionLimitExceeded, "cannot add %q", name)
		}
	})
	if err != nil {
		return nil, err
	}

	id, buf, err := s.allocate()
	if err != nil {
		return nil, err
	}
	p := storage.NewCollectionPage(buf, id, name)
	p.SetColID(id)
	s.pages[id] = p
	s.collection = p
	s.tx.onCommit = append(s.tx.onCommit, func(h *storage.HeaderPage) error {
		return h.InsertCollection(name, id)
	})
	return p, nil
}

// DropCollection deletes the given pages and the collection page itself.
func (s *Snapshot) DropCollection(pages []uint32) error {
	if s.mode != Write {
		return errReadSnapshot
	}
	if s.collection == nil {
		return nil
	}
	for _, id := range pages {
		if err := s.DeletePage(id); err != nil {
			return err
		}
	}
	name := s.collection.Name
	if err := s.DeletePage(s.collection.PageID()); err != nil {
		return err
	}
	s.collection = nil
	s.tx.onCommit = append(s.tx.onCommit, func(h *storage.HeaderPage) error {
		h.DeleteCollection(name)
		return nil
	})
	return nil
}

// RenameCollection renames the collection page now and the header
// directory entry at commit.
func (s *Snapshot) RenameCollection(newName string) error {
	if s.mode != Write {
		return errReadSnapshot
	}
	if s.collection == nil {
		return errors.Errorf("collection %q not found", s.name)
	}
	if !storage.IsValidName(newName, storage.MaxCollectionNameLength) {
		return errors.Wrapf(storage.ErrInvalidName, "collection %q", newName)
	}
	var err error
	s.tx.monitor.header.View(func(h *storage.HeaderPage) {
		if _, ok := h.GetCollectionPageID(newName); ok {
			err = errors.Wrapf(storage.ErrCollectionExist, "%q", newName)
		}
	})
	if err != nil {
		return err
	}
	oldName := s.collection.Name
	s.collection.Name = newName
	s.collection.SetDirty()
	s.tx.onCommit = append(s.tx.onCommit, func(h *storage.HeaderPage) error {
		return h.RenameCollection(oldName, newName)
	})
	return nil
}

// dirtyPages lists pages changed by this snapshot.
func (s *Snapshot) dirtyPages() []storage.Page {
	if s.mode != Write {
		return nil
	}
	var out []storage.Page
	for _, p := range s.pages {
		if p.Base().IsDirty() {
			out = append(out, p)
		}
	}
	touched := len(out) > 0 || len(s.tx.logPages) > 0
	if touched && s.collection != nil && !s.collection.IsDirty() {
		s.collection.SetDirty()
		out = append(out, s.collection)
	}
	return out
}

func (s *Snapshot) dirtyCount() int {
	if s.mode != Write {
		return 0
	}
	n := 0
	for _, p := range s.pages {
		if p.Base().IsDirty() {
			n++
		}
	}
	return n
}

// forget drops pages flushed by a safepoint, keeping the collection page.
func (s *Snapshot) forget(ids map[uint32]int64) {
	for id := range ids {
		if s.collection != nil && id == s.collection.PageID() {
			continue
		}
		delete(s.pages, id)
	}
}

func (s *Snapshot) dispose() {
	for _, b := range s.shared {
		b.Release()
	}
	s.shared = nil
	s.pages = nil
	s.tx.monitor.wal.releaseReadVersion(s.readVersion)
	if s.mode == Write {
		s.tx.monitor.locks.ExitLock(s.name)
	}
}
