// Package index maintains the skip-list indexes and the document data
// blocks of a collection inside one transaction snapshot.
package index

import (
	"iter"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// Iteration order of index scans.
const (
	Ascending  = 1
	Descending = -1
)

// IndexService reads and writes skip-list nodes through a snapshot.
type IndexService struct {
	snapshot  *txn.Snapshot
	collation bson.Collation
	coin      *Coin
}

func NewIndexService(s *txn.Snapshot, collation bson.Collation, coin *Coin) *IndexService {
	return &IndexService{snapshot: s, collation: collation, coin: coin}
}

func (s *IndexService) Collation() bson.Collation { return s.collation }

func (s *IndexService) collection() (*storage.CollectionPage, error) {
	col := s.snapshot.CollectionPage()
	if col == nil {
		return nil, errors.Errorf("collection %q does not exist", s.snapshot.CollectionName())
	}
	return col, nil
}

// CreateIndex registers a new index and writes its head and tail sentinels.
func (s *IndexService) CreateIndex(name, expression string, unique bool) (*storage.CollectionIndex, error) {
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	idx, err := col.InsertCollectionIndex(name, expression, unique)
	if err != nil {
		return nil, err
	}

	head, err := s.insertNode(idx, storage.MaxLevelLength, bson.MinValue(), storage.EmptyAddress)
	if err != nil {
		return nil, err
	}
	tail, err := s.insertNode(idx, storage.MaxLevelLength, bson.MaxValue(), storage.EmptyAddress)
	if err != nil {
		return nil, err
	}
	for i := 0; i < storage.MaxLevelLength; i++ {
		head.SetNext(i, tail.Position())
		tail.SetPrev(i, head.Position())
	}
	idx.Head = head.Position()
	idx.Tail = tail.Position()
	col.SetDirty()
	return idx, nil
}

func (s *IndexService) insertNode(idx *storage.CollectionIndex, level byte, key bson.Value, dataBlock storage.PageAddress) (*storage.IndexNode, error) {
	length, err := storage.IndexNodeLength(int(level), key)
	if err != nil {
		return nil, err
	}
	page, err := s.snapshot.GetFreeIndexPage(length, &idx.FreeIndexPageList)
	if err != nil {
		return nil, err
	}
	node, err := page.InsertIndexNode(idx.Slot, level, key, dataBlock)
	if err != nil {
		return nil, err
	}
	if err := s.snapshot.AddOrRemoveFreeIndexList(page, &idx.FreeIndexPageList); err != nil {
		return nil, err
	}
	return node, nil
}

// AddNode inserts key for the document at dataBlock. last is the previous
// node of the same document; the new node is chained after it. A duplicate
// key on a unique index fails before anything is written.
func (s *IndexService) AddNode(idx *storage.CollectionIndex, key bson.Value, dataBlock storage.PageAddress, last *storage.IndexNode) (*storage.IndexNode, error) {
	if key.IsMinValue() || key.IsMaxValue() {
		return nil, errors.Errorf("index %q: MinValue and MaxValue cannot be stored", idx.Name)
	}
	if _, err := bson.KeyLength(key); err != nil {
		return nil, errors.Wrapf(err, "index %q", idx.Name)
	}

	level := s.coin.Flip()
	maxLevel := idx.MaxLevel
	if level > maxLevel {
		maxLevel = level
	}

	// predecessors of the new node on every level; equal keys stay before it
	preds := make([]*storage.IndexNode, maxLevel)
	cur, err := s.GetNode(idx.Head)
	if err != nil {
		return nil, err
	}
	for i := int(maxLevel) - 1; i >= 0; i-- {
		for !cur.Next(i).IsEmpty() {
			next, err := s.GetNode(cur.Next(i))
			if err != nil {
				return nil, err
			}
			diff := s.collation.Compare(next.Key(), key)
			if diff == 0 && idx.Unique {
				return nil, errors.Wrapf(storage.ErrDuplicateKey, "index %q key %s", idx.Name, key)
			}
			if diff > 0 {
				break
			}
			cur = next
		}
		preds[i] = cur
	}

	node, err := s.insertNode(idx, level, key, dataBlock)
	if err != nil {
		return nil, err
	}
	if level > idx.MaxLevel {
		idx.MaxLevel = level
	}

	for i := 0; i < int(level); i++ {
		prev := preds[i]
		next, err := s.GetNode(prev.Next(i))
		if err != nil {
			return nil, err
		}
		node.SetPrev(i, prev.Position())
		node.SetNext(i, next.Position())
		prev.SetNext(i, node.Position())
		next.SetPrev(i, node.Position())
	}

	idx.KeyCount++
	if preds[0].Position() == idx.Head || !s.collation.Equals(preds[0].Key(), key) {
		idx.UniqueKeyCount++
	}

	if last != nil {
		if next := last.NextNode(); !next.IsEmpty() {
			nn, err := s.GetNode(next)
			if err != nil {
				return nil, err
			}
			nn.SetPrevNode(node.Position())
			node.SetNextNode(next)
		}
		last.SetNextNode(node.Position())
		node.SetPrevNode(last.Position())
	}
	s.snapshot.CollectionPage().SetDirty()
	return node, nil
}

// GetNode loads the node at addr.
func (s *IndexService) GetNode(addr storage.PageAddress) (*storage.IndexNode, error) {
	page, err := s.snapshot.GetIndexPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	return page.GetIndexNode(addr.Index)
}

// GetNodeList returns every node of the document whose chain starts at
// first, first included.
func (s *IndexService) GetNodeList(first storage.PageAddress) ([]*storage.IndexNode, error) {
	var out []*storage.IndexNode
	for addr := first; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
		addr = node.NextNode()
	}
	return out, nil
}

// DeleteAll removes every node of the document whose chain starts at the
// primary key node pk.
func (s *IndexService) DeleteAll(pk storage.PageAddress) error {
	nodes, err := s.GetNodeList(pk)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := s.DeleteNode(n); err != nil {
			return err
		}
	}
	return nil
}

// DeleteNode unlinks node from its skip list and its document chain and
// frees its segment.
func (s *IndexService) DeleteNode(node *storage.IndexNode) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	idx := col.GetIndexBySlot(node.Slot())
	if idx == nil {
		return errors.Wrapf(storage.ErrCorruptPage, "node %s belongs to unknown index slot %d", node.Position(), node.Slot())
	}

	prev0, err := s.GetNode(node.Prev(0))
	if err != nil {
		return err
	}
	next0, err := s.GetNode(node.Next(0))
	if err != nil {
		return err
	}
	sameAsPrev := prev0.Position() != idx.Head && s.collation.Equals(prev0.Key(), node.Key())
	sameAsNext := next0.Position() != idx.Tail && s.collation.Equals(next0.Key(), node.Key())

	for i := 0; i < int(node.Level()); i++ {
		prev, err := s.GetNode(node.Prev(i))
		if err != nil {
			return err
		}
		next, err := s.GetNode(node.Next(i))
		if err != nil {
			return err
		}
		prev.SetNext(i, next.Position())
		next.SetPrev(i, prev.Position())
	}
	if err := s.unchain(node); err != nil {
		return err
	}

	if idx.KeyCount > 0 {
		idx.KeyCount--
	}
	if !sameAsPrev && !sameAsNext && idx.UniqueKeyCount > 0 {
		idx.UniqueKeyCount--
	}

	page := node.Page()
	if err := page.DeleteIndexNode(node.Position().Index); err != nil {
		return err
	}
	col.SetDirty()
	return s.snapshot.AddOrRemoveFreeIndexList(page, &idx.FreeIndexPageList)
}

// unchain removes node from its document chain.
func (s *IndexService) unchain(node *storage.IndexNode) error {
	prev, next := node.PrevNode(), node.NextNode()
	if !prev.IsEmpty() {
		p, err := s.GetNode(prev)
		if err != nil {
			return err
		}
		p.SetNextNode(next)
	}
	if !next.IsEmpty() {
		n, err := s.GetNode(next)
		if err != nil {
			return err
		}
		n.SetPrevNode(prev)
	}
	node.SetPrevNode(storage.EmptyAddress)
	node.SetNextNode(storage.EmptyAddress)
	return nil
}

// DropIndex removes a secondary index: its nodes leave their document
// chains and all of its pages are deleted.
func (s *IndexService) DropIndex(name string) error {
	col, err := s.collection()
	if err != nil {
		return err
	}
	idx := col.GetIndex(name)
	if idx == nil {
		return errors.Wrapf(storage.ErrIndexNotFound, "%q", name)
	}
	if idx.IsPK() {
		return storage.ErrDropPrimaryKey
	}

	pages := map[uint32]struct{}{}
	for addr := idx.Head; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return err
		}
		pages[addr.PageID] = struct{}{}
		addr = node.Next(0)
		if err := s.unchain(node); err != nil {
			return err
		}
	}
	for id := range pages {
		if err := s.snapshot.DeletePage(id); err != nil {
			return err
		}
	}
	return col.DeleteCollectionIndex(name)
}

// Pages lists the index pages of every index of the collection.
func (s *IndexService) Pages() ([]uint32, error) {
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	seen := map[uint32]struct{}{}
	var ids []uint32
	for _, idx := range col.GetCollectionIndexes() {
		for addr := idx.Head; !addr.IsEmpty(); {
			if _, ok := seen[addr.PageID]; !ok {
				seen[addr.PageID] = struct{}{}
				ids = append(ids, addr.PageID)
			}
			node, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			addr = node.Next(0)
		}
	}
	return ids, nil
}

// Find returns the first node, in the given order, whose key equals value.
// With sibling set it instead returns the first node at or past value, so
// a missing key positions the scan at its neighbour. nil means none.
func (s *IndexService) Find(idx *storage.CollectionIndex, value bson.Value, sibling bool, order int) (*storage.IndexNode, error) {
	asc := order == Ascending
	start := idx.Head
	if !asc {
		start = idx.Tail
	}
	cur, err := s.GetNode(start)
	if err != nil {
		return nil, err
	}

	for i := int(idx.MaxLevel) - 1; i >= 0; i-- {
		for {
			addr := cur.NextPrev(i, asc)
			if addr.IsEmpty() {
				break
			}
			next, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			if next.Key().IsMinValue() || next.Key().IsMaxValue() {
				break
			}
			if s.collation.Compare(next.Key(), value)*order >= 0 {
				break
			}
			cur = next
		}
	}

	addr := cur.NextPrev(0, asc)
	if addr.IsEmpty() {
		return nil, nil
	}
	node, err := s.GetNode(addr)
	if err != nil {
		return nil, err
	}
	if node.Key().IsMinValue() || node.Key().IsMaxValue() {
		return nil, nil
	}
	if !sibling && !s.collation.Equals(node.Key(), value) {
		return nil, nil
	}
	return node, nil
}

// FindAll walks every node of idx in order.
func (s *IndexService) FindAll(idx *storage.CollectionIndex, order int) iter.Seq2[*storage.IndexNode, error] {
	return func(yield func(*storage.IndexNode, error) bool) {
		start := idx.Head
		if order != Ascending {
			start = idx.Tail
		}
		first, err := s.GetNode(start)
		if err != nil {
			yield(nil, err)
			return
		}
		s.walk(first.NextPrev(0, order == Ascending), order, func(*storage.IndexNode) bool { return true }, yield)
	}
}

// walk yields nodes from addr onward while keep accepts them.
func (s *IndexService) walk(addr storage.PageAddress, order int, keep func(*storage.IndexNode) bool, yield func(*storage.IndexNode, error) bool) {
	for !addr.IsEmpty() {
		node, err := s.GetNode(addr)
		if err != nil {
			yield(nil, err)
			return
		}
		if node.Key().IsMinValue() || node.Key().IsMaxValue() {
			return
		}
		if !keep(node) {
			return
		}
		addr = node.NextPrev(0, order == Ascending)
		if !yield(node, nil) {
			return
		}
	}
}

// Min returns the first node of idx, nil when it is empty.
func (s *IndexService) Min(idx *storage.CollectionIndex) (*storage.IndexNode, error) {
	return s.edge(idx.Head, true)
}

// Max returns the last node of idx, nil when it is empty.
func (s *IndexService) Max(idx *storage.CollectionIndex) (*storage.IndexNode, error) {
	return s.edge(idx.Tail, false)
}

func (s *IndexService) edge(sentinel storage.PageAddress, asc bool) (*storage.IndexNode, error) {
	n, err := s.GetNode(sentinel)
	if err != nil {
		return nil, err
	}
	node, err := s.GetNode(n.NextPrev(0, asc))
	if err != nil {
		return nil, err
	}
	if node.Key().IsMinValue() || node.Key().IsMaxValue() {
		return nil, nil
	}
	return node, nil
}
