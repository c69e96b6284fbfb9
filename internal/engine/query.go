package engine

import (
	"iter"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/index"
	"go.docstore/internal/mergesort"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// Query selects documents through one index.
//
// Index defaults to _id and Op to index.OpAll. Where filters the documents
// the index yields. Without OrderBy, results follow the index key in
// Order; with it they are sorted by that path expression instead. Skip and
// Limit apply last; a zero Limit means no limit.
type Query struct {
	Index   string
	Op      index.Operator
	Values  []bson.Value
	Where   func(*bson.Document) bool
	OrderBy string
	Order   int
	Skip    int
	Limit   int
}

// ByID matches the document whose _id equals id.
func ByID(id bson.Value) Query {
	return Query{Op: index.OpEQ, Values: []bson.Value{id}}
}

// Find yields the documents matched by q. The sequence is only valid while
// the transaction is open.
func (t *Tx) Find(name string, q Query) iter.Seq2[*bson.Document, error] {
	return func(yield func(*bson.Document, error) bool) {
		c, err := t.open(name, txn.Read, false)
		if err != nil {
			yield(nil, err)
			return
		}
		if c.page == nil {
			return
		}
		stopped := false
		err = t.run(c, q, func(doc *bson.Document) bool {
			if !yield(doc, nil) {
				stopped = true
			}
			return !stopped
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// FindOne returns the first document matched by q, or nil.
func (t *Tx) FindOne(name string, q Query) (*bson.Document, error) {
	q.Limit = 1
	for doc, err := range t.Find(name, q) {
		return doc, err
	}
	return nil, nil
}

func (t *Tx) Count(name string, q Query) (int, error) {
	q.OrderBy = ""
	n := 0
	for _, err := range t.Find(name, q) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *Tx) Exists(name string, q Query) (bool, error) {
	doc, err := t.FindOne(name, q)
	return doc != nil, err
}

// run executes q over c and hands each result to emit until it returns
// false.
func (t *Tx) run(c *collection, q Query, emit func(*bson.Document) bool) error {
	idx := c.page.PK()
	if q.Index != "" {
		if idx = c.page.GetIndex(q.Index); idx == nil {
			return errors.Wrapf(storage.ErrIndexNotFound, "%q", q.Index)
		}
	}
	order := index.Ascending
	if q.Order == index.Descending {
		order = index.Descending
	}

	skip, taken := q.Skip, 0
	page := func(doc *bson.Document) bool {
		if skip > 0 {
			skip--
			return true
		}
		taken++
		if !emit(doc) {
			return false
		}
		return q.Limit <= 0 || taken < q.Limit
	}

	if q.OrderBy == "" {
		return t.scan(c, idx, q, order, func(_ storage.PageAddress, doc *bson.Document) bool {
			return page(doc)
		})
	}

	path, err := bson.ParsePath(q.OrderBy)
	if err != nil {
		return err
	}
	source := func(yield func(mergesort.Item, error) bool) {
		var stop bool
		err := t.scan(c, idx, q, index.Ascending, func(addr storage.PageAddress, doc *bson.Document) bool {
			stop = !yield(mergesort.Item{Key: path.First(doc), Value: addr}, nil)
			return !stop
		})
		if err != nil && !stop {
			yield(mergesort.Item{}, err)
		}
	}
	var readErr error
	err = t.engine.sorter.Sort(source, order, func(it mergesort.Item) bool {
		doc, err := c.data.Read(it.Value)
		if err != nil {
			readErr = err
			return false
		}
		return page(doc)
	})
	if err != nil {
		return err
	}
	return readErr
}

// scan visits each document reached through idx once, in index order,
// skipping those rejected by q.Where.
func (t *Tx) scan(c *collection, idx *storage.CollectionIndex, q Query, order int, fn func(storage.PageAddress, *bson.Document) bool) error {
	var seen map[storage.PageAddress]struct{}
	if !idx.IsPK() {
		seen = make(map[storage.PageAddress]struct{})
	}
	for node, err := range c.indexer.Scan(idx, q.Op, q.Values, order) {
		if err != nil {
			return err
		}
		addr := node.DataBlock()
		if seen != nil {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
		}
		doc, err := c.data.Read(addr)
		if err != nil {
			return err
		}
		if q.Where != nil && !q.Where(doc) {
			continue
		}
		if !fn(addr, doc) {
			return nil
		}
	}
	return nil
}
