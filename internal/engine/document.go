package engine

import (
	"math"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/index"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// Insert stores docs, filling a missing _id as autoID says. The _id is
// set on the caller's document.
func (t *Tx) Insert(name string, docs []*bson.Document, autoID AutoID) (int, error) {
	c, err := t.open(name, txn.Write, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		if err := t.insert(c, doc, autoID); err != nil {
			return n, err
		}
		n++
		if err := t.tx.Safepoint(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *Tx) insert(c *collection, doc *bson.Document, autoID AutoID) error {
	id, err := t.documentID(c, doc, autoID)
	if err != nil {
		return err
	}
	addr, err := c.data.Insert(doc)
	if err != nil {
		return err
	}
	pk, err := c.indexer.AddNode(c.page.PK(), id, addr, nil)
	if err != nil {
		return t.undoInsert(c, addr, nil, err)
	}
	for _, idx := range c.secondary() {
		for _, key := range idx.Keys(doc, t.collation) {
			if _, err := c.indexer.AddNode(idx, key, addr, pk); err != nil {
				return t.undoInsert(c, addr, pk, err)
			}
		}
		if err := t.engine.fire("insert:" + idx.Name); err != nil {
			return t.undoInsert(c, addr, pk, err)
		}
	}
	c.page.DocumentCount++
	c.page.SetDirty()
	return nil
}

// undoInsert removes the partial work of a failed insert so an explicit
// transaction stays usable. Auto transactions are rolled back instead.
func (t *Tx) undoInsert(c *collection, addr storage.PageAddress, pk *storage.IndexNode, cause error) error {
	if !t.tx.Explicit() {
		return cause
	}
	if pk != nil {
		if err := c.indexer.DeleteAll(pk.Position()); err != nil {
			t.engine.log.Errorf("undo insert: remove index nodes: %v", err)
			return t.fail(cause)
		}
	}
	if err := c.data.Delete(addr); err != nil {
		t.engine.log.Errorf("undo insert: remove data: %v", err)
		return t.fail(cause)
	}
	return cause
}

// documentID returns the _id of doc, assigning one when it is missing. The
// collection sequence follows the highest integer id seen.
func (t *Tx) documentID(c *collection, doc *bson.Document, autoID AutoID) (bson.Value, error) {
	if id, ok := doc.ID(); ok {
		switch id.Kind() {
		case bson.NullKind, bson.MinValueKind, bson.MaxValueKind, bson.ArrayKind:
			return id, errors.Wrapf(storage.ErrInvalidID, "_id of kind %s", id.Kind())
		case bson.Int32Kind, bson.Int64Kind:
			if id.AsInt64() > c.page.Sequence {
				c.page.Sequence = id.AsInt64()
				c.page.SetDirty()
			}
		}
		return id, nil
	}

	var id bson.Value
	switch autoID {
	case AutoInt32, AutoInt64:
		if err := t.loadSequence(c); err != nil {
			return id, err
		}
		next := c.page.Sequence + 1
		if autoID == AutoInt32 {
			if next > math.MaxInt32 {
				return id, errors.Wrap(storage.ErrInvalidID, "int32 sequence exhausted")
			}
			id = bson.Int32(int32(next))
		} else {
			id = bson.Int64(next)
		}
		c.page.Sequence = next
		c.page.SetDirty()
	default:
		id = bson.OID(bson.NewObjectID())
	}
	doc.Set("_id", id)
	return id, nil
}

// loadSequence starts an unset sequence at the largest integer _id.
func (t *Tx) loadSequence(c *collection) error {
	if c.page.Sequence != 0 {
		return nil
	}
	last, err := c.indexer.Max(c.page.PK())
	if err != nil || last == nil {
		return err
	}
	if k := last.Key(); k.Kind() == bson.Int32Kind || k.Kind() == bson.Int64Kind {
		c.page.Sequence = k.AsInt64()
	}
	return nil
}

// Update replaces documents matched by _id and returns how many existed.
func (t *Tx) Update(name string, docs []*bson.Document) (int, error) {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		ok, err := t.update(c, doc)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
		if err := t.tx.Safepoint(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *Tx) update(c *collection, doc *bson.Document) (bool, error) {
	id, ok := doc.ID()
	if !ok {
		return false, errors.Wrap(storage.ErrInvalidID, "document has no _id")
	}
	pk, err := c.indexer.Find(c.page.PK(), id, false, index.Ascending)
	if err != nil || pk == nil {
		return false, err
	}

	nodes, err := c.indexer.GetNodeList(pk.Position())
	if err != nil {
		return false, err
	}
	if err := t.checkUnique(c, doc, nodes); err != nil {
		return false, err
	}

	// pages change from here on; a failure leaves the document half updated
	addr, err := c.data.Update(pk.DataBlock(), doc)
	if err != nil {
		return false, t.fail(err)
	}
	if addr != pk.DataBlock() {
		for _, node := range nodes {
			node.SetDataBlock(addr)
		}
	}

	for _, idx := range c.secondary() {
		keys := idx.Keys(doc, t.collation)
		var kept []bson.Value
		for _, node := range nodes {
			if node.Slot() != idx.Slot {
				continue
			}
			if t.contains(keys, node.Key()) {
				kept = append(kept, node.Key())
				continue
			}
			if err := c.indexer.DeleteNode(node); err != nil {
				return false, t.fail(err)
			}
		}
		for _, key := range keys {
			if t.contains(kept, key) {
				continue
			}
			if _, err := c.indexer.AddNode(idx, key, addr, pk); err != nil {
				return false, t.fail(err)
			}
		}
		if err := t.engine.fire("update:" + idx.Name); err != nil {
			return false, t.fail(err)
		}
	}
	return true, nil
}

// checkUnique fails with ErrDuplicateKey when doc would add a key to a
// unique index that another document already holds. nodes are the index
// nodes of the stored version of doc.
func (t *Tx) checkUnique(c *collection, doc *bson.Document, nodes []*storage.IndexNode) error {
	for _, idx := range c.secondary() {
		if !idx.Unique {
			continue
		}
		var held []bson.Value
		for _, node := range nodes {
			if node.Slot() == idx.Slot {
				held = append(held, node.Key())
			}
		}
		for _, key := range idx.Keys(doc, t.collation) {
			if t.contains(held, key) {
				continue
			}
			found, err := c.indexer.Find(idx, key, false, index.Ascending)
			if err != nil {
				return err
			}
			if found != nil {
				return errors.Wrapf(storage.ErrDuplicateKey, "index %q key %s", idx.Name, key)
			}
		}
	}
	return nil
}

func (t *Tx) contains(values []bson.Value, v bson.Value) bool {
	for _, x := range values {
		if t.collation.Equals(x, v) {
			return true
		}
	}
	return false
}

// Upsert updates the documents whose _id exists and inserts the others. It
// returns the number inserted.
func (t *Tx) Upsert(name string, docs []*bson.Document, autoID AutoID) (int, error) {
	c, err := t.open(name, txn.Write, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, doc := range docs {
		updated := false
		if _, ok := doc.ID(); ok {
			if updated, err = t.update(c, doc); err != nil {
				return n, err
			}
		}
		if !updated {
			if err := t.insert(c, doc, autoID); err != nil {
				return n, err
			}
			n++
		}
		if err := t.tx.Safepoint(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Delete removes the documents with the given ids and returns how many
// were found.
func (t *Tx) Delete(name string, ids ...bson.Value) (int, error) {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return 0, err
	}
	return t.deleteIDs(c, ids)
}

func (t *Tx) deleteIDs(c *collection, ids []bson.Value) (int, error) {
	n := 0
	for _, id := range ids {
		pk, err := c.indexer.Find(c.page.PK(), id, false, index.Ascending)
		if err != nil {
			return n, err
		}
		if pk == nil {
			continue
		}
		if err := c.data.Delete(pk.DataBlock()); err != nil {
			return n, t.fail(err)
		}
		if err := c.indexer.DeleteAll(pk.Position()); err != nil {
			return n, t.fail(err)
		}
		c.page.DocumentCount--
		c.page.SetDirty()
		n++
		if err := t.tx.Safepoint(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// DeleteMany removes every document matched by q.
func (t *Tx) DeleteMany(name string, q Query) (int, error) {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return 0, err
	}
	q.OrderBy = ""
	var ids []bson.Value
	err = t.run(c, q, func(doc *bson.Document) bool {
		id, _ := doc.ID()
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return 0, err
	}
	return t.deleteIDs(c, ids)
}
