package engine

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/index"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

type IndexInfo struct {
	Name           string
	Expression     string
	Unique         bool
	MaxLevel       int
	KeyCount       uint32
	UniqueKeyCount uint32
}

// EnsureIndex creates an index over expression and fills it from the
// existing documents. An index of the same name and definition is left
// alone; a different definition is an error.
func (t *Tx) EnsureIndex(name, indexName, expression string, unique bool) (bool, error) {
	path, err := bson.ParsePath(expression)
	if err != nil {
		return false, err
	}
	c, err := t.open(name, txn.Write, true)
	if err != nil {
		return false, err
	}
	if idx := c.page.GetIndex(indexName); idx != nil {
		if idx.Expression == path.String() && idx.Unique == unique {
			return false, nil
		}
		return false, errors.Wrapf(storage.ErrIndexExists, "%q on %s", indexName, idx.Expression)
	}

	idx, err := c.indexer.CreateIndex(indexName, expression, unique)
	if err != nil {
		return false, err
	}

	// collect first: no scan may be open across a safepoint
	type entry struct{ pk, block storage.PageAddress }
	var docs []entry
	for node, err := range c.indexer.FindAll(c.page.PK(), index.Ascending) {
		if err != nil {
			return false, err
		}
		docs = append(docs, entry{node.Position(), node.DataBlock()})
	}
	for _, d := range docs {
		doc, err := c.data.Read(d.block)
		if err != nil {
			return false, err
		}
		pk, err := c.indexer.GetNode(d.pk)
		if err != nil {
			return false, err
		}
		for _, key := range idx.Keys(doc, t.collation) {
			if _, err := c.indexer.AddNode(idx, key, d.block, pk); err != nil {
				return false, err
			}
		}
		if err := t.tx.Safepoint(); err != nil {
			return false, err
		}
	}
	t.engine.log.Infof("created index %s.%s on %s (%d documents)", name, indexName, idx.Expression, len(docs))
	return true, nil
}

// DropIndex removes a secondary index. It reports false when the
// collection or the index does not exist.
func (t *Tx) DropIndex(name, indexName string) (bool, error) {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return false, err
	}
	if err := c.indexer.DropIndex(indexName); err != nil {
		if errors.Is(err, storage.ErrIndexNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Indexes describes the indexes of a collection ordered by slot.
func (t *Tx) Indexes(name string) ([]IndexInfo, error) {
	c, err := t.open(name, txn.Read, false)
	if err != nil || c.page == nil {
		return nil, err
	}
	var out []IndexInfo
	for _, idx := range c.page.GetCollectionIndexes() {
		out = append(out, IndexInfo{
			Name:           idx.Name,
			Expression:     idx.Expression,
			Unique:         idx.Unique,
			MaxLevel:       int(idx.MaxLevel),
			KeyCount:       idx.KeyCount,
			UniqueKeyCount: idx.UniqueKeyCount,
		})
	}
	return out, nil
}
