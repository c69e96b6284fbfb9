package engine

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/index"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// Tx is an engine transaction. Writes to a collection hold its lock until
// Commit or Rollback, so a goroutine holding an explicit Tx must not write
// the same collection through another transaction. Tx is not safe for
// concurrent use.
type Tx struct {
	engine    *Engine
	tx        *txn.Transaction
	collation bson.Collation
	// failed is set when an explicit transaction could not undo a
	// partial change; it can then only be rolled back.
	failed error
}

// collection bundles the services working on one collection snapshot.
type collection struct {
	snap    *txn.Snapshot
	page    *storage.CollectionPage
	indexer *index.IndexService
	data    *index.DataService
}

// open returns the collection services, creating the collection and its
// _id index when create is set. page is nil when the collection does not
// exist.
func (t *Tx) open(name string, mode txn.Mode, create bool) (*collection, error) {
	if t.failed != nil {
		return nil, errors.Wrapf(storage.ErrInvalidTxState, "transaction failed: %v", t.failed)
	}
	s, err := t.tx.CreateSnapshot(mode, name, create)
	if err != nil {
		return nil, err
	}
	c := &collection{
		snap:    s,
		page:    s.CollectionPage(),
		indexer: index.NewIndexService(s, t.collation, t.engine.coin),
		data:    index.NewDataService(s, t.engine.codec),
	}
	if c.page != nil && c.page.PK() == nil {
		if _, err := c.indexer.CreateIndex("_id", "_id", true); err != nil {
			return nil, errors.Wrapf(err, "create _id index of %q", name)
		}
	}
	return c, nil
}

// secondary returns the indexes other than _id.
func (c *collection) secondary() []*storage.CollectionIndex {
	return c.page.GetCollectionIndexes()[1:]
}

func (t *Tx) ID() storage.TxID { return t.tx.ID() }

// fail records err against an explicit transaction and returns it.
func (t *Tx) fail(err error) error {
	if t.tx.Explicit() && t.failed == nil {
		t.failed = err
	}
	return err
}

// Commit fails and rolls back a transaction holding a partial change.
func (t *Tx) Commit() error {
	if t.failed != nil {
		if err := t.tx.Rollback(); err != nil {
			t.engine.log.Errorf("rollback failed transaction %d: %v", t.tx.ID(), err)
		}
		return errors.Wrapf(storage.ErrInvalidTxState, "transaction failed: %v", t.failed)
	}
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
