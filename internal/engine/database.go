package engine

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/index"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

// Info is a summary of the open database file.
type Info struct {
	Path             string
	DataSize         int64
	LogSize          int64
	LastPageID       uint32
	Collections      []string
	Collation        string
	Encrypted        bool
	ReadOnly         bool
	UserVersion      int32
	Commits          uint64
	Checkpoints      uint64
	Analyzes         uint64
	Vacuums          uint64
	OpenTransactions int
	RebuildErrors    int
}

func (e *Engine) Info() (Info, error) {
	m, err := e.current()
	if err != nil {
		return Info{}, err
	}
	d := m.Disk()
	info := Info{
		Path:             e.path,
		DataSize:         d.DataLength(),
		LogSize:          d.LogLength(),
		Collation:        e.Collation().String(),
		Encrypted:        d.Encrypted(),
		ReadOnly:         d.ReadOnly(),
		OpenTransactions: m.OpenTransactions(),
		RebuildErrors:    len(m.RebuildErrors()),
	}
	m.Header().View(func(h *storage.HeaderPage) {
		info.LastPageID = h.LastPageID()
		info.Collections = h.GetCollections()
		info.UserVersion = h.UserVersion()
		info.Commits = h.Commits()
		info.Checkpoints = h.Checkpoints()
		info.Analyzes = h.Analyzes()
		info.Vacuums = h.Vacuums()
	})
	return info, nil
}

func (e *Engine) GetCollectionNames() ([]string, error) {
	m, err := e.current()
	if err != nil {
		return nil, err
	}
	var names []string
	m.Header().View(func(h *storage.HeaderPage) { names = h.GetCollections() })
	return names, nil
}

func (e *Engine) DropCollection(name string) (dropped bool, err error) {
	err = e.auto(func(tx *Tx) error {
		dropped, err = tx.DropCollection(name)
		return err
	})
	return dropped, err
}

func (e *Engine) RenameCollection(oldName, newName string) (renamed bool, err error) {
	err = e.auto(func(tx *Tx) error {
		renamed, err = tx.RenameCollection(oldName, newName)
		return err
	})
	return renamed, err
}

func (e *Engine) UserVersion() (int32, error) {
	m, err := e.current()
	if err != nil {
		return 0, err
	}
	var v int32
	m.Header().View(func(h *storage.HeaderPage) { v = h.UserVersion() })
	return v, nil
}

func (e *Engine) SetUserVersion(v int32) error {
	if e.cfg.ReadOnly {
		return storage.ErrReadOnly
	}
	return e.auto(func(tx *Tx) error {
		tx.tx.OnCommit(func(h *storage.HeaderPage) error {
			h.SetUserVersion(v)
			return nil
		})
		return nil
	})
}

// Analyze recounts the keys of every index of the named collections, or of
// all collections when none is named.
func (e *Engine) Analyze(names ...string) error {
	if e.cfg.ReadOnly {
		return storage.ErrReadOnly
	}
	if len(names) == 0 {
		var err error
		if names, err = e.GetCollectionNames(); err != nil {
			return err
		}
	}
	return e.auto(func(tx *Tx) error {
		for _, name := range names {
			if err := tx.analyze(name); err != nil {
				return errors.Wrapf(err, "analyze %q", name)
			}
		}
		tx.tx.OnCommit(func(h *storage.HeaderPage) error {
			h.IncrementAnalyzes()
			return nil
		})
		return nil
	})
}

// DropCollection deletes a collection with all of its pages.
func (t *Tx) DropCollection(name string) (bool, error) {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return false, err
	}
	indexPages, err := c.indexer.Pages()
	if err != nil {
		return false, err
	}
	dataPages, err := c.data.Pages()
	if err != nil {
		return false, err
	}
	if err := c.snap.DropCollection(append(indexPages, dataPages...)); err != nil {
		return false, err
	}
	t.engine.log.Infof("dropped collection %s (%d pages)", name, len(indexPages)+len(dataPages)+1)
	return true, nil
}

// RenameCollection gives a collection a new name. It reports false when
// oldName does not exist.
func (t *Tx) RenameCollection(oldName, newName string) (bool, error) {
	c, err := t.open(oldName, txn.Write, false)
	if err != nil || c.page == nil {
		return false, err
	}
	// holds the new name's lock so nothing creates it meanwhile
	target, err := t.tx.CreateSnapshot(txn.Write, newName, false)
	if err != nil {
		return false, err
	}
	if target.CollectionPage() != nil {
		return false, errors.Wrapf(storage.ErrCollectionExist, "%q", newName)
	}
	if err := c.snap.RenameCollection(newName); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tx) analyze(name string) error {
	c, err := t.open(name, txn.Write, false)
	if err != nil || c.page == nil {
		return err
	}
	for _, idx := range c.page.GetCollectionIndexes() {
		var (
			keys, unique uint32
			prev         bson.Value
		)
		for node, err := range c.indexer.FindAll(idx, index.Ascending) {
			if err != nil {
				return err
			}
			if keys == 0 || !t.collation.Equals(prev, node.Key()) {
				unique++
			}
			keys++
			prev = node.Key()
		}
		idx.KeyCount, idx.UniqueKeyCount = keys, unique
	}
	c.page.SetDirty()
	return nil
}
