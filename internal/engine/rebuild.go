package engine

import (
	"os"

	"github.com/pkg/errors"

	"go.docstore/internal/disk"
	"go.docstore/internal/mergesort"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

const backupSuffix = "-backup"

// RebuildOptions change file settings while rebuilding. Nil fields keep the
// current value; an empty Password removes encryption.
type RebuildOptions struct {
	Password  *string
	Collation *string
}

// Rebuild copies every collection, index definition and the user version
// into a fresh file that replaces the current one. The previous file is
// kept next to it with a -backup suffix. It returns the number of bytes
// saved.
func (e *Engine) Rebuild(opts RebuildOptions) (int64, error) {
	if e.cfg.ReadOnly {
		return 0, storage.ErrReadOnly
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.monitor
	if m == nil {
		return 0, ErrClosed
	}
	if n := m.OpenTransactions(); n > 0 {
		return 0, errors.Errorf("rebuild needs exclusive access, %d transactions open", n)
	}
	if _, err := m.Checkpoint(txn.CheckpointFull); err != nil {
		return 0, err
	}
	before := m.Disk().DataLength()

	cfg := e.cfg
	cfg.Checkpoint = 0
	cfg.Collation = e.collation.String()
	if opts.Password != nil {
		cfg.Password = *opts.Password
	}
	if opts.Collation != nil {
		cfg.Collation = *opts.Collation
	}

	tmp := e.path + ".rebuild"
	removeDatabase(tmp)
	dst, err := New(tmp, cfg, e.log)
	if err != nil {
		return 0, errors.Wrap(err, "create rebuild file")
	}
	if err := e.copyInto(m, dst); err != nil {
		_ = dst.Abandon()
		removeDatabase(tmp)
		return 0, errors.Wrap(err, "copy into rebuild file")
	}
	if err := dst.Close(); err != nil {
		removeDatabase(tmp)
		return 0, err
	}

	// from here on the engine is closed until the new file is open
	e.monitor = nil
	if err := m.Close(); err != nil {
		return 0, err
	}
	removeDatabase(e.path + backupSuffix)
	if err := os.Rename(e.path, e.path+backupSuffix); err != nil {
		return 0, errors.Wrap(err, "keep backup")
	}
	_ = os.Remove(e.path + disk.LogSuffix)
	if err := os.Rename(tmp, e.path); err != nil {
		return 0, errors.Wrap(err, "replace data file")
	}
	_ = os.Remove(tmp + disk.LogSuffix)

	e.cfg.Password = cfg.Password
	previous := e.collation
	if err := e.openMonitor(); err != nil {
		return 0, errors.Wrap(err, "reopen rebuilt file")
	}
	if e.collation != previous {
		if err := e.sorter.Close(); err != nil {
			e.log.Warnf("close sort files: %v", err)
		}
		e.sorter = mergesort.NewService(e.path, e.cfg.SortContainerSize, e.collation, e.log)
	}
	after := e.monitor.Disk().DataLength()
	e.log.Infof("rebuilt %s: %d -> %d bytes", e.path, before, after)
	return before - after, nil
}

// copyInto writes the content of m into dst, one transaction per
// collection.
func (e *Engine) copyInto(m *txn.Monitor, dst *Engine) error {
	t, err := m.BeginTrans(false)
	if err != nil {
		return err
	}
	src := &Tx{engine: e, tx: t, collation: e.collation}
	defer t.Dispose()

	var (
		names   []string
		version int32
	)
	m.Header().View(func(h *storage.HeaderPage) {
		names = h.GetCollections()
		version = h.UserVersion()
	})

	for _, name := range names {
		if err := copyCollection(src, dst, name); err != nil {
			return errors.Wrapf(err, "collection %q", name)
		}
	}
	return dst.auto(func(tx *Tx) error {
		tx.tx.OnCommit(func(h *storage.HeaderPage) error {
			h.SetUserVersion(version)
			h.IncrementVacuums()
			return nil
		})
		return nil
	})
}

func copyCollection(src *Tx, dst *Engine, name string) error {
	indexes, err := src.Indexes(name)
	if err != nil {
		return err
	}
	tx, err := dst.BeginTrans()
	if err != nil {
		return err
	}
	defer tx.tx.Dispose()

	c, err := tx.open(name, txn.Write, true)
	if err != nil {
		return err
	}
	for _, idx := range indexes {
		if idx.Name == "_id" {
			continue
		}
		if _, err := tx.EnsureIndex(name, idx.Name, idx.Expression, idx.Unique); err != nil {
			return err
		}
	}
	for doc, err := range src.Find(name, Query{}) {
		if err != nil {
			return err
		}
		if err := tx.insert(c, doc, AutoObjectID); err != nil {
			return err
		}
		if err := tx.tx.Safepoint(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func removeDatabase(path string) {
	_ = os.Remove(path)
	_ = os.Remove(path + disk.LogSuffix)
}
