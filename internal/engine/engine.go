// Package engine is the document database facade. Every operation runs in
// a transaction, either one opened by the caller with BeginTrans or one the
// engine opens and commits around a single call.
package engine

import (
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/codec"
	"go.docstore/internal/config"
	"go.docstore/internal/disk"
	"go.docstore/internal/index"
	"go.docstore/internal/logger"
	"go.docstore/internal/mergesort"
	"go.docstore/internal/storage"
	"go.docstore/internal/txn"
)

var ErrClosed = errors.New("engine is closed")

// AutoID selects how Insert fills a missing _id.
type AutoID int

const (
	AutoObjectID AutoID = iota
	AutoInt32
	AutoInt64
)

func (a AutoID) String() string {
	switch a {
	case AutoInt32:
		return "int32"
	case AutoInt64:
		return "int64"
	}
	return "objectid"
}

func ParseAutoID(s string) (AutoID, error) {
	switch strings.ToLower(s) {
	case "", "objectid", "oid":
		return AutoObjectID, nil
	case "int32", "int":
		return AutoInt32, nil
	case "int64", "long":
		return AutoInt64, nil
	}
	return AutoObjectID, errors.Errorf("unknown auto id %q", s)
}

type Engine struct {
	path string
	cfg  config.Engine
	log  *logger.Logger

	mu        sync.RWMutex
	monitor   *txn.Monitor
	collation bson.Collation

	sorter  *mergesort.Service
	codec   *codec.Codec
	coin    *index.Coin
	closers []io.Closer

	// hook is called at named steps of a write; an error aborts the write
	hook func(step string) error
}

// New opens or creates the database file at path.
func New(path string, cfg config.Engine, log *logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	alg, err := codec.Parse(cfg.Compression)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		path:  path,
		cfg:   cfg,
		log:   log.With("db", path),
		codec: codec.New(alg),
		coin:  index.NewCoin(cfg.Seed),
	}
	if err := e.openMonitor(); err != nil {
		return nil, err
	}
	e.sorter = mergesort.NewService(path, cfg.SortContainerSize, e.collation, e.log)
	return e, nil
}

func (e *Engine) openMonitor() error {
	d, err := disk.Open(e.path, e.cfg, e.log)
	if err != nil {
		return err
	}
	m, err := txn.NewMonitor(d, e.cfg, e.log)
	if err != nil {
		_ = d.Close()
		return err
	}
	if errs := m.RebuildErrors(); len(errs) > 0 {
		e.log.Warnf("%d log pages skipped while restoring", len(errs))
	}
	m.Header().View(func(h *storage.HeaderPage) {
		e.collation = bson.Collation{IgnoreCase: h.IgnoreCase()}
	})
	e.monitor = m
	return nil
}

func (e *Engine) Path() string { return e.path }

func (e *Engine) Collation() bson.Collation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collation
}

func (e *Engine) current() (*txn.Monitor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.monitor == nil {
		return nil, ErrClosed
	}
	return e.monitor, nil
}

func (e *Engine) fire(step string) error {
	if e.hook == nil {
		return nil
	}
	return e.hook(step)
}

// BeginTrans opens an explicit transaction. The caller must Commit or
// Rollback it.
func (e *Engine) BeginTrans() (*Tx, error) {
	return e.begin(true)
}

func (e *Engine) begin(explicit bool) (*Tx, error) {
	m, err := e.current()
	if err != nil {
		return nil, err
	}
	t, err := m.BeginTrans(explicit)
	if err != nil {
		return nil, err
	}
	return &Tx{engine: e, tx: t, collation: e.Collation()}, nil
}

// auto runs fn in its own transaction, committing on success and rolling
// back on any error.
func (e *Engine) auto(fn func(*Tx) error) error {
	tx, err := e.begin(false)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.log.Errorf("rollback: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (e *Engine) Insert(collection string, docs []*bson.Document, autoID AutoID) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.Insert(collection, docs, autoID)
		return err
	})
	return n, err
}

func (e *Engine) Update(collection string, docs []*bson.Document) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.Update(collection, docs)
		return err
	})
	return n, err
}

// Upsert updates documents that exist and inserts the rest, returning the
// number inserted.
func (e *Engine) Upsert(collection string, docs []*bson.Document, autoID AutoID) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.Upsert(collection, docs, autoID)
		return err
	})
	return n, err
}

func (e *Engine) Delete(collection string, ids ...bson.Value) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.Delete(collection, ids...)
		return err
	})
	return n, err
}

func (e *Engine) DeleteMany(collection string, q Query) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.DeleteMany(collection, q)
		return err
	})
	return n, err
}

func (e *Engine) Find(collection string, q Query) (docs []*bson.Document, err error) {
	err = e.auto(func(tx *Tx) error {
		for doc, err := range tx.Find(collection, q) {
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	return docs, err
}

// FindOne returns the first match of q, nil when there is none.
func (e *Engine) FindOne(collection string, q Query) (doc *bson.Document, err error) {
	err = e.auto(func(tx *Tx) error {
		doc, err = tx.FindOne(collection, q)
		return err
	})
	return doc, err
}

func (e *Engine) FindByID(collection string, id bson.Value) (*bson.Document, error) {
	return e.FindOne(collection, ByID(id))
}

func (e *Engine) Count(collection string, q Query) (n int, err error) {
	err = e.auto(func(tx *Tx) error {
		n, err = tx.Count(collection, q)
		return err
	})
	return n, err
}

func (e *Engine) Exists(collection string, q Query) (ok bool, err error) {
	err = e.auto(func(tx *Tx) error {
		ok, err = tx.Exists(collection, q)
		return err
	})
	return ok, err
}

// EnsureIndex creates an index unless one with the same definition exists.
// It reports whether an index was created.
func (e *Engine) EnsureIndex(collection, name, expression string, unique bool) (created bool, err error) {
	err = e.auto(func(tx *Tx) error {
		created, err = tx.EnsureIndex(collection, name, expression, unique)
		return err
	})
	return created, err
}

func (e *Engine) DropIndex(collection, name string) (dropped bool, err error) {
	err = e.auto(func(tx *Tx) error {
		dropped, err = tx.DropIndex(collection, name)
		return err
	})
	return dropped, err
}

func (e *Engine) GetIndexes(collection string) (out []IndexInfo, err error) {
	err = e.auto(func(tx *Tx) error {
		out, err = tx.Indexes(collection)
		return err
	})
	return out, err
}

// Checkpoint copies every committed page from the log into the data file.
func (e *Engine) Checkpoint() (int, error) {
	m, err := e.current()
	if err != nil {
		return 0, err
	}
	return m.Checkpoint(txn.CheckpointFull)
}

// RebuildErrors lists log pages that could not be restored at open.
func (e *Engine) RebuildErrors() []txn.RebuildError {
	m, err := e.current()
	if err != nil {
		return nil
	}
	return m.RebuildErrors()
}

// Close runs a shutdown checkpoint and releases the files.
func (e *Engine) Close() error {
	return e.shutdown((*txn.Monitor).Close)
}

// Abandon releases the files without a checkpoint, as a crash would.
func (e *Engine) Abandon() error {
	return e.shutdown((*txn.Monitor).Abandon)
}

func (e *Engine) shutdown(closeMonitor func(*txn.Monitor) error) error {
	e.mu.Lock()
	m := e.monitor
	e.monitor = nil
	e.mu.Unlock()
	if m == nil {
		return nil
	}

	first := closeMonitor(m)
	if err := e.sorter.Close(); err != nil && first == nil {
		first = err
	}
	for _, c := range e.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
