package txn

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

type State int

const (
	StateNew State = iota
	StateInUse
	StateCommitted
	StateAborted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInUse:
		return "in-use"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return "disposed"
}

// Transaction is a unit of work over one or more collection snapshots. It
// is not safe for concurrent use.
type Transaction struct {
	id       storage.TxID
	monitor  *Monitor
	log      *logger.Logger
	explicit bool
	state    State
	start    time.Time

	snapshots map[string]*Snapshot
	// pages already flushed to the log by a safepoint
	logPages map[uint32]int64
	// pages emptied before a safepoint flushed them
	freedPages []uint32
	newPages   []uint32
	// set once Commit starts writing its confirmed pages
	writing  bool
	onCommit []func(*storage.HeaderPage) error
}

func newTransaction(m *Monitor, explicit bool) *Transaction {
	id := storage.NewTxID()
	return &Transaction{
		id:        id,
		monitor:   m,
		log:       m.log.With("tx", id.String()[8:24]),
		explicit:  explicit,
		start:     time.Now(),
		snapshots: make(map[string]*Snapshot),
		logPages:  make(map[uint32]int64),
	}
}

func (t *Transaction) ID() storage.TxID { return t.id }

func (t *Transaction) State() State { return t.state }

// Explicit is true for transactions opened by the caller rather than by a
// single engine operation.
func (t *Transaction) Explicit() bool { return t.explicit }

func (t *Transaction) StartTime() time.Time { return t.start }

// CreateSnapshot returns the transaction's snapshot of a collection,
// upgrading an existing read snapshot when write access is requested.
func (t *Transaction) CreateSnapshot(mode Mode, collection string, addIfMissing bool) (*Snapshot, error) {
	if t.state != StateNew && t.state != StateInUse {
		return nil, errors.Wrapf(storage.ErrInvalidTxState, "transaction is %s", t.state)
	}
	key := strings.ToLower(collection)
	if s, ok := t.snapshots[key]; ok {
		if s.mode == Write || mode == Read {
			if s.collection == nil && addIfMissing && s.mode == Write {
				if _, err := s.CreateCollection(collection); err != nil {
					return nil, err
				}
			}
			return s, nil
		}
		s.dispose()
		delete(t.snapshots, key)
	}

	s, err := newSnapshot(t, mode, collection, addIfMissing)
	if err != nil {
		return nil, err
	}
	t.snapshots[key] = s
	t.state = StateInUse
	return s, nil
}

// ForgetSnapshot releases the snapshot of a collection that was renamed or
// dropped so a later lookup starts fresh.
func (t *Transaction) ForgetSnapshot(collection string) {
	key := strings.ToLower(collection)
	if s, ok := t.snapshots[key]; ok && s.mode == Read {
		s.dispose()
		delete(t.snapshots, key)
	}
}

// OnCommit registers a change applied to the header copy written by Commit.
func (t *Transaction) OnCommit(fn func(*storage.HeaderPage) error) {
	t.onCommit = append(t.onCommit, fn)
	if t.state == StateNew {
		t.state = StateInUse
	}
}

func (t *Transaction) dirtyPages() []storage.Page {
	var out []storage.Page
	for _, s := range t.snapshots {
		out = append(out, s.dirtyPages()...)
	}
	return out
}

// DirtyCount is the number of changed pages held in memory.
func (t *Transaction) DirtyCount() int {
	n := 0
	for _, s := range t.snapshots {
		n += s.dirtyCount()
	}
	return n
}

func (t *Transaction) prepare(pages []storage.Page) []*storage.PageBuffer {
	bufs := make([]*storage.PageBuffer, 0, len(pages)+1)
	for _, p := range pages {
		buf := p.UpdateBuffer()
		base := p.Base()
		base.SetTransactionID(t.id)
		base.SetIsConfirmed(false)
		bufs = append(bufs, buf)
	}
	return bufs
}

// Safepoint flushes dirty pages to the log, unconfirmed, once the
// transaction holds MaxTransactionSize of them. Callers must not hold page
// references across a safepoint.
func (t *Transaction) Safepoint() error {
	if t.state != StateInUse || t.DirtyCount() < t.monitor.cfg.MaxTransactionSize {
		return nil
	}
	var pages []storage.Page
	for _, s := range t.snapshots {
		for _, p := range s.dirtyPages() {
			if s.collection != nil && p.Base().PageID() == s.collection.PageID() {
				continue
			}
			pages = append(pages, p)
		}
	}
	bufs := t.prepare(pages)
	positions, err := t.monitor.writeLog(bufs)
	if err != nil {
		return errors.Wrap(err, "safepoint")
	}
	for _, p := range pages {
		if p.Base().PageType() == storage.PageTypeEmpty {
			t.freedPages = append(t.freedPages, p.Base().PageID())
		}
	}
	written := make(map[uint32]int64, len(bufs))
	for i, b := range bufs {
		written[b.PageID()] = positions[i]
		t.logPages[b.PageID()] = positions[i]
	}
	for _, s := range t.snapshots {
		s.forget(written)
	}
	t.log.Debugf("safepoint flushed %d pages", len(bufs))
	return nil
}

// Commit writes every dirty page and a confirmed header copy to the log,
// then publishes them to readers.
func (t *Transaction) Commit() error {
	switch t.state {
	case StateNew:
		t.state = StateCommitted
		t.Dispose()
		return nil
	case StateInUse:
	default:
		return errors.Wrapf(storage.ErrInvalidTxState, "cannot commit %s transaction", t.state)
	}

	dirty := t.dirtyPages()
	if len(dirty) == 0 && len(t.onCommit) == 0 && len(t.logPages) == 0 && len(t.newPages) == 0 && len(t.freedPages) == 0 {
		t.state = StateCommitted
		t.Dispose()
		return nil
	}

	var freed []*storage.PageBuffer
	err := t.monitor.header.commit(func(h *storage.HeaderPage) error {
		for _, fn := range t.onCommit {
			if err := fn(h); err != nil {
				return err
			}
		}
		inMemory := make(map[uint32]bool, len(dirty))
		for _, p := range dirty {
			base := p.Base()
			inMemory[base.PageID()] = true
			if base.PageType() != storage.PageTypeEmpty {
				continue
			}
			base.SetNextPageID(h.FreeEmptyPageList())
			h.SetFreeEmptyPageList(base.PageID())
		}
		// pages emptied before a safepoint are only in the log; link
		// them with a fresh copy unless they were reused since
		for _, pageID := range t.freedPages {
			if inMemory[pageID] {
				continue
			}
			buf := storage.NewPageBuffer()
			p := storage.NewBasePage(buf, pageID, storage.PageTypeEmpty)
			p.SetNextPageID(h.FreeEmptyPageList())
			p.SetTransactionID(t.id)
			h.SetFreeEmptyPageList(pageID)
			freed = append(freed, buf)
		}
		h.IncrementCommits()
		h.SetTransactionID(t.id)
		h.SetIsConfirmed(true)
		return nil
	}, func(h *storage.HeaderPage) error {
		bufs := append(t.prepare(dirty), freed...)
		bufs = append(bufs, h.UpdateBuffer())
		t.writing = true
		positions, err := t.monitor.writeLog(bufs)
		if err != nil {
			return err
		}
		for i, b := range bufs {
			t.logPages[b.PageID()] = positions[i]
		}
		t.monitor.wal.ConfirmTransaction(t.logPages)
		return nil
	})
	if err != nil {
		t.log.Errorf("commit failed: %v", err)
		if t.writing {
			// the confirmed header may have reached the log, so the
			// allocated pages stay allocated
			t.log.Warnf("commit write failed, %d allocated pages not returned", len(t.newPages))
			t.newPages = nil
		}
		if rbErr := t.rollback(); rbErr != nil {
			t.log.Errorf("rollback after failed commit: %v", rbErr)
		}
		t.Dispose()
		return errors.Wrap(err, "commit")
	}

	t.log.Debugf("committed %d pages", len(t.logPages))
	t.state = StateCommitted
	t.Dispose()
	return nil
}

// Rollback discards all changes. Pages allocated by the transaction go back
// to the free empty page list in a confirmed write of their own.
func (t *Transaction) Rollback() error {
	switch t.state {
	case StateNew, StateInUse:
	default:
		return errors.Wrapf(storage.ErrInvalidTxState, "cannot roll back %s transaction", t.state)
	}
	err := t.rollback()
	t.Dispose()
	return err
}

func (t *Transaction) rollback() error {
	t.state = StateAborted
	if len(t.newPages) == 0 {
		return nil
	}

	id := storage.NewTxID()
	var bufs []*storage.PageBuffer
	err := t.monitor.header.commit(func(h *storage.HeaderPage) error {
		for _, pageID := range t.newPages {
			buf := storage.NewPageBuffer()
			p := storage.NewBasePage(buf, pageID, storage.PageTypeEmpty)
			p.SetNextPageID(h.FreeEmptyPageList())
			p.SetTransactionID(id)
			h.SetFreeEmptyPageList(pageID)
			bufs = append(bufs, buf)
		}
		h.SetTransactionID(id)
		h.SetIsConfirmed(true)
		return nil
	}, func(h *storage.HeaderPage) error {
		bufs = append(bufs, h.UpdateBuffer())
		positions, err := t.monitor.writeLog(bufs)
		if err != nil {
			return err
		}
		confirm := make(map[uint32]int64, len(bufs))
		for i, b := range bufs {
			confirm[b.PageID()] = positions[i]
		}
		t.monitor.wal.ConfirmTransaction(confirm)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "return allocated pages")
	}
	t.log.Debugf("rolled back, %d pages returned", len(t.newPages))
	t.newPages = nil
	return nil
}

// Dispose releases snapshots and locks. An open transaction is rolled back
// first. Calling Dispose more than once is harmless.
func (t *Transaction) Dispose() {
	if t.state == StateDisposed {
		return
	}
	if t.state == StateNew || t.state == StateInUse {
		if err := t.rollback(); err != nil {
			t.log.Errorf("rollback on dispose: %v", err)
		}
	}
	for _, s := range t.snapshots {
		s.dispose()
	}
	t.snapshots = nil
	t.state = StateDisposed
	t.monitor.release(t)
}
