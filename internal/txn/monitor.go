// Package txn implements transactions over the page store: locking, the
// write-ahead log index, per-collection snapshots and checkpoints.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"go.docstore/internal/config"
	"go.docstore/internal/disk"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

// Monitor owns the shared transaction state of one open database.
type Monitor struct {
	disk   *disk.Service
	locks  *LockService
	wal    *WalIndex
	header *SharedHeader
	log    *logger.Logger
	cfg    config.Engine
	// writeLog appends pages to the log file
	writeLog func([]*storage.PageBuffer) ([]int64, error)

	mu            sync.Mutex
	transactions  map[*Transaction]struct{}
	rebuildErrors []RebuildError
	closed        bool

	checkpointRunning int32
	background        sync.WaitGroup
}

// NewMonitor restores the log index and takes over the disk service.
func NewMonitor(d *disk.Service, cfg config.Engine, log *logger.Logger) (*Monitor, error) {
	if log == nil {
		log = logger.Discard()
	}
	m := &Monitor{
		disk:         d,
		locks:        NewLockService(cfg.Timeout, cfg.ReadOnly),
		log:          log.With("component", "txn"),
		cfg:          cfg,
		transactions: make(map[*Transaction]struct{}),
	}
	m.writeLog = d.WriteLogPages
	m.wal = NewWalIndex(d, log)

	header, errs, err := m.wal.RestoreIndex()
	if err != nil {
		return nil, errors.Wrap(err, "restore log index")
	}
	m.rebuildErrors = errs
	if header == nil {
		header = d.Header()
	}
	m.header = newSharedHeader(header, cfg.LimitSize, m.readLatest)
	return m, nil
}

func (m *Monitor) readLatest(pageID uint32) (*storage.PageBuffer, error) {
	if pos, ok := m.wal.GetPageIndex(pageID, AnyVersion); ok {
		return m.disk.ReadPage(pos, storage.OriginLog)
	}
	return m.disk.ReadPage(int64(pageID)*storage.PageSize, storage.OriginData)
}

func (m *Monitor) Header() *SharedHeader { return m.header }

func (m *Monitor) WalIndex() *WalIndex { return m.wal }

func (m *Monitor) Disk() *disk.Service { return m.disk }

func (m *Monitor) Locks() *LockService { return m.locks }

// RebuildErrors lists log pages skipped while restoring the index.
func (m *Monitor) RebuildErrors() []RebuildError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RebuildError(nil), m.rebuildErrors...)
}

func (m *Monitor) OpenTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// BeginTrans opens a transaction holding the shared transaction lock.
func (m *Monitor) BeginTrans(explicit bool) (*Transaction, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("database is closed")
	}
	if len(m.transactions) >= m.cfg.MaxOpenTransactions {
		m.mu.Unlock()
		return nil, errors.Wrapf(storage.ErrTransactionLimit, "limit %d", m.cfg.MaxOpenTransactions)
	}
	t := newTransaction(m, explicit)
	m.transactions[t] = struct{}{}
	m.mu.Unlock()

	if err := m.locks.EnterTransaction(); err != nil {
		m.mu.Lock()
		delete(m.transactions, t)
		m.mu.Unlock()
		return nil, err
	}
	return t, nil
}

func (m *Monitor) release(t *Transaction) {
	m.mu.Lock()
	_, ok := m.transactions[t]
	delete(m.transactions, t)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.locks.ExitTransaction()
	m.maybeRequestCheckpoint()
}

// maybeRequestCheckpoint starts one background checkpoint when the log has
// grown past the configured number of pages.
func (m *Monitor) maybeRequestCheckpoint() {
	if m.cfg.Checkpoint <= 0 || m.cfg.ReadOnly {
		return
	}
	if m.disk.LogLength() < int64(m.cfg.Checkpoint)*storage.PageSize {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.checkpointRunning, 0, 1) {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		atomic.StoreInt32(&m.checkpointRunning, 0)
		return
	}
	m.background.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.background.Done()
		defer atomic.StoreInt32(&m.checkpointRunning, 0)
		if n, err := m.Checkpoint(CheckpointIncremental); err != nil {
			m.log.Warnf("auto checkpoint: %v", err)
		} else {
			m.log.Debugf("auto checkpoint copied %d pages", n)
		}
	}()
}

// Close waits for background work, runs a shutdown checkpoint and closes
// the files.
func (m *Monitor) Close() error {
	if !m.markClosed() {
		return nil
	}
	m.background.Wait()

	var first error
	if !m.cfg.ReadOnly {
		if _, err := m.Checkpoint(CheckpointShutdown); err != nil {
			m.log.Errorf("shutdown checkpoint: %v", err)
			first = err
		}
	}
	if err := m.disk.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Abandon closes the files without a checkpoint, leaving the log as a crash
// would.
func (m *Monitor) Abandon() error {
	if !m.markClosed() {
		return nil
	}
	m.background.Wait()
	return m.disk.Close()
}

func (m *Monitor) markClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	return true
}
