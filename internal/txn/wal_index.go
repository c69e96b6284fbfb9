package txn

import (
	"math"
	"sort"
	"sync"

	"go.docstore/internal/disk"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

// AnyVersion reads the newest confirmed version of a page.
const AnyVersion = math.MaxInt

type walPosition struct {
	version  int
	position int64
}

// RebuildError records a page the log scan had to skip.
type RebuildError struct {
	Position int64
	PageID   uint32
	Message  string
}

// WalIndex maps page ids to their confirmed versions in the log. Each
// confirmed transaction gets the next version number; a snapshot sees a
// page version only when it is not newer than the snapshot's read version.
type WalIndex struct {
	disk *disk.Service
	log  *logger.Logger

	mu                 sync.RWMutex
	index              map[uint32][]walPosition
	currentReadVersion int
	readers            map[int]int
}

func NewWalIndex(d *disk.Service, log *logger.Logger) *WalIndex {
	return &WalIndex{
		disk:    d,
		log:     log.With("component", "wal"),
		index:   make(map[uint32][]walPosition),
		readers: make(map[int]int),
	}
}

func (w *WalIndex) CurrentReadVersion() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentReadVersion
}

// acquireReadVersion pins the current version until releaseReadVersion.
func (w *WalIndex) acquireReadVersion() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readers[w.currentReadVersion]++
	return w.currentReadVersion
}

func (w *WalIndex) releaseReadVersion(v int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readers[v] <= 1 {
		delete(w.readers, v)
		return
	}
	w.readers[v]--
}

// MinReadVersion is the oldest version still pinned by a snapshot, or the
// current version when none is.
func (w *WalIndex) MinReadVersion() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	oldest := w.currentReadVersion
	for v := range w.readers {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

// GetPageIndex returns the log position of the newest version of pageID
// visible at readVersion.
func (w *WalIndex) GetPageIndex(pageID uint32, readVersion int) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	list := w.index[pageID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].version <= readVersion {
			return list[i].position, true
		}
	}
	return 0, false
}

// ConfirmTransaction publishes the given page positions under a new version.
func (w *WalIndex) ConfirmTransaction(pages map[uint32]int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentReadVersion++
	for id, pos := range pages {
		w.index[id] = append(w.index[id], walPosition{version: w.currentReadVersion, position: pos})
	}
	return w.currentReadVersion
}

// Len is the number of pages with at least one logged version.
func (w *WalIndex) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.index)
}

// latest returns, per page, the newest version no newer than maxVersion,
// ordered by position so the data file is written in log order.
func (w *WalIndex) latest(maxVersion int) []pageVersion {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]pageVersion, 0, len(w.index))
	for id, list := range w.index {
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].version <= maxVersion {
				out = append(out, pageVersion{pageID: id, walPosition: list[i]})
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].position < out[b].position })
	return out
}

type pageVersion struct {
	pageID uint32
	walPosition
}

// Clear drops every entry. Versions keep counting so pinned readers stay valid.
func (w *WalIndex) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index = make(map[uint32][]walPosition)
}

// RestoreIndex scans the log and rebuilds the index from confirmed
// transactions. It returns the newest confirmed header page, if any, and
// the pages that failed their checksum.
func (w *WalIndex) RestoreIndex() (*storage.HeaderPage, []RebuildError, error) {
	var (
		header  *storage.HeaderPage
		errs    []RebuildError
		pending = map[storage.TxID]map[uint32]int64{}
	)

	err := w.disk.ScanLog(func(buf *storage.PageBuffer, valid bool) error {
		if !valid {
			errs = append(errs, RebuildError{Position: buf.Position, PageID: buf.PageID(), Message: "checksum mismatch"})
			w.log.Warnf("skipping log page %d at %d: checksum mismatch", buf.PageID(), buf.Position)
			return nil
		}
		page := storage.LoadBasePage(buf)
		txID := page.TransactionID()
		positions, ok := pending[txID]
		if !ok {
			positions = map[uint32]int64{}
			pending[txID] = positions
		}
		positions[page.PageID()] = buf.Position

		if !page.IsConfirmed() {
			return nil
		}
		w.ConfirmTransaction(positions)
		delete(pending, txID)
		if page.PageType() == storage.PageTypeHeader {
			h, err := storage.LoadHeaderPage(buf.Clone())
			if err != nil {
				errs = append(errs, RebuildError{Position: buf.Position, PageID: 0, Message: err.Error()})
				return nil
			}
			header = h
		}
		return nil
	})
	if err != nil {
		return nil, errs, err
	}
	if len(pending) > 0 {
		w.log.Infof("ignored %d unconfirmed transactions in log", len(pending))
	}
	w.log.Debugf("restored %d pages at version %d", w.Len(), w.CurrentReadVersion())
	return header, errs, nil
}
