package txn

import (
	"sync"

	"github.com/pkg/errors"

	"go.docstore/internal/storage"
)

// SharedHeader guards the in-memory header page: the newest committed state
// plus page allocations of transactions still running.
type SharedHeader struct {
	mu        sync.Mutex
	page      *storage.HeaderPage
	limitSize int64
	// readLatest reads the newest confirmed version of a page
	readLatest func(pageID uint32) (*storage.PageBuffer, error)
}

func newSharedHeader(page *storage.HeaderPage, limitSize int64, readLatest func(uint32) (*storage.PageBuffer, error)) *SharedHeader {
	return &SharedHeader{page: page, limitSize: limitSize, readLatest: readLatest}
}

// View runs fn with the header locked. fn must not keep the page.
func (h *SharedHeader) View(fn func(*storage.HeaderPage)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.page)
}

// Update runs fn against the locked header.
func (h *SharedHeader) Update(fn func(*storage.HeaderPage) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.page)
}

// Snapshot returns an independent copy of the header.
func (h *SharedHeader) Snapshot() *storage.HeaderPage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page.Clone()
}

// allocate hands out a page id, reusing the free empty page list before
// growing the file.
func (h *SharedHeader) allocate() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if free := h.page.FreeEmptyPageList(); free != storage.EmptyPageID {
		buf, err := h.readLatest(free)
		if err != nil {
			return 0, errors.Wrapf(err, "read free page %d", free)
		}
		if buf.PageType() != storage.PageTypeEmpty {
			return 0, errors.Wrapf(storage.ErrCorruptPage, "free list page %d is %s", free, buf.PageType())
		}
		h.page.SetFreeEmptyPageList(storage.LoadBasePage(buf).NextPageID())
		return free, nil
	}

	next := h.page.LastPageID() + 1
	if h.limitSize > 0 && int64(next+1)*storage.PageSize > h.limitSize {
		return 0, errors.Wrapf(storage.ErrSizeLimitReached, "limit %d bytes", h.limitSize)
	}
	h.page.SetLastPageID(next)
	return next, nil
}

// commit applies changes to a copy of the header, lets write persist it
// and installs the copy as the new shared header when write succeeds.
func (h *SharedHeader) commit(change func(*storage.HeaderPage) error, write func(*storage.HeaderPage) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	clone := h.page.Clone()
	if err := change(clone); err != nil {
		return err
	}
	if err := write(clone); err != nil {
		return err
	}
	clone.ClearDirty()
	h.page = clone
	return nil
}

func (h *SharedHeader) replace(page *storage.HeaderPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.page = page
}
