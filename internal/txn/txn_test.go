package txn

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/config"
	"go.docstore/internal/disk"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.Sync = false
	cfg.CacheSize = 64
	cfg.Checkpoint = 0
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func openMonitor(t *testing.T, path string, cfg config.Engine) *Monitor {
	t.Helper()
	d, err := disk.Open(path, cfg, logger.Discard())
	require.NoError(t, err)
	m, err := NewMonitor(d, cfg, logger.Discard())
	require.NoError(t, err)
	return m
}

// writeDoc stores payload in a new block of collection name and commits.
func writeDoc(t *testing.T, m *Monitor, name, payload string) storage.PageAddress {
	t.Helper()
	tx, err := m.BeginTrans(false)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, name, true)
	require.NoError(t, err)
	p, err := s.GetFreeDataPage(len(payload))
	require.NoError(t, err)
	b, err := p.InsertBlock(len(payload), false)
	require.NoError(t, err)
	b.Buffer().WriteBytes(0, []byte(payload))
	require.NoError(t, s.AddOrRemoveFreeDataList(p))
	s.CollectionPage().DocumentCount++
	require.NoError(t, tx.Commit())
	return b.Position()
}

func readDoc(t *testing.T, m *Monitor, name string, addr storage.PageAddress) string {
	t.Helper()
	tx, err := m.BeginTrans(false)
	require.NoError(t, err)
	defer tx.Dispose()
	s, err := tx.CreateSnapshot(Read, name, false)
	require.NoError(t, err)
	require.NotNil(t, s.CollectionPage())
	p, err := s.GetDataPage(addr.PageID)
	require.NoError(t, err)
	b, err := p.GetBlock(addr.Index)
	require.NoError(t, err)
	return string(b.Buffer().ReadBytes(0, b.Length()))
}

func TestCommitVisibleToNewTransactions(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	addr := writeDoc(t, m, "col", "first document")
	assert.Equal(t, "first document", readDoc(t, m, "col", addr))
	assert.Equal(t, 0, m.OpenTransactions())

	var names []string
	m.Header().View(func(h *storage.HeaderPage) { names = h.GetCollections() })
	assert.Equal(t, []string{"col"}, names)
	assert.Equal(t, 1, m.WalIndex().CurrentReadVersion())
}

func TestReadSnapshotIsolation(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	addr := writeDoc(t, m, "col", "version one")

	reader, err := m.BeginTrans(true)
	require.NoError(t, err)
	rs, err := reader.CreateSnapshot(Read, "col", false)
	require.NoError(t, err)

	writer, err := m.BeginTrans(true)
	require.NoError(t, err)
	ws, err := writer.CreateSnapshot(Write, "col", false)
	require.NoError(t, err)
	p, err := ws.GetDataPage(addr.PageID)
	require.NoError(t, err)
	b, err := p.GetBlock(addr.Index)
	require.NoError(t, err)
	b.Buffer().WriteBytes(0, []byte("version two"))
	p.SetDirty()
	require.NoError(t, writer.Commit())

	old, err := rs.GetDataPage(addr.PageID)
	require.NoError(t, err)
	ob, err := old.GetBlock(addr.Index)
	require.NoError(t, err)
	assert.Equal(t, "version one", string(ob.Buffer().ReadBytes(0, ob.Length())))
	reader.Dispose()

	assert.Equal(t, "version two", readDoc(t, m, "col", addr))
}

func TestReadSnapshotIgnoresLaterCollections(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	reader, err := m.BeginTrans(true)
	require.NoError(t, err)
	defer reader.Dispose()
	rs, err := reader.CreateSnapshot(Read, "later", false)
	require.NoError(t, err)
	assert.Nil(t, rs.CollectionPage())

	writeDoc(t, m, "later", "x")
	assert.Nil(t, rs.CollectionPage())
}

func TestRollbackReturnsAllocatedPages(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "col", true)
	require.NoError(t, err)
	_, err = s.NewDataPage()
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.Equal(t, StateDisposed, tx.State())

	h := m.Header().Snapshot()
	assert.Equal(t, uint32(2), h.LastPageID())
	assert.NotEqual(t, storage.EmptyPageID, h.FreeEmptyPageList())
	assert.Empty(t, h.GetCollections())

	// the freed pages are handed out again before the file grows
	writeDoc(t, m, "col", "reuse")
	h = m.Header().Snapshot()
	assert.Equal(t, uint32(2), h.LastPageID())
	assert.Equal(t, storage.EmptyPageID, h.FreeEmptyPageList())
}

func TestDeletedPagesJoinFreeList(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	addr := writeDoc(t, m, "col", "doc")

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "col", false)
	require.NoError(t, err)
	p, err := s.GetDataPage(addr.PageID)
	require.NoError(t, err)
	require.NoError(t, p.DeleteBlock(addr.Index))
	require.NoError(t, s.AddOrRemoveFreeDataList(p))
	require.NoError(t, tx.Commit())

	h := m.Header().Snapshot()
	assert.Equal(t, addr.PageID, h.FreeEmptyPageList())
}

func TestRestoreAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	m := openMonitor(t, path, testConfig())
	a := writeDoc(t, m, "col", "survives")

	// unconfirmed pages of an open transaction must not be restored
	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "other", true)
	require.NoError(t, err)
	_, err = s.NewDataPage()
	require.NoError(t, err)
	require.NoError(t, m.Abandon())

	m = openMonitor(t, path, testConfig())
	defer m.Close()
	assert.Empty(t, m.RebuildErrors())
	assert.Equal(t, "survives", readDoc(t, m, "col", a))

	var names []string
	m.Header().View(func(h *storage.HeaderPage) { names = h.GetCollections() })
	assert.Equal(t, []string{"col"}, names)
}

func TestCheckpointEmptiesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	m := openMonitor(t, path, testConfig())
	a := writeDoc(t, m, "col", "checkpointed")
	require.Greater(t, m.Disk().LogLength(), int64(0))

	n, err := m.Checkpoint(CheckpointFull)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "collection page and data page")
	assert.Equal(t, int64(0), m.Disk().LogLength())
	assert.Equal(t, 0, m.WalIndex().Len())
	assert.Equal(t, "checkpointed", readDoc(t, m, "col", a))
	require.NoError(t, m.Close())

	m = openMonitor(t, path, testConfig())
	defer m.Close()
	assert.Equal(t, "checkpointed", readDoc(t, m, "col", a))
	assert.Equal(t, uint64(2), m.Header().Snapshot().Checkpoints(), "full plus shutdown")
}

func TestIncrementalCheckpointKeepsPinnedVersions(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	a := writeDoc(t, m, "col", "v1")
	reader, err := m.BeginTrans(true)
	require.NoError(t, err)
	_, err = reader.CreateSnapshot(Read, "col", false)
	require.NoError(t, err)
	writeDoc(t, m, "col", "v2")

	_, err = m.Checkpoint(CheckpointIncremental)
	require.NoError(t, err)
	assert.Greater(t, m.Disk().LogLength(), int64(0), "log kept while a reader is open")
	reader.Dispose()

	_, err = m.Checkpoint(CheckpointIncremental)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Disk().LogLength())
	assert.Equal(t, "v1", readDoc(t, m, "col", a))
}

func TestCollectionLockTimeout(t *testing.T) {
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), testConfig())
	defer m.Close()

	first, err := m.BeginTrans(true)
	require.NoError(t, err)
	_, err = first.CreateSnapshot(Write, "col", true)
	require.NoError(t, err)

	second, err := m.BeginTrans(true)
	require.NoError(t, err)
	_, err = second.CreateSnapshot(Write, "COL", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrLockTimeout))
	assert.True(t, storage.IsRetryable(err))
	second.Dispose()

	// readers are not blocked by the writer
	third, err := m.BeginTrans(true)
	require.NoError(t, err)
	_, err = third.CreateSnapshot(Read, "col", false)
	require.NoError(t, err)
	third.Dispose()

	require.NoError(t, first.Commit())
}

func TestTransactionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpenTransactions = 1
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), cfg)
	defer m.Close()

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	_, err = m.BeginTrans(true)
	assert.True(t, errors.Is(err, storage.ErrTransactionLimit))
	tx.Dispose()

	tx, err = m.BeginTrans(true)
	require.NoError(t, err)
	tx.Dispose()
}

func TestSafepointFlushesPages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactionSize = 2
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), cfg)
	defer m.Close()

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "col", true)
	require.NoError(t, err)
	var addrs []storage.PageAddress
	for i := 0; i < 3; i++ {
		p, err := s.NewDataPage()
		require.NoError(t, err)
		b, err := p.InsertBlock(3, false)
		require.NoError(t, err)
		b.Buffer().WriteBytes(0, []byte{'a' + byte(i), 'b', 'c'})
		addrs = append(addrs, b.Position())
		require.NoError(t, s.AddOrRemoveFreeDataList(p))
	}
	before := m.Disk().LogLength()
	require.NoError(t, tx.Safepoint())
	assert.Greater(t, m.Disk().LogLength(), before)
	assert.Equal(t, 0, m.WalIndex().Len(), "safepoint pages stay unconfirmed")

	// flushed pages are read back from the log
	p, err := s.GetDataPage(addrs[0].PageID)
	require.NoError(t, err)
	b, err := p.GetBlock(addrs[0].Index)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b.Buffer().ReadBytes(0, 3)))
	require.NoError(t, tx.Commit())

	for i, a := range addrs {
		assert.Equal(t, string([]byte{'a' + byte(i), 'b', 'c'}), readDoc(t, m, "col", a))
	}
}

func TestSafepointKeepsFreedPages(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransactionSize = 1
	m := openMonitor(t, filepath.Join(t.TempDir(), "t.db"), cfg)
	defer m.Close()

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "col", true)
	require.NoError(t, err)
	var pages []uint32
	for i := 0; i < 4; i++ {
		p, err := s.NewDataPage()
		require.NoError(t, err)
		pages = append(pages, p.PageID())
	}
	require.NoError(t, tx.Commit())
	last := m.Header().Snapshot().LastPageID()

	// every deleted page reaches the log through a safepoint before commit
	tx, err = m.BeginTrans(true)
	require.NoError(t, err)
	s, err = tx.CreateSnapshot(Write, "col", false)
	require.NoError(t, err)
	for _, id := range pages {
		require.NoError(t, s.DeletePage(id))
		require.NoError(t, tx.Safepoint())
	}
	require.NoError(t, tx.Commit())
	assert.Equal(t, pages[len(pages)-1], m.Header().Snapshot().FreeEmptyPageList())

	tx, err = m.BeginTrans(true)
	require.NoError(t, err)
	s, err = tx.CreateSnapshot(Write, "col", false)
	require.NoError(t, err)
	var reused []uint32
	for range pages {
		p, err := s.NewDataPage()
		require.NoError(t, err)
		reused = append(reused, p.PageID())
	}
	require.NoError(t, tx.Commit())

	h := m.Header().Snapshot()
	assert.Equal(t, last, h.LastPageID())
	assert.Equal(t, storage.EmptyPageID, h.FreeEmptyPageList())
	assert.ElementsMatch(t, pages, reused)
}

func TestFailedCommitWriteKeepsPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.db")
	m := openMonitor(t, path, testConfig())

	tx, err := m.BeginTrans(true)
	require.NoError(t, err)
	s, err := tx.CreateSnapshot(Write, "col", true)
	require.NoError(t, err)
	_, err = s.NewDataPage()
	require.NoError(t, err)

	// the pages reach the log but the sync afterwards fails
	writes := 0
	m.writeLog = func(bufs []*storage.PageBuffer) ([]int64, error) {
		writes++
		if _, err := m.disk.WriteLogPages(bufs); err != nil {
			return nil, err
		}
		return nil, errors.New("sync failed")
	}
	require.Error(t, tx.Commit())
	assert.Equal(t, StateDisposed, tx.State())
	assert.Equal(t, 1, writes, "no page return written after a failed commit write")
	assert.Equal(t, storage.EmptyPageID, m.Header().Snapshot().FreeEmptyPageList())

	m.writeLog = m.disk.WriteLogPages
	require.NoError(t, m.Abandon())

	// the confirmed header on disk still owns the allocated pages
	m = openMonitor(t, path, testConfig())
	defer m.Close()
	h := m.Header().Snapshot()
	assert.Equal(t, []string{"col"}, h.GetCollections())
	assert.Equal(t, storage.EmptyPageID, h.FreeEmptyPageList())
	assert.Equal(t, uint32(2), h.LastPageID())
}

func TestLockServiceExclusive(t *testing.T) {
	l := NewLockService(20*time.Millisecond, false)
	require.NoError(t, l.EnterTransaction())
	assert.False(t, l.TryEnterExclusive())
	err := l.EnterExclusive()
	assert.True(t, errors.Is(err, storage.ErrLockTimeout))
	l.ExitTransaction()
	assert.True(t, l.TryEnterExclusive())
	l.ExitExclusive()

	ro := NewLockService(time.Second, true)
	assert.True(t, errors.Is(ro.EnterLock("x"), storage.ErrReadOnly))
}
