package txn

import (
	"github.com/pkg/errors"

	"go.docstore/internal/storage"
)

type CheckpointMode int

const (
	CheckpointFull CheckpointMode = iota
	CheckpointShutdown
	CheckpointIncremental
)

func (c CheckpointMode) String() string {
	switch c {
	case CheckpointFull:
		return "full"
	case CheckpointShutdown:
		return "shutdown"
	}
	return "incremental"
}

const checkpointBatch = 256

// Checkpoint copies confirmed log pages into the data file. Full and
// Shutdown wait for every transaction to finish and empty the log.
// Incremental does the same when no transaction is open; otherwise it only
// copies versions that every open snapshot already sees and keeps the log.
// It returns the number of pages copied.
func (m *Monitor) Checkpoint(mode CheckpointMode) (int, error) {
	if m.cfg.ReadOnly {
		return 0, nil
	}
	switch mode {
	case CheckpointFull, CheckpointShutdown:
		if err := m.locks.EnterExclusive(); err != nil {
			return 0, err
		}
		defer m.locks.ExitExclusive()
		return m.fullCheckpoint(mode)
	}

	if m.locks.TryEnterExclusive() {
		defer m.locks.ExitExclusive()
		return m.fullCheckpoint(mode)
	}
	return m.copyPages(m.wal.MinReadVersion())
}

func (m *Monitor) fullCheckpoint(mode CheckpointMode) (int, error) {
	if m.wal.Len() == 0 && m.disk.LogLength() == 0 && mode != CheckpointShutdown {
		return 0, nil
	}
	n, err := m.copyPages(AnyVersion)
	if err != nil {
		return n, err
	}

	err = m.header.Update(func(h *storage.HeaderPage) error {
		h.IncrementCheckpoints()
		c := h.Clone()
		c.SetTransactionID(storage.TxID{})
		c.SetIsConfirmed(false)
		buf := c.UpdateBuffer()
		buf.Position = 0
		buf.Origin = storage.OriginData
		return m.disk.WriteDataPages([]*storage.PageBuffer{buf})
	})
	if err != nil {
		return n, errors.Wrap(err, "write header")
	}

	if err := m.disk.TruncateLog(); err != nil {
		return n, err
	}
	m.wal.Clear()
	m.disk.ClearCache()
	m.log.Infof("%s checkpoint copied %d pages", mode, n)
	return n, nil
}

// copyPages writes the newest version of every logged page not newer than
// maxVersion into its place in the data file. The header page is skipped;
// it is written from memory by a full checkpoint.
func (m *Monitor) copyPages(maxVersion int) (int, error) {
	versions := m.wal.latest(maxVersion)
	batch := make([]*storage.PageBuffer, 0, checkpointBatch)
	n := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := m.disk.WriteDataPages(batch); err != nil {
			return err
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, v := range versions {
		if v.pageID == 0 {
			continue
		}
		src, err := m.disk.ReadPage(v.position, storage.OriginLog)
		if err != nil {
			return n, errors.Wrapf(err, "checkpoint page %d", v.pageID)
		}
		dst := src.Clone()
		base := storage.LoadBasePage(dst)
		base.SetTransactionID(storage.TxID{})
		base.SetIsConfirmed(false)
		dst.Position = int64(v.pageID) * storage.PageSize
		dst.Origin = storage.OriginData
		batch = append(batch, dst)
		if len(batch) == checkpointBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := flush(); err != nil {
		return n, err
	}
	return n, nil
}
