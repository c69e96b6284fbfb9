package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.docstore/internal/config"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

func testConfig() config.Engine {
	cfg := config.DefaultEngine()
	cfg.Sync = false
	cfg.CacheSize = 16
	return cfg
}

func dataPage(id uint32, marker string) *storage.PageBuffer {
	buf := storage.NewPageBuffer()
	p := storage.NewDataPage(buf, id)
	b, _ := p.InsertBlock(len(marker), false)
	b.Buffer().WriteBytes(0, []byte(marker))
	buf.Position = int64(id) * storage.PageSize
	buf.Origin = storage.OriginData
	return buf
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	assert.False(t, s.Encrypted())
	assert.Equal(t, int64(storage.PageSize), s.DataLength())
	require.NoError(t, s.WriteDataPages([]*storage.PageBuffer{dataPage(1, "hello")}))
	require.NoError(t, s.Close())

	_, err = os.Stat(path + LogSuffix)
	assert.True(t, os.IsNotExist(err), "empty log file is removed on close")

	s, err = Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.Header().IgnoreCase())

	b, err := s.ReadPage(storage.PageSize, storage.OriginData)
	require.NoError(t, err)
	assert.False(t, b.IsWritable())
	p, err := storage.LoadDataPage(b)
	require.NoError(t, err)
	blk, err := p.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blk.Buffer().ReadBytes(0, 5))

	beyond, err := s.ReadPage(50*storage.PageSize, storage.OriginData)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, storage.PageSize), beyond.Array)
}

func TestLogAppendScanTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.WriteLogPages([]*storage.PageBuffer{dataPage(3, "a"), dataPage(4, "b")})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, storage.PageSize}, pos)
	assert.Equal(t, int64(2*storage.PageSize), s.LogLength())

	var ids []uint32
	require.NoError(t, s.ScanLog(func(b *storage.PageBuffer, valid bool) error {
		assert.True(t, valid)
		ids = append(ids, b.PageID())
		return nil
	}))
	assert.Equal(t, []uint32{3, 4}, ids)

	b, err := s.ReadPage(storage.PageSize, storage.OriginLog)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), b.PageID())

	require.NoError(t, s.TruncateLog())
	assert.Zero(t, s.LogLength())
}

func TestEncryptedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.db")
	cfg := testConfig()
	cfg.Password = "s3cret"

	s, err := Open(path, cfg, logger.Discard())
	require.NoError(t, err)
	assert.True(t, s.Encrypted())
	require.NoError(t, s.WriteDataPages([]*storage.PageBuffer{dataPage(1, "plaintext marker")}))
	_, err = s.WriteLogPages([]*storage.PageBuffer{dataPage(2, "log marker")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw[storage.PageSize:]), "plaintext marker")
	assert.Contains(t, string(raw[:storage.PageSize]), storage.HeaderInfo)

	bad := cfg
	bad.Password = "wrong"
	_, err = Open(path, bad, logger.Discard())
	assert.ErrorIs(t, err, storage.ErrInvalidPassword)

	none := cfg
	none.Password = ""
	_, err = Open(path, none, logger.Discard())
	assert.ErrorIs(t, err, storage.ErrInvalidPassword)

	s, err = Open(path, cfg, logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	b, err := s.ReadPage(storage.PageSize, storage.OriginData)
	require.NoError(t, err)
	p, err := storage.LoadDataPage(b)
	require.NoError(t, err)
	blk, err := p.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, "plaintext marker", string(blk.Buffer().ReadBytes(0, blk.Length())))

	lb, err := s.ReadPage(0, storage.OriginLog)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), lb.PageID())
}

func TestPasswordOnPlainDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.db")
	s, err := Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg := testConfig()
	cfg.Password = "x"
	_, err = Open(path, cfg, logger.Discard())
	assert.ErrorIs(t, err, storage.ErrInvalidPassword)
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.db")
	s, err := Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, s.WriteDataPages([]*storage.PageBuffer{dataPage(1, "x")}))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xAA}, storage.PageSize+500)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(path, testConfig(), logger.Discard())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.ReadPage(storage.PageSize, storage.OriginData)
	assert.ErrorIs(t, err, storage.ErrChecksumMismatch)
}

func TestNotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	require.NoError(t, os.WriteFile(path, make([]byte, storage.PageSize), 0o644))
	_, err := Open(path, testConfig(), logger.Discard())
	assert.ErrorIs(t, err, storage.ErrInvalidDatabase)
}
