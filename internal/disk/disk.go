// Package disk owns the data file and its write-ahead log file. It reads and
// writes whole pages, applying page encryption and checksums at the I/O
// boundary, and keeps a cache of read-only page buffers.
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/config"
	"go.docstore/internal/logger"
	"go.docstore/internal/storage"
)

// LogSuffix is appended to the data file path to name the log file.
const LogSuffix = ".wal"

// Service is the single owner of the data and log file handles.
type Service struct {
	path    string
	logPath string

	data   *os.File
	logf   *os.File
	cipher *pageCipher
	cache  *pageCache
	log    *logger.Logger

	readOnly bool
	sync     bool

	mu         sync.Mutex
	dataLength int64
	logLength  int64

	header *storage.HeaderPage
}

// Open opens or creates the data file at path. A new file gets a fresh
// header page written at position 0; an existing one has its password
// verified against the stored hash.
func Open(path string, cfg config.Engine, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.Discard()
	}
	s := &Service{
		path:     path,
		logPath:  path + LogSuffix,
		log:      log.With("component", "disk"),
		readOnly: cfg.ReadOnly,
		sync:     cfg.Sync,
	}

	flags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open data file %s", path)
	}
	s.data = f
	if err := flock(f, cfg.ReadOnly); err != nil {
		f.Close()
		return nil, err
	}

	fail := func(err error) (*Service, error) {
		_ = s.closeFiles()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return fail(errors.Wrap(err, "stat data file"))
	}
	s.dataLength = info.Size()

	if s.dataLength == 0 {
		if cfg.ReadOnly {
			return fail(errors.Wrap(storage.ErrInvalidDatabase, "empty file opened read only"))
		}
		if err := s.create(cfg); err != nil {
			return fail(err)
		}
	} else if err := s.load(cfg.Password); err != nil {
		return fail(err)
	}

	if s.cache, err = newPageCache(cfg.CacheSize); err != nil {
		return fail(err)
	}

	logFlags := os.O_RDWR | os.O_CREATE
	if cfg.ReadOnly {
		logFlags = os.O_RDONLY
	}
	lf, err := os.OpenFile(s.logPath, logFlags, 0o644)
	if err != nil && !(cfg.ReadOnly && os.IsNotExist(err)) {
		return fail(errors.Wrapf(err, "open log file %s", s.logPath))
	}
	if lf != nil {
		s.logf = lf
		li, err := lf.Stat()
		if err != nil {
			return fail(errors.Wrap(err, "stat log file"))
		}
		// a torn tail page is ignored and overwritten by the next commit
		s.logLength = li.Size() - li.Size()%storage.PageSize
	}

	s.log.Debugf("opened %s (%d data bytes, %d log bytes, encrypted=%v)", path, s.dataLength, s.logLength, s.cipher != nil)
	return s, nil
}

func (s *Service) create(cfg config.Engine) error {
	header := storage.NewHeaderPage(storage.NewPageBuffer())
	header.SetIgnoreCase(bson.ParseCollation(cfg.Collation).IgnoreCase)

	if cfg.Password != "" {
		salt, err := newSalt()
		if err != nil {
			return errors.Wrap(err, "generate salt")
		}
		hash, err := hashPassword(cfg.Password)
		if err != nil {
			return errors.Wrap(err, "hash password")
		}
		if err := header.SetPassword(salt, hash); err != nil {
			return err
		}
		if s.cipher, err = newPageCipher(cfg.Password, salt); err != nil {
			return err
		}
	}

	buf := header.UpdateBuffer()
	buf.Position = 0
	buf.Origin = storage.OriginData
	if err := s.WriteDataPages([]*storage.PageBuffer{buf}); err != nil {
		return err
	}
	s.header = header
	s.log.Infof("created database %s", s.path)
	return nil
}

func (s *Service) load(password string) error {
	buf := storage.NewPageBuffer()
	if _, err := s.data.ReadAt(buf.Array, 0); err != nil {
		return errors.Wrap(storage.ErrInvalidDatabase, err.Error())
	}
	if !buf.Verify() {
		return errors.Wrap(storage.ErrChecksumMismatch, "header page")
	}
	header, err := storage.LoadHeaderPage(buf)
	if err != nil {
		return err
	}

	switch {
	case header.HasPassword():
		if password == "" || !checkPassword(header.PasswordHash(), password) {
			return storage.ErrInvalidPassword
		}
		if s.cipher, err = newPageCipher(password, header.Salt()); err != nil {
			return err
		}
	case password != "":
		return errors.Wrap(storage.ErrInvalidPassword, "database is not encrypted")
	}
	s.header = header
	return nil
}

// Header returns the header page read from the data file at open. The
// returned page is writable and owned by the caller.
func (s *Service) Header() *storage.HeaderPage { return s.header }

func (s *Service) Path() string { return s.path }

func (s *Service) LogPath() string { return s.logPath }

func (s *Service) ReadOnly() bool { return s.readOnly }

func (s *Service) Encrypted() bool { return s.cipher != nil }

func (s *Service) DataLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataLength
}

func (s *Service) LogLength() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLength
}

// ReadPage returns a shared, read-only buffer for the page at position in
// the given file. Data positions past the end of file read as zeros.
func (s *Service) ReadPage(position int64, origin storage.Origin) (*storage.PageBuffer, error) {
	if b, ok := s.cache.get(position, origin); ok {
		return b, nil
	}

	f := s.data
	if origin == storage.OriginLog {
		f = s.logf
	}
	b := storage.NewPageBuffer()
	b.Position = position
	b.Origin = origin

	if f != nil {
		if _, err := f.ReadAt(b.Array, position); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "read %s page at %d", origin, position)
		}
	}
	if !isZero(b.Array) {
		s.decrypt(b)
		if !b.Verify() {
			s.log.Warnf("checksum mismatch reading %s page at %d", origin, position)
			return nil, errors.Wrapf(storage.ErrChecksumMismatch, "%s page at %d", origin, position)
		}
	}

	b.ShareCounter = 0
	s.cache.set(b)
	return b, nil
}

// WriteLogPages appends pages to the log and returns their positions. The
// buffers are sealed in place; the bytes on disk are an encrypted copy when
// the database has a password.
func (s *Service) WriteLogPages(pages []*storage.PageBuffer) ([]int64, error) {
	if s.readOnly || s.logf == nil {
		return nil, storage.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	positions := make([]int64, len(pages))
	out := make([]byte, storage.PageSize)
	for i, p := range pages {
		pos := s.logLength
		p.Seal()
		s.encrypt(out, p, pos, storage.OriginLog)
		if _, err := s.logf.WriteAt(out, pos); err != nil {
			return nil, errors.Wrapf(err, "write log page at %d", pos)
		}
		s.cache.del(pos, storage.OriginLog)
		positions[i] = pos
		s.logLength += storage.PageSize
	}
	if s.sync {
		if err := s.logf.Sync(); err != nil {
			return nil, errors.Wrap(err, "sync log")
		}
	}
	return positions, nil
}

// WriteDataPages writes pages to the data file at their Position.
func (s *Service) WriteDataPages(pages []*storage.PageBuffer) error {
	if s.readOnly {
		return storage.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, storage.PageSize)
	for _, p := range pages {
		p.Seal()
		s.encrypt(out, p, p.Position, storage.OriginData)
		if _, err := s.data.WriteAt(out, p.Position); err != nil {
			return errors.Wrapf(err, "write data page at %d", p.Position)
		}
		if s.cache != nil {
			s.cache.del(p.Position, storage.OriginData)
		}
		if end := p.Position + storage.PageSize; end > s.dataLength {
			s.dataLength = end
		}
	}
	if s.sync {
		return errors.Wrap(s.data.Sync(), "sync data")
	}
	return nil
}

// ScanLog reads every page of the log in order. valid is false when the
// page checksum does not match.
func (s *Service) ScanLog(fn func(buf *storage.PageBuffer, valid bool) error) error {
	if s.logf == nil {
		return nil
	}
	length := s.LogLength()
	for pos := int64(0); pos < length; pos += storage.PageSize {
		b := storage.NewPageBuffer()
		b.Position = pos
		b.Origin = storage.OriginLog
		if _, err := s.logf.ReadAt(b.Array, pos); err != nil {
			return errors.Wrapf(err, "read log page at %d", pos)
		}
		s.decrypt(b)
		if err := fn(b, b.Verify()); err != nil {
			return err
		}
	}
	return nil
}

// TruncateLog empties the log file and drops cached log pages.
func (s *Service) TruncateLog() error {
	if s.readOnly || s.logf == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.logf.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate log")
	}
	s.logLength = 0
	s.cache.clear()
	return nil
}

// ClearCache drops every cached page.
func (s *Service) ClearCache() {
	s.cache.clear()
}

func (s *Service) encrypt(dst []byte, p *storage.PageBuffer, position int64, origin storage.Origin) {
	if s.cipher == nil || (origin == storage.OriginData && position == 0) {
		copy(dst, p.Array)
		return
	}
	s.cipher.encrypt(dst, p.Array, position, origin)
}

func (s *Service) decrypt(b *storage.PageBuffer) {
	if s.cipher == nil || (b.Origin == storage.OriginData && b.Position == 0) {
		return
	}
	s.cipher.decrypt(b.Array, b.Array, b.Position, b.Origin)
}

// Close releases the files. An empty log file is removed.
func (s *Service) Close() error {
	if s.cache != nil {
		s.cache.close()
	}
	removeLog := !s.readOnly && s.logf != nil && s.LogLength() == 0
	err := s.closeFiles()
	if removeLog {
		if rmErr := os.Remove(s.logPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

func (s *Service) closeFiles() error {
	var first error
	if s.logf != nil {
		if err := s.logf.Close(); err != nil {
			first = err
		}
		s.logf = nil
	}
	if s.data != nil {
		_ = funlock(s.data)
		if err := s.data.Close(); err != nil && first == nil {
			first = err
		}
		s.data = nil
	}
	return first
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
