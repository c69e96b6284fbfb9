package storage

import (
	"github.com/pkg/errors"

	"go.docstore/internal/bson"
)

var (
	// format
	ErrInvalidDatabase        = errors.New("invalid database")
	ErrInvalidDatabaseVersion = errors.New("invalid database version")
	ErrInvalidPassword        = errors.New("invalid password")
	ErrInvalidPageType        = errors.New("invalid page type")
	ErrChecksumMismatch       = errors.New("checksum does not match")
	// capacity
	ErrIndexLimitExceeded      = errors.New("index limit exceeded")
	ErrCollectionLimitExceeded = errors.New("collection name table size exceeded")
	ErrSizeLimitReached        = errors.New("data file size limit reached")
	ErrPageFull                = errors.New("not enough space in page")
	ErrInvalidName             = errors.New("invalid name")
	ErrDocumentMaxSize         = errors.New("document exceeds maximum size")
	ErrIndexKeyTooLong         = bson.ErrKeyTooLong
	// concurrency
	ErrLockTimeout      = errors.New("lock timeout")
	ErrTransactionLimit = errors.New("too many open transactions")
	ErrInvalidTxState   = errors.New("invalid transaction state")
	ErrReadOnly         = errors.New("database is read only")
	// constraints
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrIndexNotFound   = errors.New("index not found")
	ErrIndexExists     = errors.New("index already exists with different definition")
	ErrDropPrimaryKey  = errors.New("primary key index cannot be dropped")
	ErrInvalidID       = errors.New("invalid _id value")
	ErrCollectionExist = errors.New("collection already exists")
	// corruption
	ErrCorruptPage = errors.New("page is corrupt")
)

// IsRetryable reports whether err is a transient condition the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrTransactionLimit)
}
