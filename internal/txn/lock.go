package txn

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.docstore/internal/storage"
)

const lockRetryMax = 20 * time.Millisecond

// LockService coordinates transactions. Every open transaction holds the
// transaction lock in shared mode; checkpoint takes it exclusively. Writers
// additionally hold one lock per collection until they finish.
type LockService struct {
	timeout  time.Duration
	readOnly bool

	transaction sync.RWMutex

	mu          sync.Mutex
	collections map[string]*sync.Mutex
}

func NewLockService(timeout time.Duration, readOnly bool) *LockService {
	return &LockService{
		timeout:     timeout,
		readOnly:    readOnly,
		collections: make(map[string]*sync.Mutex),
	}
}

// wait polls try until it succeeds or the timeout elapses.
func (l *LockService) wait(what string, try func() bool) error {
	if try() {
		return nil
	}
	start := time.Now()
	delay := time.Millisecond
	for {
		if time.Since(start) > l.timeout {
			return errors.Wrapf(storage.ErrLockTimeout, "%s after %s", what, l.timeout)
		}
		time.Sleep(delay)
		if try() {
			return nil
		}
		if delay < lockRetryMax {
			delay *= 2
		}
	}
}

func (l *LockService) EnterTransaction() error {
	return l.wait("transaction lock", l.transaction.TryRLock)
}

func (l *LockService) ExitTransaction() {
	l.transaction.RUnlock()
}

func (l *LockService) collection(name string) *sync.Mutex {
	key := strings.ToLower(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.collections[key]
	if !ok {
		m = &sync.Mutex{}
		l.collections[key] = m
	}
	return m
}

// EnterLock takes the write lock of a collection.
func (l *LockService) EnterLock(collection string) error {
	if l.readOnly {
		return storage.ErrReadOnly
	}
	m := l.collection(collection)
	return l.wait("collection "+collection, m.TryLock)
}

func (l *LockService) ExitLock(collection string) {
	l.collection(collection).Unlock()
}

// EnterExclusive waits until no transaction is open.
func (l *LockService) EnterExclusive() error {
	return l.wait("exclusive lock", l.transaction.TryLock)
}

func (l *LockService) TryEnterExclusive() bool {
	return l.transaction.TryLock()
}

func (l *LockService) ExitExclusive() {
	l.transaction.Unlock()
}
