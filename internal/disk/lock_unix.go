//go:build unix

package disk

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var ErrLockedByOther = errors.New("database file is opened by another process")

// flock takes an advisory lock on the data file: shared for read only
// access, exclusive otherwise.
func flock(f *os.File, readOnly bool) error {
	flag := syscall.LOCK_EX
	if readOnly {
		flag = syscall.LOCK_SH
	}
	err := syscall.Flock(int(f.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return ErrLockedByOther
	}
	return errors.Wrap(err, "flock failed")
}

func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
