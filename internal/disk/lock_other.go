//go:build !unix

package disk

import (
	"os"

	"github.com/pkg/errors"
)

var ErrLockedByOther = errors.New("database file is opened by another process")

// no advisory locking outside unix
func flock(*os.File, bool) error { return nil }

func funlock(*os.File) error { return nil }
