package bson

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ObjectID is a 12 byte id: 4 byte unix seconds, 5 byte process random, 3 byte counter.
type ObjectID [12]byte

var ErrInvalidObjectID = errors.New("invalid object id")

var (
	processUnique = newProcessUnique()
	oidCounter    atomic.Uint32
)

func newProcessUnique() [5]byte {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(errors.Wrap(err, "read random bytes"))
	}
	return b
}

func init() {
	var b [4]byte
	_, _ = rand.Read(b[:])
	oidCounter.Store(binary.BigEndian.Uint32(b[:]))
}

func NewObjectID() ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:9], processUnique[:])
	c := oidCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

func ObjectIDFromHex(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, errors.Wrapf(ErrInvalidObjectID, "%q", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.Wrapf(ErrInvalidObjectID, "%q", s)
	}
	return id, nil
}

func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0).UTC()
}

func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

func (id ObjectID) Compare(other ObjectID) int {
	return bytes.Compare(id[:], other[:])
}

// NewGuid returns a random (version 4) guid.
func NewGuid() [16]byte {
	var g [16]byte
	if _, err := rand.Read(g[:]); err != nil {
		panic(errors.Wrap(err, "read random bytes"))
	}
	g[6] = (g[6] & 0x0f) | 0x40
	g[8] = (g[8] & 0x3f) | 0x80
	return g
}

func FormatGuid(g [16]byte) string {
	h := hex.EncodeToString(g[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

func ParseGuid(s string) ([16]byte, error) {
	var g [16]byte
	clean := make([]byte, 0, 32)
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			clean = append(clean, s[i])
		}
	}
	if len(clean) != 32 {
		return g, errors.Errorf("invalid guid %q", s)
	}
	if _, err := hex.Decode(g[:], clean); err != nil {
		return g, errors.Wrapf(err, "invalid guid %q", s)
	}
	return g, nil
}
