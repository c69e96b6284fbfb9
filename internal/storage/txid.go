package storage

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// TxID identifies a transaction in page headers: 4 byte unix time, 8 byte
// process counter and 4 random bytes.
type TxID [16]byte

var (
	txCounter atomic.Uint64
	txSalt    = func() [4]byte {
		var b [4]byte
		_, _ = rand.Read(b[:])
		return b
	}()
)

func NewTxID() TxID {
	var id TxID
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	binary.BigEndian.PutUint64(id[4:12], txCounter.Add(1))
	copy(id[12:16], txSalt[:])
	return id
}

func (id TxID) IsZero() bool {
	return id == TxID{}
}

func (id TxID) String() string {
	return hex.EncodeToString(id[:])
}
