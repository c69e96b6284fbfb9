// Package codec compresses serialized documents before they are written to
// data blocks. Every encoded value starts with one algorithm byte so a
// database can switch algorithms without rewriting existing documents.
package codec

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

type Algorithm byte

const (
	None Algorithm = iota
	Snappy
	LZ4
)

var (
	ErrUnknownAlgorithm = errors.New("unknown compression algorithm")
	ErrEmptyPayload     = errors.New("empty compressed payload")
)

type compressor func([]byte) ([]byte, error)
type decompressor func([]byte) ([]byte, error)

var (
	snappyCompress compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	snappyDecompress decompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}

	lz4Compress compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		w := lz4.NewWriter(buf)
		w.NoChecksum = true
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	lz4Decompress decompressor = func(in []byte) ([]byte, error) {
		return io.ReadAll(lz4.NewReader(bytes.NewReader(in)))
	}
)

var algorithms = map[Algorithm]struct {
	name       string
	compress   compressor
	decompress decompressor
}{
	Snappy: {"snappy", snappyCompress, snappyDecompress},
	LZ4:    {"lz4", lz4Compress, lz4Decompress},
}

func (a Algorithm) String() string {
	if a == None {
		return "none"
	}
	if c, ok := algorithms[a]; ok {
		return c.name
	}
	return "unknown"
}

// Parse maps a configuration name to an Algorithm.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	}
	return None, errors.Wrapf(ErrUnknownAlgorithm, "%q", name)
}

// Codec frames documents as [algorithm byte][payload].
type Codec struct {
	alg Algorithm
}

func New(alg Algorithm) *Codec {
	return &Codec{alg: alg}
}

func (c *Codec) Algorithm() Algorithm { return c.alg }

// Encode compresses in when that makes it smaller, otherwise stores it as is.
func (c *Codec) Encode(in []byte) ([]byte, error) {
	if entry, ok := algorithms[c.alg]; ok {
		out, err := entry.compress(in)
		if err != nil {
			return nil, errors.Wrapf(err, "%s compress", entry.name)
		}
		if len(out) < len(in) {
			return append([]byte{byte(c.alg)}, out...), nil
		}
	}
	return append([]byte{byte(None)}, in...), nil
}

// Decode reverses Encode regardless of the codec's own algorithm.
func (c *Codec) Decode(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrEmptyPayload
	}
	alg := Algorithm(in[0])
	if alg == None {
		return in[1:], nil
	}
	entry, ok := algorithms[alg]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "tag %d", in[0])
	}
	out, err := entry.decompress(in[1:])
	if err != nil {
		return nil, errors.Wrapf(err, "%s decompress", entry.name)
	}
	return out, nil
}
