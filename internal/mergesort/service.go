// Package mergesort orders (key, document address) pairs that may not fit
// in memory: sorted runs are spilled to a scratch file and merged k-way.
package mergesort

import (
	"fmt"
	"iter"
	"os"
	"sync"

	"github.com/pkg/errors"

	"go.docstore/internal/bson"
	"go.docstore/internal/logger"
)

const (
	Ascending  = 1
	Descending = -1
)

// stream is one scratch file. A sort holds a stream for its whole run.
type stream struct {
	path string
	file *os.File
}

// Service sorts items in runs of containerSize. Scratch files are named
// after the data file and removed by Close.
type Service struct {
	dataPath      string
	containerSize int
	collation     bson.Collation
	log           *logger.Logger

	mu      sync.Mutex
	streams []*stream
	all     []*stream
	closed  bool

	containers sync.Pool
}

func NewService(dataPath string, containerSize int, collation bson.Collation, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if containerSize <= 0 {
		containerSize = 1
	}
	s := &Service{
		dataPath:      dataPath,
		containerSize: containerSize,
		collation:     collation,
		log:           log.With("component", "sort"),
	}
	s.containers.New = func() any { return &Container{} }
	return s
}

func (s *Service) acquireStream() (*stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sort service is closed")
	}
	if n := len(s.streams); n > 0 {
		st := s.streams[n-1]
		s.streams = s.streams[:n-1]
		return st, nil
	}
	path := fmt.Sprintf("%s.sort-%d", s.dataPath, len(s.all))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create sort file %s", path)
	}
	st := &stream{path: path, file: f}
	s.all = append(s.all, st)
	s.log.Debugf("created scratch file %s", path)
	return st, nil
}

func (s *Service) releaseStream(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.streams = append(s.streams, st)
}

func (s *Service) getContainer() *Container {
	c := s.containers.Get().(*Container)
	c.reset()
	return c
}

func (s *Service) putContainers(cs []*Container) {
	for _, c := range cs {
		c.reset()
		s.containers.Put(c)
	}
}

// Sort reads all of source, then calls emit with every item in key order
// until emit returns false. A single run never touches the scratch file.
func (s *Service) Sort(source iter.Seq2[Item, error], order int, emit func(Item) bool) error {
	if order != Descending {
		order = Ascending
	}

	var (
		containers []*Container
		cur        *Container
		st         *stream
		offset     int64
	)
	defer func() {
		s.putContainers(containers)
		if st != nil {
			s.releaseStream(st)
		}
	}()

	// full runs are spilled as soon as the next one starts
	spillLast := func() error {
		last := containers[len(containers)-1]
		last.sort(s.collation, order)
		if st == nil {
			var err error
			if st, err = s.acquireStream(); err != nil {
				return err
			}
		}
		n, err := last.spill(st.file, offset)
		offset += n
		return err
	}

	for it, err := range source {
		if err != nil {
			return err
		}
		if cur == nil || len(cur.items) == s.containerSize {
			if cur != nil {
				if err := spillLast(); err != nil {
					return err
				}
			}
			cur = s.getContainer()
			containers = append(containers, cur)
		}
		cur.items = append(cur.items, it)
	}
	if cur == nil {
		return nil
	}
	if len(containers) > 1 {
		if err := spillLast(); err != nil {
			return err
		}
	} else {
		cur.sort(s.collation, order)
	}

	var file *os.File
	if st != nil {
		file = st.file
		s.log.Debugf("merging %d containers (%d bytes spilled)", len(containers), offset)
	}
	return s.merge(containers, file, order, emit)
}

// merge emits the smallest head among the open containers. On equal keys
// the container emitted last keeps going.
func (s *Service) merge(containers []*Container, file *os.File, order int, emit func(Item) bool) error {
	for _, c := range containers {
		if err := c.open(file); err != nil {
			return err
		}
	}

	sel := -1
	for {
		best := -1
		if sel >= 0 && !containers[sel].eof {
			best = sel
		}
		for i, c := range containers {
			if c.eof || i == best {
				continue
			}
			if best < 0 || s.collation.Compare(c.current.Key, containers[best].current.Key)*order < 0 {
				best = i
			}
		}
		if best < 0 {
			return nil
		}
		sel = best
		c := containers[sel]
		if !emit(c.current) {
			return nil
		}
		if err := c.next(); err != nil {
			return err
		}
	}
}

// Close removes every scratch file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, st := range s.all {
		if err := st.file.Close(); err != nil && first == nil {
			first = err
		}
		if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) && first == nil {
			first = err
		}
	}
	s.all, s.streams = nil, nil
	return first
}
