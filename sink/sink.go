// Package sink finalizes an incoming book file. It owns a small write
// buffer batching socket reads into larger storage writes, tracks the
// remaining-byte counter for the binary transfer, and guarantees the
// destination is either completed or explicitly aborted, never left as
// a silent partial success.
package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/crosspoint-reader/calibresync/storage"
)

// WriteBufferSize is the batching buffer capacity. Matching the peer's
// maxBookContentPacketLen keeps one network read per flush in the
// common case.
const WriteBufferSize = 4096

// ErrOverrun indicates more bytes were offered than the declared
// transfer size allows.
var ErrOverrun = errors.New("sink: write past declared size")

// ErrClosed indicates use after Complete or Abort.
var ErrClosed = errors.New("sink: closed")

// ErrIncomplete indicates Complete was called with bytes outstanding.
var ErrIncomplete = errors.New("sink: transfer incomplete")

// Sink buffers incoming binary payload and writes it to storage in
// batches. The network worker feeds it, but the shutdown path may
// finalize it at any moment, so Write, Complete and Abort serialize on
// an internal mutex; a Write that loses the race against Abort fails
// with ErrClosed.
type Sink struct {
	store storage.Storage
	file  storage.File
	path  string

	mu  sync.Mutex
	buf []byte
	pos int

	total    uint64
	received uint64
	closed   bool
}

// New opens the destination file and prepares a sink for exactly size
// bytes.
func New(store storage.Storage, path string, size uint64) (*Sink, error) {
	file, err := store.OpenWrite(path)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"path":     path,
		"size":     size,
	}).Info("Transfer sink opened")

	return &Sink{
		store: store,
		file:  file,
		path:  path,
		buf:   make([]byte, WriteBufferSize),
		total: size,
	}, nil
}

// Write buffers p, flushing to storage whenever the buffer fills.
// Offering more than Remaining bytes is a caller bug and fails before
// anything is written.
func (s *Sink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if uint64(len(p)) > s.remaining() {
		return ErrOverrun
	}

	accepted := uint64(len(p))
	for len(p) > 0 {
		n := copy(s.buf[s.pos:], p)
		s.pos += n
		p = p[n:]

		if s.pos == len(s.buf) {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}

	s.received += accepted
	return nil
}

// flush pushes buffered bytes to storage. A short write is a failure;
// the buffer position is reset either way so an abort after a failed
// flush does not retry the same bytes.
func (s *Sink) flush() error {
	if s.pos == 0 {
		return nil
	}
	n, err := s.file.Write(s.buf[:s.pos])
	written := s.pos
	s.pos = 0
	if err != nil {
		return fmt.Errorf("sink: write %s: %w", s.path, err)
	}
	if n != written {
		return fmt.Errorf("sink: short write %s: %d of %d", s.path, n, written)
	}
	return nil
}

// Complete flushes the final partial buffer, syncs, and closes the
// destination. It fails with ErrIncomplete when bytes are still
// outstanding.
func (s *Sink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.remaining() != 0 {
		return ErrIncomplete
	}

	if err := s.flush(); err != nil {
		s.close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.close()
		return fmt.Errorf("sink: sync %s: %w", s.path, err)
	}
	s.close()

	logrus.WithFields(logrus.Fields{
		"function": "Complete",
		"path":     s.path,
		"size":     s.total,
	}).Info("Transfer sink finalized")

	return nil
}

// Abort flushes what it can, closes the destination, and optionally
// removes it. Leaving the partial file in place mirrors what the
// desktop peer expects on a failed transfer; removal is the stricter
// alternative a caller can opt into.
func (s *Sink) Abort(remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	_ = s.flush()
	s.close()

	if remove {
		if err := s.store.Remove(s.path); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Abort",
				"path":     s.path,
				"error":    err.Error(),
			}).Warn("Could not remove aborted transfer")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Abort",
		"path":     s.path,
		"received": s.received,
		"size":     s.total,
		"removed":  remove,
	}).Info("Transfer sink aborted")
}

func (s *Sink) close() {
	_ = s.file.Close()
	s.closed = true
}

// Path returns the destination path.
func (s *Sink) Path() string { return s.path }

// Size returns the declared transfer size.
func (s *Sink) Size() uint64 { return s.total }

// Received returns bytes accepted so far. Received + Remaining always
// equals Size.
func (s *Sink) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Remaining returns bytes still expected from the peer.
func (s *Sink) Remaining() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining()
}

func (s *Sink) remaining() uint64 { return s.total - s.received }

// Done reports whether every declared byte has been accepted.
func (s *Sink) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received == s.total
}
