package sink

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspoint-reader/calibresync/storage"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	files    map[string]*memFile
	openErr  error
	writeErr error
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string]*memFile)}
}

func (m *memStorage) OpenWrite(path string) (storage.File, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	f := &memFile{writeErr: &m.writeErr}
	m.files[path] = f
	return f, nil
}

func (m *memStorage) Remove(path string) error {
	delete(m.files, path)
	return nil
}

func (m *memStorage) Exists(path string) bool {
	_, ok := m.files[path]
	return ok
}

func (m *memStorage) MkdirAll(string) error { return nil }
func (m *memStorage) FreeSpace() uint64     { return 1 << 30 }

// memFile records writes and lifecycle calls.
type memFile struct {
	data     bytes.Buffer
	writes   int
	synced   bool
	closed   bool
	writeErr *error
}

func (f *memFile) Write(p []byte) (int, error) {
	if *f.writeErr != nil {
		return 0, *f.writeErr
	}
	f.writes++
	return f.data.Write(p)
}

func (f *memFile) Sync() error            { f.synced = true; return nil }
func (f *memFile) Close() error           { f.closed = true; return nil }
func (f *memFile) Truncate(int64) error   { f.data.Reset(); return nil }
func (f *memFile) Preallocate(int64) bool { return true }

// TestSinkAccountingInvariant verifies received + remaining == size
// after every applied chunk, for several chunkings of the same stream.
func TestSinkAccountingInvariant(t *testing.T) {
	const size = 10000
	payload := bytes.Repeat([]byte{0xAB}, size)

	chunkings := [][]int{
		{10000},
		{1, 9999},
		{4096, 4096, 1808},
		{100, 5000, 4900},
		{1, 1, 1, 9997},
	}

	for _, chunks := range chunkings {
		store := newMemStorage()
		s, err := New(store, "book.epub", size)
		require.NoError(t, err)

		off := 0
		for _, n := range chunks {
			require.NoError(t, s.Write(payload[off:off+n]))
			off += n
			assert.Equal(t, uint64(size), s.Received()+s.Remaining())
		}

		require.True(t, s.Done())
		require.NoError(t, s.Complete())

		f := store.files["book.epub"]
		assert.Equal(t, payload, f.data.Bytes())
		assert.True(t, f.synced)
		assert.True(t, f.closed)
	}
}

// TestSinkBatchesWrites verifies small chunks coalesce into
// buffer-sized storage writes.
func TestSinkBatchesWrites(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 2*WriteBufferSize)
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte{1}, 64)
	for i := 0; i < 2*WriteBufferSize/64; i++ {
		require.NoError(t, s.Write(chunk))
	}
	require.NoError(t, s.Complete())

	// 8192 bytes through a 4096 buffer is exactly two flushes.
	assert.Equal(t, 2, store.files["book.epub"].writes)
}

// TestSinkOverrun verifies writes past the declared size are refused.
func TestSinkOverrun(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 10)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Write(make([]byte, 11)), ErrOverrun)
	require.NoError(t, s.Write(make([]byte, 10)))
	assert.ErrorIs(t, s.Write([]byte{1}), ErrOverrun)
}

// TestSinkIncompleteCompletion verifies Complete refuses while bytes
// are outstanding.
func TestSinkIncompleteCompletion(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 10)
	require.NoError(t, err)

	require.NoError(t, s.Write(make([]byte, 4)))
	assert.ErrorIs(t, s.Complete(), ErrIncomplete)
}

// TestSinkWriteFailure verifies a storage failure surfaces and the
// sink refuses further use after abort.
func TestSinkWriteFailure(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 2*WriteBufferSize)
	require.NoError(t, err)

	store.writeErr = errors.New("card yanked")
	err = s.Write(make([]byte, WriteBufferSize))
	require.Error(t, err)

	s.Abort(false)
	assert.True(t, store.files["book.epub"].closed)
	assert.True(t, store.Exists("book.epub"), "partial file stays on disk by default")

	assert.ErrorIs(t, s.Write([]byte{1}), ErrClosed)
	assert.ErrorIs(t, s.Complete(), ErrClosed)
}

// TestSinkAbortRemove verifies opt-in removal of a failed transfer.
func TestSinkAbortRemove(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 100)
	require.NoError(t, err)

	require.NoError(t, s.Write(make([]byte, 50)))
	s.Abort(true)

	assert.False(t, store.Exists("book.epub"))
}

// TestSinkWriteAbortSerialized verifies a concurrent Abort cannot
// interleave with an in-flight Write: the writer either lands a whole
// chunk or fails with ErrClosed, and the destination ends up closed
// with every accepted byte flushed.
func TestSinkWriteAbortSerialized(t *testing.T) {
	store := newMemStorage()
	s, err := New(store, "book.epub", 1<<20)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		chunk := make([]byte, 100)
		for i := 0; i < 2000; i++ {
			if werr := s.Write(chunk); werr != nil {
				assert.ErrorIs(t, werr, ErrClosed)
				return
			}
		}
	}()

	time.Sleep(time.Millisecond)
	s.Abort(false)
	<-done

	f := store.files["book.epub"]
	require.NotNil(t, f)
	assert.True(t, f.closed)
	assert.Equal(t, int(s.Received()), f.data.Len(), "accepted bytes must all be flushed")
}
