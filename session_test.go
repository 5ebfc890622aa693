package calibresync

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspoint-reader/calibresync/protocol"
	"github.com/crosspoint-reader/calibresync/storage"
)

// testStorage is an in-memory Storage for session tests.
type testStorage struct {
	mu    sync.Mutex
	files map[string]*testFile
}

func newTestStorage() *testStorage {
	return &testStorage{files: make(map[string]*testFile)}
}

func (m *testStorage) OpenWrite(path string) (storage.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &testFile{}
	m.files[path] = f
	return f, nil
}

func (m *testStorage) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *testStorage) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *testStorage) MkdirAll(string) error { return nil }
func (m *testStorage) FreeSpace() uint64     { return 512 << 20 }

func (m *testStorage) file(path string) *testFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[path]
}

type testFile struct {
	mu     sync.Mutex
	data   bytes.Buffer
	synced bool
	closed bool
}

func (f *testFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Write(p)
}

func (f *testFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = true
	return nil
}

func (f *testFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *testFile) Truncate(int64) error   { return nil }
func (f *testFile) Preallocate(int64) bool { return true }

func (f *testFile) snapshot() (int, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Len(), f.synced, f.closed
}

// replyCollector drains the peer side of the pipe and frames the
// replies the session sends.
type replyCollector struct {
	mu   sync.Mutex
	acc  protocol.Accumulator
	msgs [][]byte
}

func collectReplies(conn net.Conn) *replyCollector {
	rc := &replyCollector{}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				rc.mu.Lock()
				rc.acc.Append(buf[:n])
				for {
					msg, ok := rc.acc.Next()
					if !ok {
						break
					}
					rc.msgs = append(rc.msgs, msg)
				}
				rc.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return rc
}

func (rc *replyCollector) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.msgs)
}

func (rc *replyCollector) opcodes() []protocol.OpCode {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ops := make([]protocol.OpCode, 0, len(rc.msgs))
	for _, msg := range rc.msgs {
		op, _, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops
}

// newTestSession wires a session to one end of an in-memory pipe and
// drives its poll loop until the test finishes.
func newTestSession(t *testing.T, store storage.Storage) (*session, net.Conn, *replyCollector) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ReadPollTimeout = 20 * time.Millisecond

	s := newSession(cfg, store, func() {})
	client, server := net.Pipe()
	s.attach(server)

	stop := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		_ = client.Close()
		s.closeConn()
	})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.poll()
			}
		}
	}()

	return s, client, collectReplies(client)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestSendBookEndToEnd covers the full transfer path: the SEND_BOOK
// announcement followed by 1000 raw bytes yields exactly one complete
// destination file, the session returns to Waiting, and exactly one
// completion reply is sent after the acknowledgment.
func TestSendBookEndToEnd(t *testing.T) {
	store := newTestStorage()
	s, client, replies := newTestSession(t, store)

	payload := `{"lpath":"books/My Book.epub","length":1000}`
	body := bytes.Repeat([]byte{0x5A}, 1000)

	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpSendBook, payload))
	require.NoError(t, err)
	_, err = client.Write(body)
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateWaiting && replies.count() == 2 },
		"transfer did not complete")

	assert.Equal(t, []protocol.OpCode{protocol.OpOK, protocol.OpOK}, replies.opcodes())

	f := store.file("My Book.epub")
	require.NotNil(t, f, "destination must be the sanitized base name")
	size, synced, closed := f.snapshot()
	assert.Equal(t, 1000, size)
	assert.True(t, synced)
	assert.True(t, closed)
	assert.Len(t, store.files, 1, "exactly one destination file")
}

// TestSendBookBinaryInSameRead verifies payload bytes appended to the
// same network read as the command are consumed immediately.
func TestSendBookBinaryInSameRead(t *testing.T) {
	store := newTestStorage()
	s, client, replies := newTestSession(t, store)

	payload := `{"lpath":"tiny.epub","length":8}`
	wire := append(protocol.EncodeEnvelope(protocol.OpSendBook, payload), []byte("ABCDEFGH")...)

	_, err := client.Write(wire)
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateWaiting && replies.count() == 2 },
		"inline payload was not consumed")

	size, _, closed := store.file("tiny.epub").snapshot()
	assert.Equal(t, 8, size)
	assert.True(t, closed)
}

// TestSendBookMissingFields verifies malformed announcements are
// rejected with an error reply and no state change past Waiting.
func TestSendBookMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing lpath", payload: `{"length":100}`},
		{name: "missing length", payload: `{"lpath":"a.epub"}`},
		{name: "zero length", payload: `{"lpath":"a.epub","length":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStorage()
			s, client, replies := newTestSession(t, store)

			_, err := client.Write(protocol.EncodeEnvelope(protocol.OpSendBook, tt.payload))
			require.NoError(t, err)

			waitFor(t, func() bool { return replies.count() == 1 }, "no reply")
			assert.Equal(t, []protocol.OpCode{protocol.OpError}, replies.opcodes())
			assert.Equal(t, StateWaiting, s.State())
			assert.Empty(t, store.files)
		})
	}
}

// TestForcedEpubExtension verifies the destination always carries the
// accepted extension.
func TestForcedEpubExtension(t *testing.T) {
	store := newTestStorage()
	s, client, _ := newTestSession(t, store)

	payload := `{"lpath":"books/notes.txt","length":4}`
	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpSendBook, payload))
	require.NoError(t, err)
	_, err = client.Write([]byte("data"))
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateWaiting && store.Exists("notes.txt.epub") },
		"renamed destination missing")
}

// TestUnknownOpcodeAcknowledged verifies forward compatibility: an
// out-of-range opcode, negative included, gets an empty success and
// nothing else happens. Dropping the reply instead would leave the
// desktop waiting forever.
func TestUnknownOpcodeAcknowledged(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{name: "above range", wire: `7[99,{}]`},
		{name: "negative", wire: `7[-1,{}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStorage()
			s, client, replies := newTestSession(t, store)

			_, err := client.Write([]byte(tt.wire))
			require.NoError(t, err)

			waitFor(t, func() bool { return replies.count() == 1 }, "no acknowledgment")
			assert.Equal(t, []protocol.OpCode{protocol.OpOK}, replies.opcodes())
			assert.Equal(t, StateWaiting, s.State())
		})
	}
}

// TestCatalogCommandsAcknowledged verifies the intentionally
// unimplemented catalog opcodes are acknowledged without state change.
func TestCatalogCommandsAcknowledged(t *testing.T) {
	store := newTestStorage()
	s, client, replies := newTestSession(t, store)

	for _, op := range []protocol.OpCode{
		protocol.OpSendBookMetadata,
		protocol.OpSetCalibreDeviceInfo,
		protocol.OpSetCalibreDeviceName,
		protocol.OpSetLibraryInfo,
		protocol.OpSendBooklists,
	} {
		_, err := client.Write(protocol.EncodeEnvelope(op, "{}"))
		require.NoError(t, err)
	}

	waitFor(t, func() bool { return replies.count() == 5 }, "missing acknowledgments")
	assert.Equal(t, StateWaiting, s.State())
	for _, op := range replies.opcodes() {
		assert.Equal(t, protocol.OpOK, op)
	}
}

// TestNoopEjecting verifies the peer's eject notice ends the session.
func TestNoopEjecting(t *testing.T) {
	store := newTestStorage()
	s, client, replies := newTestSession(t, store)

	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpNoop, `{"ejecting":true}`))
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateDisconnected }, "no disconnect")
	waitFor(t, func() bool { return replies.count() == 1 }, "no NOOP ack")
	assert.Equal(t, []protocol.OpCode{protocol.OpNoop}, replies.opcodes())
}

// TestDisplayMessagePassword verifies the password message kind is
// surfaced as an error.
func TestDisplayMessagePassword(t *testing.T) {
	store := newTestStorage()
	s, client, _ := newTestSession(t, store)

	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpDisplayMessage,
		`{"messageKind":1,"message":"bad password"}`))
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateError }, "no error state")
	assert.Equal(t, "Password required", s.snapshot().errorText)
}

// TestGetInitializationInfo verifies the capability exchange replies
// and settles the session in Waiting.
func TestGetInitializationInfo(t *testing.T) {
	store := newTestStorage()
	s, client, replies := newTestSession(t, store)

	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpGetInitializationInfo, "{}"))
	require.NoError(t, err)

	waitFor(t, func() bool { return replies.count() == 1 }, "no reply")

	op, payload, err := protocol.DecodeEnvelope(replies.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.OpOK, op)
	assert.Contains(t, payload, `"acceptedExtensions":["epub"]`)
	assert.Contains(t, payload, `"ccVersionNumber":212`)
	assert.Equal(t, StateWaiting, s.State())
}

// TestPeerDisconnectWhileIdle verifies an idle session notices the
// peer going away.
func TestPeerDisconnectWhileIdle(t *testing.T) {
	store := newTestStorage()
	s, client, _ := newTestSession(t, store)

	_ = client.Close()

	waitFor(t, func() bool { return s.State() == StateDisconnected }, "no disconnect")
}

// TestPeerDisconnectMidTransfer verifies a dropped connection during
// binary mode flushes the partial file and surfaces an error.
func TestPeerDisconnectMidTransfer(t *testing.T) {
	store := newTestStorage()
	s, client, _ := newTestSession(t, store)

	payload := `{"lpath":"big.epub","length":100000}`
	_, err := client.Write(protocol.EncodeEnvelope(protocol.OpSendBook, payload))
	require.NoError(t, err)
	_, err = client.Write(bytes.Repeat([]byte{1}, 5000))
	require.NoError(t, err)

	waitFor(t, func() bool { return s.State() == StateReceiving }, "transfer did not start")
	_ = client.Close()

	waitFor(t, func() bool { return s.State() == StateError }, "interruption not surfaced")

	// The partial file stays on disk, closed, with received bytes
	// flushed through the sink.
	f := store.file("big.epub")
	require.NotNil(t, f)
	size, _, closed := f.snapshot()
	assert.True(t, closed)
	assert.Equal(t, 5000, size)
}
