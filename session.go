package calibresync

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crosspoint-reader/calibresync/device"
	"github.com/crosspoint-reader/calibresync/discovery"
	"github.com/crosspoint-reader/calibresync/protocol"
	"github.com/crosspoint-reader/calibresync/sink"
	"github.com/crosspoint-reader/calibresync/storage"
)

// session is the protocol engine's central entity: connection, framing
// accumulator, transfer sink, and the state machine around them. All
// protocol mutation happens on the network worker; the state mutex
// guards the fields the render worker and the shutdown path read.
type session struct {
	cfg   *Config
	store storage.Storage
	scan  protocol.PayloadScanner

	mu         sync.Mutex
	state      State
	peer       discovery.Reply
	statusText string
	errorText  string

	conn net.Conn
	w    *bufio.Writer

	acc     protocol.Accumulator
	readBuf []byte

	binaryMode bool
	snk        *sink.Sink

	requestRepaint func()
}

func newSession(cfg *Config, store storage.Storage, repaint func()) *session {
	return &session{
		cfg:            cfg,
		store:          store,
		scan:           protocol.Scan,
		state:          StateDiscovering,
		statusText:     "Discovering calibre...",
		readBuf:        make([]byte, sink.WriteBufferSize),
		requestRepaint: repaint,
	}
}

// snapshot is what the render worker paints from.
type snapshot struct {
	state      State
	statusText string
	errorText  string
	fileName   string
	received   uint64
	total      uint64
}

// State returns the current state under the state mutex.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		state:      s.state,
		statusText: s.statusText,
		errorText:  s.errorText,
	}
	if s.snk != nil {
		snap.fileName = s.snk.Path()
		snap.received = s.snk.Received()
		snap.total = s.snk.Size()
	}
	return snap
}

func (s *session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()

	if prev != state {
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"from":     prev.String(),
			"to":       state.String(),
		}).Info("Session state changed")
	}
	s.requestRepaint()
}

func (s *session) setStatus(text string) {
	s.mu.Lock()
	s.statusText = text
	s.mu.Unlock()
	s.requestRepaint()
}

func (s *session) setError(text string) {
	s.mu.Lock()
	s.errorText = text
	s.mu.Unlock()
	s.setState(StateError)
}

// adoptPeer records a usable discovery reply and moves to Connecting.
func (s *session) adoptPeer(reply discovery.Reply) {
	s.mu.Lock()
	s.peer = reply
	s.mu.Unlock()
	s.setState(StateConnecting)
	s.setStatus("Connecting to " + reply.DisplayName + "...")
}

// clearPeer wipes discovery results on re-entry into Discovering.
func (s *session) clearPeer() {
	s.mu.Lock()
	s.peer = discovery.Reply{}
	s.mu.Unlock()
}

// connect attempts the TCP session: primary port first, then the alt
// port after a short stop-aware delay. Both failing is retryable, not
// fatal: the session returns to Discovering.
func (s *session) connect(stopped func() bool) {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()

	conn := s.dial(peer.Host, peer.Port)
	if conn == nil && peer.AltPort > 0 && !sleepUnless(stopped, 200*time.Millisecond) {
		conn = s.dial(peer.Host, peer.AltPort)
	}
	if stopped() {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if conn == nil {
		s.clearPeer()
		s.setState(StateDiscovering)
		s.setStatus("Discovering calibre...\n(Connection failed, retrying)")
		return
	}

	s.mu.Lock()
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.mu.Unlock()

	s.setState(StateWaiting)
	s.setStatus("Connected to " + peer.DisplayName + "\nWaiting for commands...")
}

func (s *session) dial(host string, port int) net.Conn {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.ConnectTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dial",
			"addr":     addr,
			"error":    err.Error(),
		}).Info("Connect attempt failed")
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"function": "dial",
		"addr":     addr,
	}).Info("Connected to calibre")
	return conn
}

// attach installs an established connection directly (tests).
func (s *session) attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.w = bufio.NewWriter(conn)
	s.mu.Unlock()
	s.setState(StateWaiting)
}

// closeConn closes the TCP session from the owning/shutdown path; this
// is what unblocks a worker waiting in a read.
func (s *session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// closeSink flushes and closes any open destination so shutdown never
// leaves buffered bytes unwritten. The pointer swap is guarded so the
// shutdown path and the network worker cannot both finalize it.
func (s *session) closeSink() {
	s.mu.Lock()
	snk := s.snk
	s.snk = nil
	s.binaryMode = false
	s.mu.Unlock()

	if snk != nil {
		snk.Abort(false)
	}
}

// poll performs one state-appropriate unit of network work for an
// established session: one binary-mode read, or one framed command.
func (s *session) poll() {
	s.mu.Lock()
	conn := s.conn
	binary := s.binaryMode
	s.mu.Unlock()
	if conn == nil {
		return
	}

	if binary {
		s.receiveBinary(conn)
		return
	}

	// Drain an already-buffered envelope before touching the socket.
	if msg, ok := s.acc.Next(); ok {
		s.dispatch(msg)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadPollTimeout))
	n, err := conn.Read(s.readBuf)
	if n > 0 {
		s.acc.Append(s.readBuf[:n])
	}
	if err != nil && !isTimeout(err) {
		s.handleDisconnect()
		return
	}

	if msg, ok := s.acc.Next(); ok {
		s.dispatch(msg)
	}
}

// handleDisconnect covers the peer dropping the session while idle.
func (s *session) handleDisconnect() {
	s.closeSink()
	s.closeConn()
	s.acc.Reset()
	s.setState(StateDisconnected)
	s.setStatus("calibre disconnected")
}

// dispatch decodes one envelope and routes it. Out-of-range opcodes
// are acknowledged with an empty success and never dispatched, keeping
// the session resilient to driver-side extensions.
func (s *session) dispatch(msg []byte) {
	op, payload, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		if errors.Is(err, protocol.ErrOpcodeOutOfRange) {
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
			}).Warn("Acknowledging out-of-range opcode")
			s.sendReply(protocol.OpOK, "{}")
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err.Error(),
		}).Warn("Dropping malformed envelope")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"opcode":   op.String(),
		"payload":  len(payload),
	}).Debug("Command received")

	switch op {
	case protocol.OpGetInitializationInfo:
		s.handleGetInitializationInfo()
	case protocol.OpGetDeviceInformation:
		s.sendReply(protocol.OpOK, device.InformationPayload(s.cfg.DeviceName))
	case protocol.OpFreeSpace, protocol.OpTotalSpace:
		s.sendReply(protocol.OpOK, device.FreeSpacePayload(s.store.FreeSpace()))
	case protocol.OpGetBookCount:
		s.sendReply(protocol.OpOK, device.BookCountPayload())
	case protocol.OpSendBook:
		s.handleSendBook(payload)
	case protocol.OpDisplayMessage:
		s.handleDisplayMessage(payload)
	case protocol.OpNoop:
		s.handleNoop(payload)
	default:
		// SEND_BOOK_METADATA, SET_CALIBRE_DEVICE_INFO/NAME,
		// SET_LIBRARY_INFO, SEND_BOOKLISTS and the rest carry catalog
		// features this device does not keep; acknowledge and move on.
		s.sendReply(protocol.OpOK, "{}")
	}
}

func (s *session) handleGetInitializationInfo() {
	s.mu.Lock()
	name := s.peer.DisplayName
	s.mu.Unlock()
	if name == "" {
		name = "calibre"
	}

	s.setState(StateWaiting)
	s.setStatus("Connected to " + name + "\nWaiting for transfer...")
	s.sendReply(protocol.OpOK, device.NewInitializationInfo(s.cfg.DeviceName).Payload())
}

// handleSendBook validates the announcement, opens the destination,
// acknowledges, and flips the connection into binary mode. Payload
// bytes that rode in on the same read as the command are consumed
// immediately instead of waiting for the next poll.
func (s *session) handleSendBook(payload string) {
	lpath, _ := s.scan.StringField(payload, "lpath")
	length, _ := s.scan.TopLevelIntField(payload, "length")

	if lpath == "" || length == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "handleSendBook",
			"lpath":    lpath,
			"length":   length,
		}).Warn("Rejecting SEND_BOOK with missing lpath or length")
		s.sendReply(protocol.OpError, device.ErrorPayload("Invalid book data"))
		return
	}

	name := storage.EnsureExtension(storage.SanitizeFilename(lpath), ".epub")

	s.setState(StateReceiving)
	s.setStatus("Receiving: " + name)

	snk, err := sink.New(s.store, name, length)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSendBook",
			"path":     name,
			"error":    err.Error(),
		}).Error("Cannot open destination file")
		s.setError("Failed to create file")
		s.sendReply(protocol.OpError, device.ErrorPayload("Failed to create file"))
		return
	}
	s.mu.Lock()
	s.snk = snk
	s.binaryMode = true
	s.mu.Unlock()

	// Acknowledge before the binary stream starts.
	s.sendReply(protocol.OpOK, "{}")

	if raw := s.acc.TakeRaw(int(snk.Remaining())); len(raw) > 0 {
		s.writeBinary(raw)
	}
}

func (s *session) handleDisplayMessage(payload string) {
	// messageKind 1 is the driver's password-error notification.
	if s.scan.HasLiteral(payload, "messageKind", "1") {
		s.setError("Password required")
	}
	s.sendReply(protocol.OpOK, "{}")
}

func (s *session) handleNoop(payload string) {
	if s.scan.HasLiteral(payload, "ejecting", "true") {
		s.setState(StateDisconnected)
		s.setStatus("calibre disconnected")
	}
	s.sendReply(protocol.OpNoop, "{}")
}

// receiveBinary consumes one bounded read of raw book bytes.
func (s *session) receiveBinary(conn net.Conn) {
	s.mu.Lock()
	snk := s.snk
	if snk == nil {
		s.binaryMode = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	want := snk.Remaining()
	if want > uint64(len(s.readBuf)) {
		want = uint64(len(s.readBuf))
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadPollTimeout))
	n, err := conn.Read(s.readBuf[:want])
	if n > 0 {
		s.writeBinary(s.readBuf[:n])
	}
	if err != nil && !isTimeout(err) {
		// Peer dropped mid-transfer: flush what arrived, keep the
		// partial file, surface the interruption.
		s.closeSink()
		s.closeConn()
		s.acc.Reset()
		s.setError("Transfer interrupted")
	}
}

// writeBinary feeds payload bytes to the sink and completes or aborts
// the transfer as the counters dictate.
func (s *session) writeBinary(p []byte) {
	s.mu.Lock()
	snk := s.snk
	s.mu.Unlock()
	if snk == nil {
		return
	}

	if err := snk.Write(p); err != nil {
		if errors.Is(err, sink.ErrClosed) {
			// Shutdown finalized the sink between the pointer read and
			// this write; nothing to record.
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "writeBinary",
			"path":     snk.Path(),
			"error":    err.Error(),
		}).Error("Transfer write failed")
		// Abandon the transfer but keep the session: a write failure
		// is transfer-fatal, not session-fatal.
		snk.Abort(false)
		s.mu.Lock()
		s.snk = nil
		s.binaryMode = false
		s.errorText = "Write error"
		s.mu.Unlock()
		s.setState(StateWaiting)
		return
	}
	s.requestRepaint()

	if !snk.Done() {
		return
	}

	name := snk.Path()
	if err := snk.Complete(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeBinary",
			"path":     name,
			"error":    err.Error(),
		}).Error("Transfer finalization failed")
		s.mu.Lock()
		s.snk = nil
		s.binaryMode = false
		s.errorText = "Write error"
		s.mu.Unlock()
		s.setState(StateWaiting)
		return
	}
	s.mu.Lock()
	s.snk = nil
	s.binaryMode = false
	s.mu.Unlock()

	s.setState(StateWaiting)
	s.setStatus("Received: " + name + "\nWaiting for more...")
	s.sendReply(protocol.OpOK, "{}")
}

// sendReply writes one envelope and flushes it. Send failures are
// logged, not fatal: the next read surfaces the dead session.
func (s *session) sendReply(op protocol.OpCode, payload string) {
	s.mu.Lock()
	w := s.w
	s.mu.Unlock()
	if w == nil {
		return
	}

	if _, err := w.Write(protocol.EncodeEnvelope(op, payload)); err == nil {
		err = w.Flush()
		if err == nil {
			return
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "sendReply",
		"opcode":   op.String(),
	}).Warn("Reply send failed")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sleepUnless sleeps for d in small increments, returning true early
// if stopped reports true.
func sleepUnless(stopped func() bool, d time.Duration) bool {
	const step = 50 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += step {
		if stopped() {
			return true
		}
		time.Sleep(step)
	}
	return stopped()
}
