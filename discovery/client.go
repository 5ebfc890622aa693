package discovery

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// BroadcastPorts are the UDP ports calibre's smart device driver
// listens on for wireless device greetings.
var BroadcastPorts = []int{54982, 48123, 39001, 44044, 59678}

// DefaultLocalPort is the UDP port the device listens on for calibre's
// answer.
const DefaultLocalPort = 8134

// greeting is the 5-byte hello calibre expects, no terminator.
var greeting = []byte("hello")

// Client broadcasts the device's presence and collects calibre's
// answer. It owns a single UDP socket for both directions.
type Client struct {
	conn net.PacketConn
}

// NewClient opens the local UDP listener. Pass port 0 to let the OS
// choose (tests); production uses DefaultLocalPort because calibre
// replies to the greeting's source port.
func NewClient(port int) (*Client, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("discovery listener: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"addr":     conn.LocalAddr().String(),
	}).Info("Discovery listener started")

	return &Client{conn: conn}, nil
}

// Broadcast sends the greeting to the local broadcast address on every
// well-known port. Individual send failures are logged and skipped;
// one reachable port is enough.
func (c *Client) Broadcast() {
	for _, port := range BroadcastPorts {
		addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
		if _, err := c.conn.WriteTo(greeting, addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broadcast",
				"port":     port,
				"error":    err.Error(),
			}).Debug("Broadcast send failed")
		}
	}
}

// Poll waits up to timeout for a discovery answer. It returns a
// non-usable Reply (Port == 0) when nothing arrived or the answer
// could not be parsed; the caller keeps polling. The short timeout is
// what keeps shutdown prompt: the worker re-checks its stop flag
// between polls.
func (c *Client) Poll(timeout time.Duration) Reply {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 256)
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return Reply{}
		}
		logrus.WithFields(logrus.Fields{
			"function": "Poll",
			"error":    err.Error(),
		}).Debug("Discovery read failed")
		return Reply{}
	}

	sender := addr.String()
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		sender = udpAddr.IP.String()
	}

	reply := ParseReply(string(buf[:n]), sender)
	logrus.WithFields(logrus.Fields{
		"function":     "Poll",
		"sender":       sender,
		"display_name": reply.DisplayName,
		"port":         reply.Port,
		"alt_port":     reply.AltPort,
	}).Info("Discovery reply received")

	return reply
}

// LocalAddr returns the bound UDP address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close shuts the UDP socket. Closing from the owner is what unblocks
// a worker waiting inside Poll.
func (c *Client) Close() error {
	return c.conn.Close()
}
