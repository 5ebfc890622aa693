package discovery

import (
	"strconv"
	"strings"
)

// Reply is a resolved discovery result.
type Reply struct {
	// Host is the address the TCP session connects to. It is always
	// the UDP sender's IP, never the advertised hostname, since the
	// hostname may not resolve on the local network.
	Host string
	// DisplayName is the peer's human-readable name, falling back to
	// Host when the reply carries none.
	DisplayName string
	// Port is the primary smart-device TCP port; zero when the reply
	// could not be parsed.
	Port int
	// AltPort is the secondary (content server) port, zero if absent.
	AltPort int
}

// Usable reports whether the reply names a connectable port.
func (r *Reply) Usable() bool {
	return r != nil && r.Port > 0
}

// ParseReply extracts host and ports from calibre's discovery answer,
// shaped like:
//
//	calibre wireless device client (on HOSTNAME);PORT,ALT_PORT
//
// The hostname and alt port are optional; trailing non-digit
// annotations after the alt port are tolerated. A reply with no
// parseable primary port yields Port == 0 and discovery keeps polling.
func ParseReply(text, senderIP string) Reply {
	reply := Reply{Host: senderIP, DisplayName: senderIP}

	if semi := strings.IndexByte(text, ';'); semi >= 0 {
		ports := text[semi+1:]
		if comma := strings.IndexByte(ports, ','); comma >= 0 {
			reply.AltPort = leadingInt(ports[comma+1:])
			ports = ports[:comma]
		}
		ports = strings.TrimLeft(ports, " \t")
		if n, err := strconv.Atoi(ports); err == nil && n > 0 {
			reply.Port = n
		}
	}

	if on := strings.Index(text, "(on "); on >= 0 {
		if end := strings.IndexByte(text[on:], ')'); end > 4 {
			reply.DisplayName = text[on+4 : on+end]
		}
	}

	return reply
}

// leadingInt parses the leading run of decimal digits, ignoring
// whatever follows.
func leadingInt(s string) int {
	n := 0
	seen := false
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			break
		}
		n = n*10 + int(s[i]-'0')
		seen = true
	}
	if !seen {
		return 0
	}
	return n
}
