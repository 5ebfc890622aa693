package protocol

import (
	"bytes"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	// MaxAccumulatorSize is the hard ceiling on buffered unframed bytes.
	// Exceeding it discards the whole accumulator rather than growing
	// without bound on unparseable input.
	MaxAccumulatorSize = 100000

	// garbageThreshold is how many bytes may pile up with no envelope
	// start in sight before the accumulator is considered flooded with
	// garbage and cleared.
	garbageThreshold = 1000

	// maxLengthDigits bounds the decimal length prefix. A real prefix
	// never exceeds this; anything longer means the '[' is not an
	// envelope start.
	maxLengthDigits = 12

	// MaxEnvelopeSize is the sanity ceiling on a single envelope.
	MaxEnvelopeSize = 1000000
)

// Accumulator collects raw socket bytes and yields complete envelopes.
// It never returns an error: malformed input costs at worst a bounded
// discard and a retry, never a stall.
//
// The zero value is ready to use. Accumulator is not safe for
// concurrent use; the session's network worker is its only caller.
type Accumulator struct {
	buf []byte
}

// Len returns the number of buffered bytes not yet framed.
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// Reset discards all buffered bytes.
func (a *Accumulator) Reset() {
	a.buf = nil
}

// Append adds newly received bytes. If the accumulator would exceed
// MaxAccumulatorSize it is discarded wholesale.
func (a *Accumulator) Append(p []byte) {
	if len(a.buf)+len(p) > MaxAccumulatorSize {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"buffered": len(a.buf),
			"incoming": len(p),
			"limit":    MaxAccumulatorSize,
		}).Warn("Accumulator overflow, discarding buffered bytes")
		a.buf = nil
		return
	}
	a.buf = append(a.buf, p...)
}

// Next extracts at most one complete envelope. The returned slice spans
// '[' through the matching ']' inclusive; the length prefix is consumed
// with it. Any remainder (the next envelope, or raw binary payload that
// followed a command in the same read) stays buffered.
func (a *Accumulator) Next() ([]byte, bool) {
	if len(a.buf) == 0 {
		return nil, false
	}

	bracket := bytes.IndexByte(a.buf, '[')
	if bracket < 0 {
		// No envelope start anywhere; a large pile of bracketless
		// bytes is a garbage flood.
		if len(a.buf) > garbageThreshold {
			logrus.WithFields(logrus.Fields{
				"function": "Next",
				"buffered": len(a.buf),
			}).Warn("No envelope start in oversized buffer, discarding")
			a.buf = nil
		}
		return nil, false
	}

	// The peer ALWAYS sends a decimal length prefix. If the bytes
	// before '[' are not a short all-digit run, this '[' is not a real
	// envelope start: drop through it and wait for a proper prefix.
	if bracket == 0 || bracket > maxLengthDigits || !allDigits(a.buf[:bracket]) {
		a.buf = a.buf[bracket+1:]
		return nil, false
	}

	msgLen, err := strconv.Atoi(string(a.buf[:bracket]))
	if err != nil || msgLen > MaxEnvelopeSize {
		// Corrupt length field; skip past this '[' and retry later.
		logrus.WithFields(logrus.Fields{
			"function": "Next",
			"prefix":   string(a.buf[:bracket]),
		}).Warn("Rejecting envelope with corrupt length prefix")
		a.buf = a.buf[bracket+1:]
		return nil, false
	}

	if bracket+msgLen > len(a.buf) {
		// Incomplete; wait for more bytes.
		return nil, false
	}

	msg := make([]byte, msgLen)
	copy(msg, a.buf[bracket:bracket+msgLen])
	a.buf = a.buf[bracket+msgLen:]
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return msg, true
}

// TakeRaw removes and returns up to max buffered bytes verbatim. The
// session uses this to drain binary payload bytes that arrived in the
// same read as the SEND_BOOK command.
func (a *Accumulator) TakeRaw(max int) []byte {
	if max <= 0 || len(a.buf) == 0 {
		return nil
	}
	n := max
	if n > len(a.buf) {
		n = len(a.buf)
	}
	out := make([]byte, n)
	copy(out, a.buf[:n])
	a.buf = a.buf[n:]
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return out
}

func allDigits(p []byte) bool {
	for _, c := range p {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
