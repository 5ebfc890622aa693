package protocol

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrMalformedEnvelope indicates envelope bytes that do not match the
// [opcode,payload] shape.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrOpcodeOutOfRange indicates a decoded opcode outside the known range.
var ErrOpcodeOutOfRange = errors.New("opcode out of range")

// DecodeEnvelope splits an envelope produced by Accumulator.Next into
// its opcode and raw payload text. The payload is returned verbatim,
// never parsed; handlers pull out the fields they need with the
// scanners in this package.
//
// An out-of-range opcode is returned alongside ErrOpcodeOutOfRange so
// the caller can acknowledge it without dispatching.
func DecodeEnvelope(msg []byte) (OpCode, string, error) {
	if len(msg) < 3 || msg[0] != '[' {
		return 0, "", ErrMalformedEnvelope
	}
	comma := bytes.IndexByte(msg, ',')
	if comma < 0 {
		return 0, "", ErrMalformedEnvelope
	}
	opInt, err := strconv.Atoi(string(msg[1:comma]))
	if err != nil {
		return 0, "", ErrMalformedEnvelope
	}
	if opInt < 0 || opInt >= int(OpError) {
		return 0, "", ErrOpcodeOutOfRange
	}

	end := bytes.LastIndexByte(msg, ']')
	if end < comma {
		return 0, "", ErrMalformedEnvelope
	}
	return OpCode(opInt), string(msg[comma+1 : end]), nil
}

// EncodeEnvelope renders an envelope on the wire format: a decimal
// length prefix immediately followed by "[opcode,payload]". The length
// counts the bytes from '[' through ']' inclusive.
func EncodeEnvelope(op OpCode, payload string) []byte {
	body := "[" + strconv.Itoa(int(op)) + "," + payload + "]"
	prefix := strconv.Itoa(len(body))

	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	out = append(out, body...)
	return out
}
