// Package protocol implements the wire protocol spoken by calibre's
// smart device driver: length-prefixed JSON-array envelopes over TCP,
// with a raw binary mode for book payloads.
//
// The package has three concerns:
//
//   - Framing: the Accumulator collects raw socket bytes and extracts
//     complete envelopes, tolerating partial reads, garbage prefixes,
//     and corrupt length fields without ever failing hard.
//   - Codec: DecodeEnvelope/EncodeEnvelope translate between raw
//     envelope bytes and an (OpCode, payload) pair.
//   - Scanning: targeted field extraction from payload text. The
//     payload is deliberately never parsed as a whole; SEND_BOOK
//     metadata can run to many kilobytes and a full parse is not
//     affordable on the device this protocol was written for.
//
// Example:
//
//	var acc protocol.Accumulator
//	acc.Append(chunk)
//	if msg, ok := acc.Next(); ok {
//	    op, payload, err := protocol.DecodeEnvelope(msg)
//	    ...
//	}
package protocol
