package protocol

// OpCode identifies a command in the calibre smart device protocol.
// The values mirror calibre/devices/smart_device_app/driver.py and
// must not be renumbered.
type OpCode uint8

const (
	// OpOK acknowledges a command with a success payload.
	OpOK OpCode = 0
	// OpSetCalibreDeviceInfo carries metadata about the desktop instance.
	OpSetCalibreDeviceInfo OpCode = 1
	// OpSetCalibreDeviceName carries the desktop's display name.
	OpSetCalibreDeviceName OpCode = 2
	// OpGetDeviceInformation requests the device identity block.
	OpGetDeviceInformation OpCode = 3
	// OpTotalSpace requests total storage capacity.
	OpTotalSpace OpCode = 4
	// OpFreeSpace requests available storage capacity.
	OpFreeSpace OpCode = 5
	// OpGetBookCount requests the on-device catalog size.
	OpGetBookCount OpCode = 6
	// OpSendBooklists pushes the desktop's book list to the device.
	OpSendBooklists OpCode = 7
	// OpSendBook announces an incoming book binary.
	OpSendBook OpCode = 8
	// OpGetInitializationInfo opens the session capability exchange.
	OpGetInitializationInfo OpCode = 9
	// OpBookDone marks the end of a per-book exchange.
	OpBookDone OpCode = 11
	// OpNoop is a keepalive; its payload may carry an ejecting flag.
	OpNoop OpCode = 12
	// OpDeleteBook requests removal of a book (not implemented here).
	OpDeleteBook OpCode = 13
	// OpGetBookFileSegment requests a slice of a stored book.
	OpGetBookFileSegment OpCode = 14
	// OpGetBookMetadata requests stored metadata for a book.
	OpGetBookMetadata OpCode = 15
	// OpSendBookMetadata pushes metadata for a transferred book.
	OpSendBookMetadata OpCode = 16
	// OpDisplayMessage asks the device to surface a message.
	OpDisplayMessage OpCode = 17
	// OpCalibreBusy signals the desktop is busy.
	OpCalibreBusy OpCode = 18
	// OpSetLibraryInfo carries library name and UUID.
	OpSetLibraryInfo OpCode = 19
	// OpError signals a protocol error.
	OpError OpCode = 20
)

// Valid reports whether the opcode falls inside the known range.
// Out-of-range opcodes are acknowledged but never dispatched, so the
// protocol stays resilient to vendor-side extensions.
func (op OpCode) Valid() bool {
	return op < OpError
}

// String returns the driver-side name of the opcode.
func (op OpCode) String() string {
	switch op {
	case OpOK:
		return "OK"
	case OpSetCalibreDeviceInfo:
		return "SET_CALIBRE_DEVICE_INFO"
	case OpSetCalibreDeviceName:
		return "SET_CALIBRE_DEVICE_NAME"
	case OpGetDeviceInformation:
		return "GET_DEVICE_INFORMATION"
	case OpTotalSpace:
		return "TOTAL_SPACE"
	case OpFreeSpace:
		return "FREE_SPACE"
	case OpGetBookCount:
		return "GET_BOOK_COUNT"
	case OpSendBooklists:
		return "SEND_BOOKLISTS"
	case OpSendBook:
		return "SEND_BOOK"
	case OpGetInitializationInfo:
		return "GET_INITIALIZATION_INFO"
	case OpBookDone:
		return "BOOK_DONE"
	case OpNoop:
		return "NOOP"
	case OpDeleteBook:
		return "DELETE_BOOK"
	case OpGetBookFileSegment:
		return "GET_BOOK_FILE_SEGMENT"
	case OpGetBookMetadata:
		return "GET_BOOK_METADATA"
	case OpSendBookMetadata:
		return "SEND_BOOK_METADATA"
	case OpDisplayMessage:
		return "DISPLAY_MESSAGE"
	case OpCalibreBusy:
		return "CALIBRE_BUSY"
	case OpSetLibraryInfo:
		return "SET_LIBRARY_INFO"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
