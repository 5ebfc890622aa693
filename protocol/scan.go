package protocol

import "strings"

// PayloadScanner extracts individual fields from raw command payload
// text. The default implementation scans by hand instead of parsing;
// isolating it behind an interface lets a real JSON parser take over
// without touching the session state machine.
type PayloadScanner interface {
	// StringField returns the value of a quoted string field by key.
	StringField(payload, key string) (string, bool)
	// TopLevelIntField returns an unsigned integer field found at
	// nesting depth one, skipping identically named fields inside
	// nested objects or arrays.
	TopLevelIntField(payload, key string) (uint64, bool)
	// HasLiteral reports whether the payload contains key:value
	// verbatim, e.g. "ejecting":true.
	HasLiteral(payload, key, value string) bool
}

// ScanFields is the hand-rolled PayloadScanner used in production.
type ScanFields struct{}

// Scan is the package-level scanner instance.
var Scan PayloadScanner = ScanFields{}

// StringField finds `"key"` followed by a colon and returns the text
// between the next pair of quotes. Escaped quotes inside values do not
// occur in the fields this engine reads (paths and message kinds), so
// they are not handled.
func (ScanFields) StringField(payload, key string) (string, bool) {
	idx := strings.Index(payload, `"`+key+`"`)
	if idx < 0 {
		return "", false
	}
	rest := payload[idx+len(key)+2:]

	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", false
	}
	rest = rest[colon+1:]

	open := strings.IndexByte(rest, '"')
	if open < 0 {
		return "", false
	}
	rest = rest[open+1:]

	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// TopLevelIntField walks the payload tracking brace/bracket depth and
// only accepts the key at depth one. SEND_BOOK metadata nests objects
// carrying same-named fields (a cover image has its own "length"), so
// a flat string search would read the wrong number.
func (ScanFields) TopLevelIntField(payload, key string) (uint64, bool) {
	quoted := `"` + key + `"`
	depth := 0
	for i := 0; i < len(payload); i++ {
		switch payload[i] {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case '"':
			if depth != 1 || !strings.HasPrefix(payload[i:], quoted) {
				continue
			}
			rest := payload[i+len(quoted):]
			colon := strings.IndexByte(rest, ':')
			if colon < 0 {
				return 0, false
			}
			rest = rest[colon+1:]

			j := 0
			for j < len(rest) && (rest[j] == ' ' || rest[j] == '\t') {
				j++
			}
			start := j
			var n uint64
			for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
				n = n*10 + uint64(rest[j]-'0')
				j++
			}
			if j == start {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// HasLiteral reports whether `"key":value` appears verbatim.
func (ScanFields) HasLiteral(payload, key, value string) bool {
	return strings.Contains(payload, `"`+key+`":`+value)
}
