// Package sse implements incremental framing for Server-Sent Event streams
// whose bytes arrive on arbitrary TCP chunk boundaries. The helpers operate
// on an append-only buffer owned by the caller: append each network chunk,
// then drain complete events until FindEventBoundary reports none.
package sse

import "strings"

// FindEventBoundary returns the offset just past the first blank line
// ("\n\n" or "\r\n\r\n") that terminates a complete SSE event. The second
// return value is false when no complete event is buffered yet and the
// caller must wait for more bytes.
func FindEventBoundary(buf []byte) (int, bool) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\n' && buf[i+1] == '\n' {
			return i + 2, true
		}
		if i+3 < len(buf) && buf[i] == '\r' && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
			return i + 4, true
		}
	}
	return 0, false
}

// ConsumeLeadingSeparators strips any leading newline or carriage-return
// bytes (blank keep-alive lines between events) and returns the trimmed
// buffer along with the number of bytes stripped.
func ConsumeLeadingSeparators(buf []byte) ([]byte, int) {
	n := 0
	for n < len(buf) && (buf[n] == '\n' || buf[n] == '\r') {
		n++
	}
	return buf[n:], n
}

// ExtractDataPayload scans one event's lines for "data:" fields and returns
// the trimmed content of the last one. The second return value is false for
// events with no data line (comments and keep-alives). Multi-line data
// concatenation is deliberately not performed; the upstream protocol only
// sends single-line JSON payloads.
func ExtractDataPayload(event []byte) (string, bool) {
	var (
		payload string
		found   bool
	)
	for _, line := range strings.Split(string(event), "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimLeft(line, " \t")
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			payload = strings.TrimLeft(rest, " \t")
			found = true
		}
	}
	return payload, found
}
