// Package httppeek implements a zero-allocation, borrowed-slice HTTP/1.1
// header peek parser: it locates the end of the header block in a partially
// filled buffer and extracts just enough metadata (method, path, Host,
// Content-Length, Transfer-Encoding) to route and frame the request, without
// materializing a full parsed request or copying any bytes.
package httppeek

import "bytes"

// Result is the outcome of peeking a request window.
type Result int

const (
	// Incomplete means the end-of-headers marker was not yet found; the
	// caller should post another recv and retry once more bytes arrive.
	Incomplete Result = iota
	// Malformed means the window can never become a valid request
	// (missing request line, empty method, or undersized version token).
	Malformed
	// Complete means a full header block was found and Metadata is valid.
	Complete
)

// Metadata describes a parsed request line plus the three headers this
// proxy inspects. All byte slices borrow the window passed to Peek and are
// valid only as long as that window's backing array is not overwritten.
type Metadata struct {
	Method                  []byte
	Path                    []byte
	Host                    []byte // nil if absent or empty
	ContentLength           int64
	HasContentLength        bool
	TransferEncodingChunked bool
	// HeaderBlockEnd is the offset just past the terminating CRLFCRLF;
	// bytes at and beyond this offset in the window are body bytes (or the
	// start of the next pipelined request, which this proxy never expects).
	HeaderBlockEnd int
}

var crlfcrlf = []byte("\r\n\r\n")
var crlf = []byte("\r\n")

// Peek scans window for a complete HTTP/1.1 request header block.
func Peek(window []byte) (Result, Metadata) {
	markerPos := bytes.Index(window, crlfcrlf)
	if markerPos < 0 {
		return Incomplete, Metadata{}
	}
	headerBlockEnd := markerPos + 4
	headers := window[:markerPos]

	requestLineEnd := bytes.Index(headers, crlf)
	if requestLineEnd < 0 {
		// The request line itself always needs a terminating CRLF; the
		// "missing final CRLF" tolerance applies only to the last header
		// line, never to the request line.
		return Malformed, Metadata{}
	}
	requestLine := headers[:requestLineEnd]

	method, rest, ok := cutSpace(requestLine)
	if !ok {
		return Malformed, Metadata{}
	}
	path, version, ok := cutSpace(rest)
	if !ok {
		return Malformed, Metadata{}
	}
	if len(method) == 0 || len(version) < 8 {
		return Malformed, Metadata{}
	}

	meta := Metadata{
		Method:         method,
		Path:           path,
		HeaderBlockEnd: headerBlockEnd,
	}

	lineStart := requestLineEnd + 2
	for lineStart < len(headers) {
		lineEnd := lineStart + bytes.Index(headers[lineStart:], crlf)
		if lineEnd < lineStart {
			// no more CRLF found: this is the last header line, tolerated
			// without a terminating CRLF.
			lineEnd = len(headers)
		}
		line := headers[lineStart:lineEnd]
		lineStart = lineEnd + 2

		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := line[:colon]
		value := trimSpaceTab(line[colon+1:])

		switch {
		case equalFoldASCII(name, []byte("Host")):
			if len(value) > 0 {
				meta.Host = value
			}
		case equalFoldASCII(name, []byte("Content-Length")):
			if n, ok := parseUintStrict(value); ok {
				meta.ContentLength = n
				meta.HasContentLength = true
			}
		case equalFoldASCII(name, []byte("Transfer-Encoding")):
			for _, token := range splitComma(value) {
				if equalFoldASCII(trimSpaceTab(token), []byte("chunked")) {
					meta.TransferEncodingChunked = true
					break
				}
			}
		}
	}

	return Complete, meta
}

// cutSpace splits on the first single space, mirroring Rust's
// `split(|&b| b == b' ').next()` semantics: it returns the first field and
// everything after the separating space.
func cutSpace(b []byte) (field, rest []byte, ok bool) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}

func trimSpaceTab(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func equalFoldASCII(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if lowerASCII(a[i]) != lowerASCII(b[i]) {
			return false
		}
	}
	return true
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

func splitComma(b []byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == ',' {
			out = append(out, b[start:i])
			start = i + 1
		}
	}
	return out
}

// parseUintStrict parses a non-negative decimal integer; any non-digit byte
// fails the parse (after whitespace trimming), matching the header-peek
// parser's "strict decimal or absent" Content-Length semantics.
func parseUintStrict(b []byte) (int64, bool) {
	b = trimSpaceTab(b)
	if len(b) == 0 {
		return 0, false
	}
	var value int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		digit := int64(c - '0')
		if value > (1<<63-1-digit)/10 {
			return 0, false // overflow
		}
		value = value*10 + digit
	}
	return value, true
}
