// response serialization into a send buffer
package protocol

import (
	"github.com/kfcemployee/evhttp/server/engine"
)

// lookup table for status lines
// flat array instead of a map bc codes are small fixed ints
var statusTable = [600]string{
	// 1xx
	100: "Continue",
	101: "Switching Protocols",
	103: "Early Hints",

	// 2xx
	200: "OK",
	201: "Created",
	202: "Accepted",
	203: "Non-Authoritative Information",
	204: "No Content",
	205: "Reset Content",
	206: "Partial Content",

	// 3xx
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	// 4xx
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	417: "Expectation Failed",
	422: "Unprocessable Content",
	426: "Upgrade Required",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",

	// 5xx
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// StatusText is the reason phrase for code, empty when unknown.
func StatusText(code int) string {
	if code < 0 || code >= len(statusTable) {
		return ""
	}
	return statusTable[code]
}

// Continue is the interim response for "Expect: 100-continue".
const Continue = "HTTP/1.1 100 Continue\r\n\r\n"

// room for the fields the encoder adds itself
const headReserve = len("Content-Length: 18446744073709551615\r\n") +
	len("Transfer-Encoding: chunked\r\n") + len("Connection: keep-alive\r\n") +
	len("Date: \r\n") + engine.DateSize + len("Server: \r\n") + len("\r\n")

// Framing is how the body is delimited on the wire.
type Framing uint8

const (
	FrameNone    Framing = iota // no body at all
	FrameLength                 // Content-Length
	FrameChunked                // Transfer-Encoding: chunked
	FrameClose                  // until the connection closes (HTTP/1.0)
)

// HeadOptions carries what the encoder needs to know about the exchange.
type HeadOptions struct {
	Minor     int  // request minor version
	Head      bool // request method was HEAD
	KeepAlive bool // connection may stay open
	Server    string
	Clock     *engine.Clock
}

// Encoder writes one response into a send buffer: Head once, Write for
// every body chunk, then Finish.
type Encoder struct {
	mode      Framing
	length    int64 // announced Content-Length
	written   int64
	keepAlive bool
	mismatch  bool
}

// Mode is the framing picked by Head.
func (e *Encoder) Mode() Framing { return e.mode }

// KeepAlive reports whether the connection may carry another request after
// this response. It turns false when a declared length was not honoured.
func (e *Encoder) KeepAlive() bool { return e.keepAlive && !e.mismatch }

// Written is the number of body bytes encoded so far.
func (e *Encoder) Written() int64 { return e.written }

// Head picks the framing and writes the status line and fields.
func (e *Encoder) Head(dst *engine.Buffer, r *Response, o HeadOptions) error {
	*e = Encoder{keepAlive: o.KeepAlive}

	status := r.Status
	if status < 100 || status > 599 {
		status = 500
	}
	declared := r.declaredLength()

	writeLength := int64(-1)
	switch {
	case !bodyAllowed(status):
		e.mode = FrameNone
		if status == 304 {
			writeLength = declared
		}
	case o.Head:
		// same fields as the GET would get, minus the body
		e.mode = FrameNone
		switch {
		case declared >= 0:
			writeLength = declared
		case r.Body == nil:
			writeLength = 0
		case !r.Lazy():
			writeLength = r.Size
		}
	case declared >= 0:
		e.mode, e.length = FrameLength, declared
		writeLength = declared
	case r.Body == nil:
		e.mode, e.length = FrameLength, 0
		writeLength = 0
	case !r.Lazy():
		e.mode, e.length = FrameLength, r.Size
		writeLength = r.Size
	case o.Minor >= 1:
		e.mode = FrameChunked
	default:
		e.mode = FrameClose
		e.keepAlive = false
	}

	reason := r.Reason
	if reason == "" {
		reason = StatusText(status)
	}

	// reserve the whole head at once, the writes below can't fail after that
	size := len("HTTP/1.1 200 \r\n") + len(reason) + headReserve + len(o.Server)
	for _, h := range r.Headers {
		size += len(h.Name) + len(h.Value) + 4
	}
	if _, err := dst.Free(size); err != nil {
		return err
	}

	// status line
	if o.Minor >= 1 {
		dst.WriteString("HTTP/1.1 ")
	} else {
		dst.WriteString("HTTP/1.0 ")
	}
	dst.AppendInt(int64(status), 10)
	dst.WriteByte(' ')
	writeClean(dst, reason)
	dst.WriteString("\r\n")

	hasServer := false
	for _, h := range r.Headers {
		if !isTokenString(h.Name) {
			continue
		}
		switch {
		case equalFoldString(h.Name, "connection"),
			equalFoldString(h.Name, "transfer-encoding"),
			equalFoldString(h.Name, "date"),
			equalFoldString(h.Name, "content-length"):
			continue
		case equalFoldString(h.Name, "server"):
			hasServer = true
		}
		dst.WriteString(h.Name)
		dst.WriteString(": ")
		writeClean(dst, h.Value)
		dst.WriteString("\r\n")
	}

	if writeLength >= 0 {
		dst.WriteString("Content-Length: ")
		dst.AppendInt(writeLength, 10)
		dst.WriteString("\r\n")
	}
	if e.mode == FrameChunked {
		dst.WriteString("Transfer-Encoding: chunked\r\n")
	}
	if e.keepAlive {
		dst.WriteString("Connection: keep-alive\r\n")
	} else {
		dst.WriteString("Connection: close\r\n")
	}
	if o.Clock != nil {
		dst.WriteString("Date: ")
		free, _ := dst.Free(engine.DateSize)
		dst.Commit(len(o.Clock.AppendDate(free[:0])))
		dst.WriteString("\r\n")
	}
	if o.Server != "" && !hasServer {
		dst.WriteString("Server: ")
		writeClean(dst, o.Server)
		dst.WriteString("\r\n")
	}
	dst.WriteString("\r\n")
	return nil
}

// Write encodes one body chunk. Bytes beyond a declared length are dropped
// and the connection is marked for closing.
func (e *Encoder) Write(dst *engine.Buffer, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	switch e.mode {
	case FrameNone:
		return nil
	case FrameLength:
		if left := e.length - e.written; int64(len(p)) > left {
			e.mismatch = true
			p = p[:left]
		}
	case FrameChunked:
		dst.AppendInt(int64(len(p)), 16)
		dst.WriteString("\r\n")
	}
	e.written += int64(len(p))
	if err := dst.Append(p); err != nil {
		return err
	}
	if e.mode == FrameChunked {
		_, err := dst.WriteString("\r\n")
		return err
	}
	return nil
}

// Finish terminates the body.
func (e *Encoder) Finish(dst *engine.Buffer) error {
	switch e.mode {
	case FrameChunked:
		_, err := dst.WriteString("0\r\n\r\n")
		return err
	case FrameLength:
		if e.written != e.length {
			// the peer waits for bytes that never come, only closing helps
			e.mismatch = true
		}
	}
	return nil
}

// WriteError writes a complete error response and marks it as the last one on
// the connection. The body is the reason phrase.
func WriteError(dst *engine.Buffer, status, minor int, clock *engine.Clock) error {
	r := Text(status, StatusText(status)+"\n")
	var e Encoder
	if err := e.Head(dst, r, HeadOptions{Minor: minor, Clock: clock}); err != nil {
		return err
	}
	for chunk := range r.Body {
		if err := e.Write(dst, chunk); err != nil {
			return err
		}
	}
	return e.Finish(dst)
}

// writeClean copies s without CR, LF and other control bytes, HTAB stays
func writeClean(dst *engine.Buffer, s string) {
	clean := true
	for i := range len(s) {
		if c := s[i]; (c < 0x20 && c != '\t') || c == 0x7f {
			clean = false
			break
		}
	}
	if clean {
		dst.WriteString(s)
		return
	}
	for i := range len(s) {
		if c := s[i]; (c >= 0x20 || c == '\t') && c != 0x7f {
			dst.WriteByte(c)
		}
	}
}

func isTokenString(s string) bool {
	if s == "" {
		return false
	}
	for i := range len(s) {
		if !tokenChar[s[i]] {
			return false
		}
	}
	return true
}
