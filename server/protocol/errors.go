package protocol

import "fmt"

// Kind groups request and connection failures.
type Kind uint8

const (
	KindNone Kind = iota
	KindMalformedRequestLine
	KindLineTooLong
	KindBadHeader
	KindAmbiguousFraming
	KindBodyTooLarge
	KindVersionNotSupported
	KindIO
	KindTimeout
	KindAllocation
	KindHandler
)

var kindNames = [...]string{
	KindNone:                 "none",
	KindMalformedRequestLine: "malformed_request_line",
	KindLineTooLong:          "line_too_long",
	KindBadHeader:            "bad_header",
	KindAmbiguousFraming:     "ambiguous_body_framing",
	KindBodyTooLarge:         "body_too_large",
	KindVersionNotSupported:  "version_not_supported",
	KindIO:                   "io_error",
	KindTimeout:              "timeout",
	KindAllocation:           "allocation_failure",
	KindHandler:              "handler_panic",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Status is the response status written before closing on this kind.
func (k Kind) Status() int {
	switch k {
	case KindBodyTooLarge:
		return 413
	case KindVersionNotSupported:
		return 505
	case KindTimeout:
		return 408
	case KindHandler, KindAllocation:
		return 500
	}
	return 400
}

// Error is a request or connection failure. Parser errors are preallocated,
// compare them with errors.Is, which matches on Kind.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return "http: " + e.Reason }

// Status is the HTTP status for the error response.
func (e *Error) Status() int { return e.Kind.Status() }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// errors returned by the parser, all end the connection
var (
	ErrMalformedRequestLine = &Error{KindMalformedRequestLine, "malformed request line"}
	ErrLineTooLong          = &Error{KindLineTooLong, "request line or header too long"}
	ErrBadHeader            = &Error{KindBadHeader, "malformed header field"}
	ErrAmbiguousFraming     = &Error{KindAmbiguousFraming, "ambiguous message framing"}
	ErrBodyTooLarge         = &Error{KindBodyTooLarge, "request body too large"}
	ErrVersionNotSupported  = &Error{KindVersionNotSupported, "http version not supported"}
	ErrTimeout              = &Error{KindTimeout, "request timeout"}

	errEmptyMethod   = &Error{KindMalformedRequestLine, "empty method"}
	errLongMethod    = &Error{KindMalformedRequestLine, "method too long"}
	errBadMethod     = &Error{KindMalformedRequestLine, "invalid method"}
	errBadTarget     = &Error{KindMalformedRequestLine, "invalid request target"}
	errLongTarget    = &Error{KindLineTooLong, "request target too long"}
	errBadEscape     = &Error{KindMalformedRequestLine, "invalid percent escape"}
	errNulByte       = &Error{KindMalformedRequestLine, "nul byte in path"}
	errDotSegment    = &Error{KindMalformedRequestLine, "dot segment in path"}
	errBadQuery      = &Error{KindMalformedRequestLine, "invalid byte in query"}
	errBadVersion    = &Error{KindMalformedRequestLine, "malformed http version"}
	errBareLF        = &Error{KindMalformedRequestLine, "bare LF in request line"}
	errHeaderBareLF  = &Error{KindBadHeader, "bare LF in header"}
	errObsFold       = &Error{KindBadHeader, "obsolete line folding"}
	errHeaderName    = &Error{KindBadHeader, "invalid header name"}
	errHeaderValue   = &Error{KindBadHeader, "invalid header value"}
	errTooMany       = &Error{KindBadHeader, "too many header fields"}
	errFieldTooLong  = &Error{KindLineTooLong, "header field too long"}
	errHeadTooLarge  = &Error{KindLineTooLong, "header block too large"}
	errBadLength     = &Error{KindBadHeader, "invalid content-length"}
	errLengthsDiffer = &Error{KindAmbiguousFraming, "conflicting content-length"}
	errCLAndTE       = &Error{KindAmbiguousFraming, "content-length with transfer-encoding"}
	errBadTE         = &Error{KindAmbiguousFraming, "unsupported transfer-encoding"}
	errBadChunk      = &Error{KindAmbiguousFraming, "malformed chunk"}

	errChunkedTooLarge = &Error{KindBodyTooLarge, "chunked body framing too large"}
)
