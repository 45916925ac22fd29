package protocol

import (
	"iter"
	"strconv"
)

// Response is what the application returns for a request.
type Response struct {
	Status  int
	Reason  string // empty means the standard reason phrase
	Headers []Header

	// Body produces the payload. It is pulled only when the connection can
	// take more bytes, so it may be computed lazily. nil means no body.
	Body iter.Seq[[]byte]
	// Size is the exact body length when it is known, see SetBody. Zero with
	// a non-nil Body means unknown, the body then goes out chunked (HTTP/1.1)
	// or close-delimited (HTTP/1.0).
	Size int64
}

// NewResponse makes an empty response with status.
func NewResponse(status int) *Response {
	return &Response{Status: status}
}

// Text makes a text/plain response.
func Text(status int, s string) *Response {
	r := &Response{Status: status}
	r.AddHeader("Content-Type", "text/plain; charset=utf-8")
	r.SetBody([]byte(s))
	return r
}

// AddHeader appends a field, existing fields with the same name stay.
func (r *Response) AddHeader(name, value string) {
	r.Headers = append(r.Headers, Header{name, value})
}

// SetBody uses fixed chunks as the body, the total size is known so the
// response is sent with Content-Length.
func (r *Response) SetBody(chunks ...[]byte) {
	r.Body, r.Size = Bytes(chunks...)
}

// Stream uses a lazily produced body of unknown length.
func (r *Response) Stream(body iter.Seq[[]byte]) {
	r.Body, r.Size = body, 0
}

// Bytes turns fixed chunks into a body sequence and its total size.
func Bytes(chunks ...[]byte) (iter.Seq[[]byte], int64) {
	var size int64
	for _, c := range chunks {
		size += int64(len(c))
	}
	if size == 0 {
		return nil, 0
	}
	return func(yield func([]byte) bool) {
		for _, c := range chunks {
			if len(c) > 0 && !yield(c) {
				return
			}
		}
	}, size
}

// Lazy reports whether the body length is unknown.
func (r *Response) Lazy() bool { return r.Body != nil && r.Size <= 0 }

// declaredLength is the Content-Length set by the handler, -1 when absent or
// unusable.
func (r *Response) declaredLength() int64 {
	for _, h := range r.Headers {
		if !equalFoldString(h.Name, "content-length") {
			continue
		}
		n, err := strconv.ParseInt(h.Value, 10, 64)
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return -1
}

func equalFoldString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range len(a) {
		if lower(a[i]) != b[i] {
			return false
		}
	}
	return true
}

// bodyAllowed is false for statuses that never carry a body
func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}
