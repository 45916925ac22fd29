package protocol

import (
	"bytes"
	"io"
	"net/netip"
	"net/url"
	"strings"
)

// Header is one field line, duplicates keep their own entry.
type Header struct {
	Name, Value string
}

// Request is the parsed request handed to the application. All strings share
// memory with the connection buffers, they are valid only during the handler
// call. Copy what has to outlive it.
type Request struct {
	Method string
	Target string // raw request target
	Path   string // percent-decoded path
	Query  string // raw query, without '?'
	Proto  string // "HTTP/1.0" or "HTTP/1.1"
	Major  int
	Minor  int

	Headers  []Header
	Trailers []Header

	// ContentLength is -1 for chunked bodies.
	ContentLength int64
	KeepAlive     bool
	RemoteAddr    netip.AddrPort

	body       []byte
	bodyReader bytes.Reader
}

// Header returns the first value of the named field, case-insensitively.
func (r *Request) Header(name string) string {
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			return r.Headers[i].Value
		}
	}
	return ""
}

// Values returns every value of the named field in arrival order.
func (r *Request) Values(name string) []string {
	var vals []string
	for i := range r.Headers {
		if strings.EqualFold(r.Headers[i].Name, name) {
			vals = append(vals, r.Headers[i].Value)
		}
	}
	return vals
}

// QueryGet returns the decoded value of the first key=value pair in the query.
func (r *Request) QueryGet(key string) string {
	q := r.Query
	for q != "" {
		var pair string
		pair, q, _ = strings.Cut(q, "&")
		k, v, _ := strings.Cut(pair, "=")
		if k != key {
			if !strings.ContainsAny(k, "%+") {
				continue
			}
			if dk, err := url.QueryUnescape(k); err != nil || dk != key {
				continue
			}
		}
		if !strings.ContainsAny(v, "%+") {
			return v
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			return dv
		}
		return v
	}
	return ""
}

// Body reads the request body, it is fully received before the handler runs.
func (r *Request) Body() io.Reader {
	r.bodyReader.Reset(r.body)
	return &r.bodyReader
}

// BodyBytes returns the whole body.
func (r *Request) BodyBytes() []byte { return r.body }

// IsHead reports whether the response must not carry a body.
func (r *Request) IsHead() bool { return r.Method == "HEAD" }

func (r *Request) reset() {
	hs, ts := r.Headers[:0], r.Trailers[:0]
	clear(r.Headers)
	clear(r.Trailers)
	*r = Request{Headers: hs, Trailers: ts}
}
