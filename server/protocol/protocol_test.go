package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func BenchmarkParse(b *testing.B) {
	p := NewParser(Limits{})
	raw := []byte("POST /very/long/path/for/testing/purposes HTTP/1.1\r\n" +
		"Host: localhost:8080\r\n" +
		"User-Agent: evhttp-benchmark\r\n" +
		"Content-Length: 18\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		"{\"key\":\"value_12\"}")

	b.ReportAllocs()
	for b.Loop() {
		p.Reset()
		if res, err := p.Parse(raw); err != nil || res != Complete {
			b.Fatal(res, err)
		}
	}
}

func BenchmarkParseHeavy(b *testing.B) {
	var headers strings.Builder
	for i := range 20 {
		fmt.Fprintf(&headers, "X-Header-%d: value-%d-extra-long-data-for-stress-test\r\n", i, i)
	}
	body := strings.Repeat("a", 1024)

	raw := []byte(fmt.Sprintf("POST /api/v1/resource/update/large HTTP/1.1\r\n"+
		"Host: localhost\r\n"+
		"Content-Length: %d\r\n"+
		"Content-Type: application/octet-stream\r\n"+
		"%s\r\n%s", len(body), headers.String(), body))

	p := NewParser(Limits{})

	b.ReportAllocs()
	for b.Loop() {
		p.Reset()
		if _, err := p.Parse(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func Test_parser_all_cases(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		lim          Limits
		expectError  error
		checkRequest func(t *testing.T, req *Request)
	}{
		{
			name: "valid get request",
			raw:  "GET /index.html HTTP/1.1\r\nHost: localhost\r\nUser-Agent: test\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "GET", req.Method)
				assert.Equal(t, "/index.html", req.Path)
				assert.Equal(t, "HTTP/1.1", req.Proto)
				assert.Len(t, req.Headers, 2)
				assert.Equal(t, "localhost", req.Header("host"))
				assert.True(t, req.KeepAlive)
				assert.Empty(t, req.BodyBytes())
			},
		},
		{
			name: "valid post with body",
			raw:  "POST /api/v1 HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "hello world", string(req.BodyBytes()))
				assert.EqualValues(t, 11, req.ContentLength)
				got, err := io.ReadAll(req.Body())
				require.NoError(t, err)
				assert.Equal(t, "hello world", string(got))
			},
		},
		{
			name: "query and fragment",
			raw:  "GET /search?q=go+lang&n=10&k%20x=y#top HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "/search", req.Path)
				assert.Equal(t, "q=go+lang&n=10&k%20x=y", req.Query)
				assert.Equal(t, "/search?q=go+lang&n=10&k%20x=y#top", req.Target)
				assert.Equal(t, "go lang", req.QueryGet("q"))
				assert.Equal(t, "10", req.QueryGet("n"))
				assert.Equal(t, "y", req.QueryGet("k x"))
				assert.Empty(t, req.QueryGet("missing"))
			},
		},
		{
			name: "percent decoded path",
			raw:  "GET /a%20b/%41 HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "/a b/A", req.Path)
				assert.Equal(t, "/a%20b/%41", req.Target)
			},
		},
		{
			name: "dots inside a segment are fine",
			raw:  "GET /a/..b/.../c. HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "/a/..b/.../c.", req.Path)
			},
		},
		{
			name: "options asterisk",
			raw:  "OPTIONS * HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "*", req.Path)
			},
		},
		{
			name: "leading empty lines",
			raw:  "\r\n\r\nGET / HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "/", req.Path)
			},
		},
		{
			name: "http/1.0 closes by default",
			raw:  "GET / HTTP/1.0\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "HTTP/1.0", req.Proto)
				assert.Equal(t, 0, req.Minor)
				assert.False(t, req.KeepAlive)
			},
		},
		{
			name: "http/1.0 keep-alive token",
			raw:  "GET / HTTP/1.0\r\nConnection: Upgrade, Keep-Alive\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.True(t, req.KeepAlive)
			},
		},
		{
			name: "http/1.1 connection close",
			raw:  "GET / HTTP/1.1\r\nConnection: close\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.False(t, req.KeepAlive)
			},
		},
		{
			name: "header values are trimmed and duplicates kept",
			raw:  "GET / HTTP/1.1\r\nX-A:   v1 \t\r\nx-a:v2\r\nEmpty:\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, []string{"v1", "v2"}, req.Values("X-A"))
				assert.Equal(t, "v1", req.Header("x-a"))
				assert.Equal(t, "", req.Header("Empty"))
				assert.Len(t, req.Headers, 3)
			},
		},
		{
			name: "equal duplicate content-length",
			raw:  "POST / HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 3\r\n\r\nabc",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "abc", string(req.BodyBytes()))
			},
		},
		{
			name: "chunked with extensions and trailers",
			raw: "POST /up HTTP/1.1\r\nTransfer-Encoding: gzip, chunked\r\n\r\n" +
				"5;name=val\r\nhello\r\n6\r\n world\r\n0\r\nX-Sum: abc\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "hello world", string(req.BodyBytes()))
				assert.EqualValues(t, -1, req.ContentLength)
				require.Len(t, req.Trailers, 1)
				assert.Equal(t, Header{"X-Sum", "abc"}, req.Trailers[0])
			},
		},
		{
			name:        "empty method",
			raw:         " / HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "method too long",
			raw:         strings.Repeat("GET", 100) + " / HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "invalid method",
			raw:         "G@T /sky HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "no spaces",
			raw:         "GARBAGE\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "target not origin form",
			raw:         "GET example.com HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "asterisk needs options",
			raw:         "GET * HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "dot dot segment",
			raw:         "GET /static/../etc/passwd HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "encoded dot dot segment",
			raw:         "GET /static/%2e%2E/etc HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name: "dot dot allowed when configured",
			raw:  "GET /a/../b HTTP/1.1\r\n\r\n",
			lim:  Limits{AllowDotSegments: true},
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, "/a/../b", req.Path)
			},
		},
		{
			name:        "encoded nul",
			raw:         "GET /a%00b HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "bad escape",
			raw:         "GET /a%zz HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "truncated escape",
			raw:         "GET /a%4 HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "raw delimiter in path",
			raw:         "GET /a<b> HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "non ascii query byte",
			raw:         "GET /x?a=\x7f HTTP/1.1\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "bare lf in request line",
			raw:         "GET / HTTP/1.1\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "malformed version",
			raw:         "GET / HTTP/x\r\n\r\n",
			expectError: ErrMalformedRequestLine,
		},
		{
			name:        "http/2.0",
			raw:         "GET / HTTP/2.0\r\n\r\n",
			expectError: ErrVersionNotSupported,
		},
		{
			name:        "http/1.2",
			raw:         "GET / HTTP/1.2\r\n\r\n",
			expectError: ErrVersionNotSupported,
		},
		{
			name:        "malformed header",
			raw:         "GET / HTTP/1.1\r\nNoColonHeader\r\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "space before colon",
			raw:         "GET / HTTP/1.1\r\nHost : x\r\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "bare lf in header",
			raw:         "GET / HTTP/1.1\r\nHost: x\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "obsolete folding",
			raw:         "GET / HTTP/1.1\r\nX-A: a\r\n b\r\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "control byte in value",
			raw:         "GET / HTTP/1.1\r\nX-A: a\x01b\r\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "too many headers",
			raw:         "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n",
			lim:         Limits{MaxHeaderCount: 2},
			expectError: ErrBadHeader,
		},
		{
			name:        "header field too long",
			raw:         "GET / HTTP/1.1\r\nX-Long: " + strings.Repeat("v", 64) + "\r\n\r\n",
			lim:         Limits{MaxFieldSize: 32},
			expectError: ErrLineTooLong,
		},
		{
			name:        "header block too large",
			raw:         "GET / HTTP/1.1\r\nA: " + strings.Repeat("1", 40) + "\r\nB: " + strings.Repeat("2", 40) + "\r\n\r\n",
			lim:         Limits{MaxHeaderBytes: 64},
			expectError: ErrLineTooLong,
		},
		{
			name:        "content-length not a number",
			raw:         "POST / HTTP/1.1\r\nContent-Length: 1e3\r\n\r\n",
			expectError: ErrBadHeader,
		},
		{
			name:        "signed content-length",
			raw:         "POST / HTTP/1.1\r\nContent-Length: +3\r\n\r\nabc",
			expectError: ErrBadHeader,
		},
		{
			name:        "conflicting content-length",
			raw:         "POST / HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\nhello!",
			expectError: ErrAmbiguousFraming,
		},
		{
			name:        "content-length with transfer-encoding",
			raw:         "POST / HTTP/1.1\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n",
			expectError: ErrAmbiguousFraming,
		},
		{
			name:        "chunked not last",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked, gzip\r\n\r\n",
			expectError: ErrAmbiguousFraming,
		},
		{
			name:        "bad chunk size",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n",
			expectError: ErrAmbiguousFraming,
		},
		{
			name:        "chunk without crlf",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcX\r\n",
			expectError: ErrAmbiguousFraming,
		},
		{
			name:        "body too large",
			raw:         "POST / HTTP/1.1\r\nContent-Length: 11\r\n\r\n",
			lim:         Limits{MaxBodySize: 10},
			expectError: ErrBodyTooLarge,
		},
		{
			name:        "chunked body too large",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n8\r\n12345678\r\n8\r\n",
			lim:         Limits{MaxBodySize: 10},
			expectError: ErrBodyTooLarge,
		},
		{
			name:        "tiny chunks outgrow the framing limit",
			raw:         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1\r\nx\r\n", 20),
			lim:         Limits{MaxBodySize: 1024, MaxChunkedSize: 64},
			expectError: ErrBodyTooLarge,
		},
		{
			name: "long chunk extensions",
			raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"1;" + strings.Repeat("e", 300) + "\r\nx\r\n1;e\r\ny\r\n",
			lim:         Limits{MaxBodySize: 1024, MaxChunkedSize: 256},
			expectError: ErrBodyTooLarge,
		},
		{
			name: "trailers count toward the framing limit",
			raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n" +
				"X-Pad: " + strings.Repeat("p", 300) + "\r\nX-More: 1\r\n\r\n",
			lim:         Limits{MaxChunkedSize: 128},
			expectError: ErrBodyTooLarge,
		},
		{
			name: "tiny chunks within the framing limit",
			raw:  "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1\r\nx\r\n", 10) + "0\r\n\r\n",
			lim:  Limits{MaxBodySize: 1024, MaxChunkedSize: 64},
			checkRequest: func(t *testing.T, req *Request) {
				assert.Equal(t, strings.Repeat("x", 10), string(req.BodyBytes()))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(tt.lim)
			res, err := p.Parse([]byte(tt.raw))

			if tt.expectError != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectError)
				var perr *Error
				require.True(t, errors.As(err, &perr))
				assert.Equal(t, tt.expectError.(*Error).Status(), perr.Status())

				// errors stick until Reset
				_, again := p.Parse([]byte(tt.raw))
				assert.Same(t, perr, again)
				return
			}

			require.NoError(t, err)
			require.Equal(t, Complete, res)
			assert.Equal(t, len(tt.raw), p.Consumed())
			if tt.checkRequest != nil {
				tt.checkRequest(t, p.Request())
			}
		})
	}
}

func TestParserTargetLength(t *testing.T) {
	p := NewParser(Limits{})

	ok := "GET /" + strings.Repeat("a", 8191) + " HTTP/1.1\r\n\r\n"
	res, err := p.Parse([]byte(ok))
	require.NoError(t, err)
	assert.Equal(t, Complete, res)
	assert.Len(t, p.Request().Path, 8192)

	p.Reset()
	long := "GET /" + strings.Repeat("a", 8192) + " HTTP/1.1\r\n\r\n"
	_, err = p.Parse([]byte(long))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Equal(t, 400, err.(*Error).Status())

	// no line end in sight
	p.Reset()
	_, err = p.Parse([]byte("GET /" + strings.Repeat("a", 9000)))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestParserLongMethodWithoutLineEnd(t *testing.T) {
	p := NewParser(Limits{})
	res, err := p.Parse([]byte("GETGET"))
	require.NoError(t, err)
	assert.Equal(t, NeedMore, res)

	_, err = p.Parse([]byte(strings.Repeat("GET", 100)))
	assert.ErrorIs(t, err, ErrMalformedRequestLine)
}

func TestParserFragmented(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		body string
	}{
		{"content-length", "POST /a?x=1 HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello", "hello"},
		{"chunked", "POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nhel\r\n2;x\r\nlo\r\n0\r\nT: v\r\n\r\n", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(Limits{})
			heads := 0
			for i := 1; i < len(tt.raw); i++ {
				res, err := p.Parse([]byte(tt.raw[:i]))
				require.NoError(t, err, "at byte %d", i)
				require.NotEqual(t, Complete, res, "at byte %d", i)
				if res == HeadComplete {
					heads++
					assert.Equal(t, "POST", p.Request().Method)
				}
			}
			res, err := p.Parse([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, Complete, res)
			assert.Equal(t, 1, heads, "head is reported once")
			assert.Equal(t, tt.body, string(p.Request().BodyBytes()))
			assert.Equal(t, len(tt.raw), p.Consumed())
		})
	}
}

func TestParserStarted(t *testing.T) {
	p := NewParser(Limits{})
	assert.False(t, p.Started())

	res, err := p.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, NeedMore, res)
	assert.False(t, p.Started(), "nothing seen yet")

	res, err = p.Parse([]byte("G"))
	require.NoError(t, err)
	assert.Equal(t, NeedMore, res)
	assert.True(t, p.Started())

	p.Reset()
	assert.False(t, p.Started())
}

func TestParserPipelined(t *testing.T) {
	first := "GET /1 HTTP/1.1\r\n\r\n"
	second := "POST /2 HTTP/1.1\r\nContent-Length: 2\r\n\r\nok"
	data := []byte(first + second + "GET /3")

	p := NewParser(Limits{})
	res, err := p.Parse(data)
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	assert.Equal(t, "/1", p.Request().Path)
	assert.Equal(t, len(first), p.Consumed())

	data = data[p.Consumed():]
	p.Reset()
	res, err = p.Parse(data)
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	assert.Equal(t, "/2", p.Request().Path)
	assert.Equal(t, "ok", string(p.Request().BodyBytes()))

	data = data[p.Consumed():]
	p.Reset()
	res, err = p.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, NeedMore, res)
	assert.True(t, p.Started())
}

func TestParserExpectContinue(t *testing.T) {
	head := "PUT /u HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"

	p := NewParser(Limits{})
	res, err := p.Parse([]byte(head))
	require.NoError(t, err)
	require.Equal(t, HeadComplete, res)
	assert.True(t, p.ExpectContinue())
	assert.Nil(t, p.Request().BodyBytes(), "body not there yet")

	res, err = p.Parse([]byte(head + "abc"))
	require.NoError(t, err)
	require.Equal(t, Complete, res)
	assert.Equal(t, "abc", string(p.Request().BodyBytes()))

	// only HTTP/1.1 clients may ask for it
	p.Reset()
	_, err = p.Parse([]byte("PUT /u HTTP/1.0\r\nExpect: 100-continue\r\nContent-Length: 3\r\n\r\n"))
	require.NoError(t, err)
	assert.False(t, p.ExpectContinue())
}

func TestParserVersionKnownOnError(t *testing.T) {
	p := NewParser(Limits{})
	_, err := p.Parse([]byte("GET / HTTP/1.0\r\nBad Header\r\n\r\n"))
	require.ErrorIs(t, err, ErrBadHeader)
	minor, ok := p.Version()
	assert.True(t, ok)
	assert.Equal(t, 0, minor)

	p.Reset()
	_, err = p.Parse([]byte("GARBAGE\r\n"))
	require.Error(t, err)
	_, ok = p.Version()
	assert.False(t, ok)
}

func TestKindStatus(t *testing.T) {
	tests := map[Kind]int{
		KindMalformedRequestLine: 400,
		KindLineTooLong:          400,
		KindBadHeader:            400,
		KindAmbiguousFraming:     400,
		KindBodyTooLarge:         413,
		KindVersionNotSupported:  505,
		KindTimeout:              408,
		KindHandler:              500,
		KindAllocation:           500,
	}
	for k, status := range tests {
		assert.Equal(t, status, k.Status(), k.String())
	}
	assert.Equal(t, "bad_header", KindBadHeader.String())
	assert.Equal(t, "kind(200)", Kind(200).String())
}
