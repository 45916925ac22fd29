// incremental request parser
// the parser never copies the head, it remembers offsets into the caller's bytes
// and turns them into strings only when the request is handed out
package protocol

import (
	"bytes"

	"github.com/kfcemployee/evhttp/server/engine"
)

// Result is the outcome of one Parse call.
type Result uint8

const (
	NeedMore     Result = iota // feed more bytes
	HeadComplete               // headers done, body still on the way
	Complete                   // whole request available, see Consumed
)

// Limits bound what a single request may take.
type Limits struct {
	MaxMethodSize    int
	MaxURISize       int
	MaxHeaderBytes   int // request line + all header lines
	MaxFieldSize     int // one header line
	MaxHeaderCount   int
	MaxBodySize      int64
	// MaxChunkedSize bounds a chunked body as sent, framing and extensions
	// included. Zero means twice MaxBodySize plus 32KiB.
	MaxChunkedSize   int64
	AllowDotSegments bool
}

// DefaultLimits is what the server uses when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxMethodSize:  32,
		MaxURISize:     8192,
		MaxHeaderBytes: 64 << 10,
		MaxFieldSize:   8192,
		MaxHeaderCount: 128,
		MaxBodySize:    4 << 20,
	}
}

type state uint8

const (
	stRequestLine state = iota
	stHeader
	stBody
	stChunkSize
	stChunkData
	stChunkEnd
	stTrailer
	stDone
	stError
)

// View is a window into the request bytes, offsets are from request start so
// they survive buffer growth and compaction.
type View struct {
	St, End int
}

func (v View) of(data []byte) []byte { return data[v.St:v.End] }

type fieldView struct {
	Name, Value View
}

const maxChunkLine = 4096

// Parser is a resumable HTTP/1.x request parser. Feed it the unread bytes of
// a receive buffer, always starting at the request start, as often as new data
// arrives. It keeps a cursor and never looks at a byte twice in the head.
type Parser struct {
	lim Limits

	st   state
	mark int // start of the current line
	pos  int // scan cursor
	err  *Error

	method, target, query View
	path                  []byte // decoded
	major, minor          int
	versionOK             bool

	fields   []fieldView
	trailers []fieldView

	bodyStart     int
	contentLength int64
	chunked       bool
	chunkLeft     int64
	body          engine.Buffer // decoded chunked body

	keepAlive  bool
	expect     bool
	headNotify bool

	req Request
}

// NewParser makes a parser with the given limits.
func NewParser(lim Limits) *Parser {
	d := DefaultLimits()
	if lim.MaxMethodSize <= 0 {
		lim.MaxMethodSize = d.MaxMethodSize
	}
	if lim.MaxURISize <= 0 {
		lim.MaxURISize = d.MaxURISize
	}
	if lim.MaxHeaderBytes <= 0 {
		lim.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if lim.MaxFieldSize <= 0 {
		lim.MaxFieldSize = d.MaxFieldSize
	}
	if lim.MaxHeaderCount <= 0 {
		lim.MaxHeaderCount = d.MaxHeaderCount
	}
	if lim.MaxBodySize <= 0 {
		lim.MaxBodySize = d.MaxBodySize
	}
	if lim.MaxChunkedSize <= 0 {
		lim.MaxChunkedSize = 2*lim.MaxBodySize + 32<<10
	}
	p := &Parser{lim: lim}
	p.body.SetLimit(int(lim.MaxBodySize))
	p.Reset()
	return p
}

// Reset prepares for the next request, scratch storage is kept.
func (p *Parser) Reset() {
	p.st = stRequestLine
	p.mark, p.pos = 0, 0
	p.err = nil
	p.method, p.target, p.query = View{}, View{}, View{}
	p.path = p.path[:0]
	p.major, p.minor, p.versionOK = 0, 0, false
	p.fields = p.fields[:0]
	p.trailers = p.trailers[:0]
	p.bodyStart = 0
	p.contentLength = 0
	p.chunked = false
	p.chunkLeft = 0
	p.body.Reset()
	p.keepAlive, p.expect, p.headNotify = false, false, false
	p.req.reset()
}

// Release gives the body scratch back to the pool.
func (p *Parser) Release() {
	p.Reset()
	p.body.Release()
}

// Consumed is the number of bytes the completed request occupies.
func (p *Parser) Consumed() int { return p.pos }

// Started reports whether any byte of a request was seen.
func (p *Parser) Started() bool { return p.pos > 0 }

// Version returns the request minor version once the request line was read.
func (p *Parser) Version() (minor int, ok bool) { return p.minor, p.versionOK }

// ExpectContinue reports an "Expect: 100-continue" request.
func (p *Parser) ExpectContinue() bool { return p.expect }

// Request is valid after HeadComplete or Complete, until the next Parse or
// until data changes.
func (p *Parser) Request() *Request { return &p.req }

func (p *Parser) fail(e *Error) (Result, error) {
	p.st = stError
	p.err = e
	return NeedMore, e
}

// Parse continues parsing data, which must start at the request start and
// contain everything passed before.
func (p *Parser) Parse(data []byte) (Result, error) {
	for {
		switch p.st {
		case stRequestLine:
			// tolerate empty lines before the request line
			for p.pos == p.mark && p.pos < len(data) && (data[p.pos] == '\r' || data[p.pos] == '\n') {
				if data[p.pos] == '\r' && (p.pos+1 >= len(data) || data[p.pos+1] != '\n') {
					if p.pos+1 >= len(data) {
						return NeedMore, nil
					}
					return p.fail(errBareLF)
				}
				if data[p.pos] == '\r' {
					p.pos++
				}
				p.pos++
				p.mark = p.pos
			}
			// the whole request line limit, a method longer than allowed shows
			// up earlier through the missing space
			limit := p.lim.MaxMethodSize + p.lim.MaxURISize + len(" HTTP/1.1 ")
			line, st := p.line(data, limit)
			switch st {
			case lineMore:
				if n := len(data) - p.mark; n > p.lim.MaxMethodSize {
					head := data[p.mark : p.mark+p.lim.MaxMethodSize+1]
					if bytes.IndexByte(head, ' ') < 0 {
						return p.fail(errLongMethod)
					}
				}
				return NeedMore, nil
			case lineBareLF:
				return p.fail(errBareLF)
			case lineTooLong:
				return p.fail(errLongTarget)
			}
			if err := p.requestLine(data, line); err != nil {
				return p.fail(err)
			}
			p.st = stHeader

		case stHeader:
			line, st := p.line(data, p.lim.MaxFieldSize)
			if p.pos > p.lim.MaxHeaderBytes {
				return p.fail(errHeadTooLarge)
			}
			switch st {
			case lineMore:
				return NeedMore, nil
			case lineBareLF:
				return p.fail(errHeaderBareLF)
			case lineTooLong:
				return p.fail(errFieldTooLong)
			}
			if line.End == line.St {
				if err := p.endHead(data); err != nil {
					return p.fail(err)
				}
				continue
			}
			fv, err := p.field(data, line)
			if err != nil {
				return p.fail(err)
			}
			if len(p.fields) >= p.lim.MaxHeaderCount {
				return p.fail(errTooMany)
			}
			p.fields = append(p.fields, fv)

		case stBody:
			end := p.bodyStart + int(p.contentLength)
			if len(data) < end {
				p.pos = len(data)
				return p.headComplete(data)
			}
			p.pos = end
			p.st = stDone

		case stChunkSize:
			if p.chunkedTooLarge() {
				return p.fail(errChunkedTooLarge)
			}
			line, st := p.line(data, maxChunkLine)
			switch st {
			case lineMore:
				return p.headComplete(data)
			case lineBareLF, lineTooLong:
				return p.fail(errBadChunk)
			}
			size, err := chunkSize(line.of(data))
			if err != nil {
				return p.fail(err)
			}
			if size == 0 {
				p.st = stTrailer
				continue
			}
			if int64(p.body.Len())+size > p.lim.MaxBodySize {
				return p.fail(ErrBodyTooLarge)
			}
			p.chunkLeft = size
			p.st = stChunkData

		case stChunkData:
			n := min(int64(len(data)-p.pos), p.chunkLeft)
			if n > 0 {
				if err := p.body.Append(data[p.pos : p.pos+int(n)]); err != nil {
					return p.fail(ErrBodyTooLarge)
				}
				p.pos += int(n)
				p.chunkLeft -= n
			}
			if p.chunkLeft > 0 {
				if p.chunkedTooLarge() {
					return p.fail(errChunkedTooLarge)
				}
				return p.headComplete(data)
			}
			p.st = stChunkEnd

		case stChunkEnd:
			if len(data)-p.pos < 2 {
				return p.headComplete(data)
			}
			if data[p.pos] != '\r' || data[p.pos+1] != '\n' {
				return p.fail(errBadChunk)
			}
			p.pos += 2
			p.mark = p.pos
			p.st = stChunkSize

		case stTrailer:
			if p.chunkedTooLarge() {
				return p.fail(errChunkedTooLarge)
			}
			line, st := p.line(data, p.lim.MaxFieldSize)
			switch st {
			case lineMore:
				return p.headComplete(data)
			case lineBareLF:
				return p.fail(errHeaderBareLF)
			case lineTooLong:
				return p.fail(errFieldTooLong)
			}
			if line.End == line.St {
				p.st = stDone
				continue
			}
			fv, err := p.field(data, line)
			if err != nil {
				return p.fail(err)
			}
			if len(p.fields)+len(p.trailers) >= p.lim.MaxHeaderCount {
				return p.fail(errTooMany)
			}
			p.trailers = append(p.trailers, fv)

		case stDone:
			p.build(data)
			return Complete, nil

		case stError:
			return NeedMore, p.err
		}
	}
}

// headComplete reports the head once, so the caller can answer Expect early
func (p *Parser) headComplete(data []byte) (Result, error) {
	if p.headNotify {
		return NeedMore, nil
	}
	p.headNotify = true
	p.build(data)
	return HeadComplete, nil
}

type lineStatus uint8

const (
	lineOK lineStatus = iota
	lineMore
	lineBareLF
	lineTooLong
)

// line finds the CRLF terminated line starting at mark and moves past it
func (p *Parser) line(data []byte, limit int) (View, lineStatus) {
	i := bytes.IndexByte(data[p.pos:], '\n')
	if i < 0 {
		p.pos = len(data)
		if p.pos-p.mark > limit+1 {
			return View{}, lineTooLong
		}
		return View{}, lineMore
	}
	lf := p.pos + i
	if lf == p.mark || data[lf-1] != '\r' {
		return View{}, lineBareLF
	}
	v := View{p.mark, lf - 1}
	if v.End-v.St > limit {
		return View{}, lineTooLong
	}
	p.pos = lf + 1
	p.mark = p.pos
	return v, lineOK
}

func (p *Parser) requestLine(data []byte, lv View) *Error {
	line := lv.of(data)

	sp1 := bytes.IndexByte(line, ' ')
	if sp1 < 0 {
		return ErrMalformedRequestLine
	}
	sp2 := bytes.LastIndexByte(line, ' ')
	if sp2 == sp1 {
		return ErrMalformedRequestLine
	}

	// version first, error responses want to know it
	if err := p.version(line[sp2+1:]); err != nil {
		return err
	}

	method := line[:sp1]
	switch {
	case len(method) == 0:
		return errEmptyMethod
	case len(method) > p.lim.MaxMethodSize:
		return errLongMethod
	case !isToken(method):
		return errBadMethod
	}
	p.method = View{lv.St, lv.St + sp1}

	target := line[sp1+1 : sp2]
	if len(target) == 0 {
		return errBadTarget
	}
	if len(target) > p.lim.MaxURISize {
		return errLongTarget
	}
	p.target = View{lv.St + sp1 + 1, lv.St + sp2}

	if len(target) == 1 && target[0] == '*' {
		if string(method) != "OPTIONS" {
			return errBadTarget
		}
		p.path = append(p.path[:0], '*')
		return nil
	}
	if target[0] != '/' {
		return errBadTarget
	}
	return p.decodeTarget(data, p.target)
}

func (p *Parser) version(v []byte) *Error {
	if len(v) != 8 || string(v[:5]) != "HTTP/" || v[6] != '.' ||
		v[5] < '0' || v[5] > '9' || v[7] < '0' || v[7] > '9' {
		return errBadVersion
	}
	major, minor := int(v[5]-'0'), int(v[7]-'0')
	if major != 1 || minor > 1 {
		return ErrVersionNotSupported
	}
	p.major, p.minor, p.versionOK = major, minor, true
	return nil
}

// decodeTarget splits path and query and percent-decodes the path
func (p *Parser) decodeTarget(data []byte, tv View) *Error {
	target := tv.of(data)
	p.path = p.path[:0]

	i := 0
	for ; i < len(target); i++ {
		c := target[i]
		switch pathClass[c] {
		case pathOK:
			p.path = append(p.path, c)
			continue
		case pathPercent:
			if i+2 >= len(target) {
				return errBadEscape
			}
			hi, ok1 := unhex(target[i+1])
			lo, ok2 := unhex(target[i+2])
			if !ok1 || !ok2 {
				return errBadEscape
			}
			b := hi<<4 | lo
			if b == 0 {
				return errNulByte
			}
			p.path = append(p.path, b)
			i += 2
			continue
		case pathBad:
			return errBadTarget
		}
		break // '?' or '#'
	}

	if i < len(target) && target[i] == '?' {
		st := i + 1
		end := st
		for end < len(target) && target[end] != '#' {
			if c := target[end]; c <= 0x20 || c >= 0x7f {
				return errBadQuery
			}
			end++
		}
		p.query = View{tv.St + st, tv.St + end}
	}

	if !p.lim.AllowDotSegments && hasDotDot(p.path) {
		return errDotSegment
	}
	return nil
}

// hasDotDot looks for a ".." path segment
func hasDotDot(path []byte) bool {
	for len(path) > 0 {
		i := bytes.IndexByte(path, '/')
		seg := path
		if i >= 0 {
			seg, path = path[:i], path[i+1:]
		} else {
			path = nil
		}
		if len(seg) == 2 && seg[0] == '.' && seg[1] == '.' {
			return true
		}
	}
	return false
}

func (p *Parser) field(data []byte, lv View) (fieldView, *Error) {
	line := lv.of(data)
	if line[0] == ' ' || line[0] == '\t' {
		return fieldView{}, errObsFold
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 || !isToken(line[:colon]) {
		return fieldView{}, errHeaderName
	}

	st, end := colon+1, len(line)
	for st < end && (line[st] == ' ' || line[st] == '\t') {
		st++
	}
	for end > st && (line[end-1] == ' ' || line[end-1] == '\t') {
		end--
	}
	for _, c := range line[st:end] {
		if !valueChar[c] {
			return fieldView{}, errHeaderValue
		}
	}
	return fieldView{
		Name:  View{lv.St, lv.St + colon},
		Value: View{lv.St + st, lv.St + end},
	}, nil
}

// endHead decides keep-alive and body framing from the collected fields
func (p *Parser) endHead(data []byte) *Error {
	var (
		closeTok, keepTok bool
		clSeen, teSeen    bool
		cl                int64
	)

	for _, f := range p.fields {
		name, val := f.Name.of(data), f.Value.of(data)
		switch {
		case equalFold(name, "content-length"):
			n, ok := parseLength(val)
			if !ok {
				return errBadLength
			}
			if clSeen && n != cl {
				return errLengthsDiffer
			}
			clSeen, cl = true, n

		case equalFold(name, "transfer-encoding"):
			teSeen = true
			// only chunked is understood and it has to be the last coding
			last := val
			if i := bytes.LastIndexByte(val, ','); i >= 0 {
				last = val[i+1:]
			}
			p.chunked = equalFold(trimOWS(last), "chunked")

		case equalFold(name, "connection"):
			for tok := range bytes.SplitSeq(val, []byte{','}) {
				tok = trimOWS(tok)
				switch {
				case equalFold(tok, "close"):
					closeTok = true
				case equalFold(tok, "keep-alive"):
					keepTok = true
				}
			}

		case equalFold(name, "expect"):
			p.expect = p.minor == 1 && equalFold(val, "100-continue")
		}
	}

	if p.minor == 1 {
		p.keepAlive = !closeTok
	} else {
		p.keepAlive = keepTok && !closeTok
	}

	p.bodyStart = p.pos
	switch {
	case teSeen && clSeen:
		return errCLAndTE
	case teSeen:
		if !p.chunked {
			return errBadTE
		}
		p.contentLength = -1
		p.mark = p.pos
		p.st = stChunkSize
	case cl > p.lim.MaxBodySize:
		return ErrBodyTooLarge
	case cl > 0:
		p.contentLength = cl
		p.st = stBody
	default:
		p.expect = false
		p.st = stDone
	}
	return nil
}

func parseLength(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// chunkedTooLarge reports whether the raw chunked body went past its limit
func (p *Parser) chunkedTooLarge() bool {
	return int64(p.pos-p.bodyStart) > p.lim.MaxChunkedSize
}

// chunkSize parses "hex[;ext]" and ignores extensions
func chunkSize(line []byte) (int64, *Error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = trimOWS(line)
	if len(line) == 0 || len(line) > 15 {
		return 0, errBadChunk
	}
	var n int64
	for _, c := range line {
		d, ok := unhex(c)
		if !ok {
			return 0, errBadChunk
		}
		n = n<<4 | int64(d)
	}
	return n, nil
}

// build turns the views into the Request handed to the application
func (p *Parser) build(data []byte) {
	r := &p.req
	r.Method = b2s(p.method.of(data))
	r.Target = b2s(p.target.of(data))
	r.Path = b2s(p.path)
	r.Query = b2s(p.query.of(data))
	r.Major, r.Minor = p.major, p.minor
	if p.minor == 1 {
		r.Proto = "HTTP/1.1"
	} else {
		r.Proto = "HTTP/1.0"
	}
	r.ContentLength = p.contentLength
	r.KeepAlive = p.keepAlive

	r.Headers = r.Headers[:0]
	for _, f := range p.fields {
		r.Headers = append(r.Headers, Header{b2s(f.Name.of(data)), b2s(f.Value.of(data))})
	}
	r.Trailers = r.Trailers[:0]
	for _, f := range p.trailers {
		r.Trailers = append(r.Trailers, Header{b2s(f.Name.of(data)), b2s(f.Value.of(data))})
	}

	switch {
	case p.chunked:
		r.body = p.body.Bytes()
	case p.contentLength > 0 && p.st == stDone:
		r.body = data[p.bodyStart : p.bodyStart+int(p.contentLength)]
	default:
		r.body = nil
	}
}
