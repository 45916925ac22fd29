//go:build linux

// per-connection HTTP state machine driven by the engine events
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kfcemployee/evhttp/server/engine"
	"github.com/kfcemployee/evhttp/server/protocol"
)

// a lazy body is pulled only while less than this is waiting to be sent, and
// pipelined requests are answered back-to-back up to it
const highWater = 64 << 10

type connState uint8

const (
	stateAccepted connState = iota
	stateReading
	stateDispatching
	stateWriting
	stateIdle
	stateClosing
)

var stateNames = [...]string{"accepted", "reading", "dispatching", "writing", "idle", "closing"}

func (s connState) String() string { return stateNames[s] }

// conn is the HTTP side of an engine.Conn
type conn struct {
	srv   *Server
	ec    *engine.Conn
	state connState

	parser *protocol.Parser
	enc    protocol.Encoder

	// lazy body in flight
	next func() ([]byte, bool)
	stop func()

	served    int  // requests on this connection
	burst     int  // requests answered since input last ran dry
	continued bool // 100 Continue already sent for the current request
	last      bool // close once Out is flushed

	status int
	start  time.Time
	span   trace.Span

	rec AccessRecord
}

// conns are pooled per server, the parser inside carries the server limits
func (s *Server) newConn(ec *engine.Conn) *conn {
	c, _ := s.conns.Get().(*conn)
	if c == nil {
		c = &conn{parser: protocol.NewParser(s.cfg.limits())}
	}
	c.srv, c.ec = s, ec
	c.state = stateAccepted
	return c
}

func (c *conn) release() {
	if c.stop != nil {
		c.stop()
	}
	if c.span != nil {
		c.span.End()
	}
	srv, p := c.srv, c.parser
	p.Release()
	*c = conn{parser: p}
	srv.conns.Put(c)
}

// advance runs the connection as far as it can get without waiting for the
// socket. It is the single entry point for data, flush and hangup events.
func (c *conn) advance() {
	ec := c.ec
	for !ec.Closed() {
		if c.next != nil {
			if !c.pump() {
				return
			}
		}

		if ec.Out.Len() >= highWater || c.next != nil || c.last {
			if !c.flush() {
				return
			}
			if c.next != nil {
				continue
			}
			if c.last {
				c.close(nil)
				return
			}
		}

		res, err := c.parser.Parse(ec.In.Bytes())
		if err != nil {
			var perr *protocol.Error
			if !errors.As(err, &perr) {
				perr = protocol.ErrMalformedRequestLine
			}
			c.fail(perr)
			return
		}
		if res == protocol.Complete {
			c.dispatch()
			continue
		}

		if res == protocol.HeadComplete && c.parser.ExpectContinue() && !c.continued {
			c.continued = true
			if _, err := ec.Out.WriteString(protocol.Continue); err != nil {
				c.abort(protocol.KindAllocation, err)
				return
			}
		}
		c.waitInput()
		if c.flush() && c.last {
			c.close(nil)
		}
		return
	}
}

// waitInput arms the read side and the right timer for a partial or absent
// request
func (c *conn) waitInput() {
	srv, ec := c.srv, c.ec
	c.burst = 0
	if ec.In.Len() == 0 {
		if ec.EOF() || srv.loop.Draining() {
			c.last = true
			return
		}
		srv.loop.ResumeRead(ec)
		if c.served == 0 {
			c.state = stateAccepted
			srv.loop.SetTimeout(ec, srv.cfg.RequestTimeout)
		} else {
			c.state = stateIdle
			srv.loop.SetTimeout(ec, srv.cfg.KeepAliveTimeout)
		}
		return
	}

	if ec.EOF() {
		// the peer gave up in the middle of a request
		c.last = true
		return
	}
	srv.loop.ResumeRead(ec)
	c.state = stateReading
	srv.loop.SetTimeout(ec, srv.cfg.RequestTimeout)
}

func (c *conn) dispatch() {
	srv, ec := c.srv, c.ec
	req := c.parser.Request()
	req.RemoteAddr = ec.RemoteAddr

	c.state = stateDispatching
	c.served++
	c.burst++
	srv.requests.Add(1)

	ctx := context.Background()
	srv.tel.requests.Add(ctx, 1)
	if c.burst > 1 {
		srv.tel.pipelined.Add(ctx, 1)
	}
	c.start = time.Now()
	if srv.accessOn {
		c.record(req)
	}
	_, c.span = srv.tel.tracer.Start(ctx, "http.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(c.start),
		// spans outlive the request bytes
		trace.WithAttributes(
			attribute.String("http.request.method", strings.Clone(req.Method)),
			attribute.String("url.path", strings.Clone(req.Path)),
			attribute.String("network.protocol.version", req.Proto[len("HTTP/"):]),
		))

	resp, panicked := c.call(req)

	keepAlive := req.KeepAlive && !panicked && !srv.loop.Draining() &&
		(srv.cfg.MaxRequestsPerConn <= 0 || c.served < srv.cfg.MaxRequestsPerConn) &&
		c.burst < srv.cfg.MaxPipelineDepth

	err := c.enc.Head(&ec.Out, resp, protocol.HeadOptions{
		Minor:     req.Minor,
		Head:      req.IsHead(),
		KeepAlive: keepAlive,
		Server:    srv.cfg.ServerName,
		Clock:     srv.loop.Clock(),
	})
	if err != nil {
		c.abort(protocol.KindAllocation, err)
		return
	}
	c.status = resp.Status

	if c.enc.Mode() == protocol.FrameNone || resp.Body == nil {
		c.finish()
		return
	}
	if !resp.Lazy() && resp.Size <= highWater {
		ok := c.guard(func() error {
			for chunk := range resp.Body {
				if err := c.enc.Write(&ec.Out, chunk); err != nil {
					return err
				}
			}
			return nil
		})
		if ok {
			c.finish()
		}
		return
	}

	// no reads until the body is done, they could move the request bytes
	c.state = stateWriting
	srv.loop.PauseRead(ec)
	c.next, c.stop = iter.Pull(resp.Body)
}

// call runs the handler, a panic turns into a 500
func (c *conn) call(req *protocol.Request) (resp *protocol.Response, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.report(protocol.KindHandler, fmt.Errorf("handler panic: %v", r))
			resp, panicked = protocol.Text(500, protocol.StatusText(500)+"\n"), true
		}
	}()
	resp = c.srv.handler.ServeRequest(req)
	if resp == nil {
		resp = protocol.NewResponse(204)
	}
	return resp, false
}

// guard runs a body producer, a panic or an encoding error ends the connection
// because the head is already out
func (c *conn) guard(fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.report(protocol.KindHandler, fmt.Errorf("body panic: %v", r))
			c.srv.loop.Flush(c.ec)
			c.close(nil)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		c.abort(protocol.KindAllocation, err)
		return false
	}
	return true
}

// pump pulls the lazy body while the send buffer has room
func (c *conn) pump() bool {
	ec := c.ec
	return c.guard(func() error {
		for ec.Out.Len() < highWater {
			chunk, ok := c.next()
			if !ok {
				c.stop()
				c.next, c.stop = nil, nil
				c.finish()
				return nil
			}
			if err := c.enc.Write(&ec.Out, chunk); err != nil {
				return err
			}
		}
		return nil
	})
}

// finish completes the current exchange once the response is fully encoded
func (c *conn) finish() {
	srv, ec := c.srv, c.ec
	if err := c.enc.Finish(&ec.Out); err != nil || !c.enc.KeepAlive() || srv.loop.Draining() {
		c.last = true
	}

	elapsed := time.Since(c.start)
	srv.tel.duration.Record(context.Background(), elapsed.Seconds())
	if c.span != nil {
		c.span.SetAttributes(attribute.Int("http.response.status_code", c.status))
		if c.status >= 500 {
			c.span.SetStatus(codes.Error, protocol.StatusText(c.status))
		}
		c.span.End()
		c.span = nil
	}
	if srv.accessOn {
		c.rec.Status = c.status
		c.rec.Bytes = c.enc.Written()
		c.rec.Duration = elapsed
		srv.cfg.AccessLog.LogAccess(&c.rec)
	}

	ec.In.Consume(c.parser.Consumed())
	c.parser.Reset()
	c.continued = false
	c.state = stateIdle
}

// record copies what the access log needs, the request bytes are gone by the
// time the response is done
func (c *conn) record(req *protocol.Request) {
	m, p := len(req.Method), len(req.Method)+len(req.Path)
	all := req.Method + req.Path + req.Query
	c.rec = AccessRecord{
		RemoteAddr: c.ec.RemoteAddr,
		Method:     all[:m],
		Path:       all[m:p],
		Query:      all[p:],
		Proto:      req.Proto,
		Start:      c.srv.loop.Clock().Now(),
	}
}

// flush writes Out, it reports true when everything went out
func (c *conn) flush() bool {
	srv, ec := c.srv, c.ec
	if ec.Closed() {
		return false
	}
	if ec.Out.Len() == 0 {
		return true
	}
	drained, err := srv.loop.Flush(ec)
	if err != nil {
		c.closeIO(err)
		return false
	}
	if !drained {
		c.state = stateWriting
		srv.loop.PauseRead(ec)
		srv.loop.SetTimeout(ec, srv.cfg.WriteTimeout)
		return false
	}
	return true
}

// fail answers a malformed request with its status and closes
func (c *conn) fail(perr *protocol.Error) {
	srv, ec := c.srv, c.ec
	c.report(perr.Kind, perr)

	minor, ok := c.parser.Version()
	if !ok {
		minor = 0
	}
	if err := protocol.WriteError(&ec.Out, perr.Status(), minor, srv.loop.Clock()); err != nil {
		c.close(err)
		return
	}
	c.last = true
	c.state = stateClosing
	srv.loop.PauseRead(ec)
	if c.flush() {
		c.close(nil)
	}
}

func (c *conn) timeout() {
	c.srv.tel.timeouts.Add(context.Background(), 1)

	switch {
	case c.state == stateWriting:
		c.report(protocol.KindTimeout, errors.New("write timeout"))
		c.close(nil)
	case c.parser.Started() && c.next == nil:
		// partial request on the wire
		c.fail(protocol.ErrTimeout)
	default:
		c.close(nil)
	}
}

func (c *conn) abort(kind protocol.Kind, err error) {
	c.report(kind, err)
	c.close(nil)
}

func (c *conn) closeIO(err error) {
	c.report(protocol.KindIO, err)
	c.close(nil)
}

func (c *conn) close(err error) {
	c.state = stateClosing
	c.srv.loop.Close(c.ec, err)
}

// report sends a failure to metrics and the error log
func (c *conn) report(kind protocol.Kind, err error) {
	srv := c.srv
	srv.tel.failure(kind)
	if c.span != nil {
		c.span.RecordError(err)
	}
	if srv.errorOn {
		srv.cfg.ErrorLog.LogError(&ErrorRecord{
			RemoteAddr: c.ec.RemoteAddr,
			Kind:       kind,
			Err:        err,
			Time:       srv.loop.Clock().Now(),
		})
	}
}

// events adapts the engine callbacks to connections
type events struct{ s *Server }

func (e *events) OnOpen(ec *engine.Conn) {
	s := e.s
	c := s.newConn(ec)
	ec.Data = c
	s.tel.accepted.Add(context.Background(), 1)
	s.tel.active.Add(context.Background(), 1)
	s.loop.SetTimeout(ec, s.cfg.RequestTimeout)
}

func (e *events) OnData(ec *engine.Conn) {
	c := ec.Data.(*conn)
	if c.state == stateWriting || c.state == stateClosing {
		return
	}
	if c.state == stateAccepted || c.state == stateIdle {
		c.state = stateReading
	}
	c.advance()
}

func (e *events) OnFlushed(ec *engine.Conn) {
	c := ec.Data.(*conn)
	if c.state == stateWriting && c.next == nil {
		c.state = stateIdle
	}
	c.advance()
}

func (e *events) OnHangup(ec *engine.Conn) {
	c := ec.Data.(*conn)
	if c.state == stateWriting || c.state == stateClosing {
		// flushing continues, input end is noticed once it is done
		return
	}
	c.advance()
}

func (e *events) OnTimeout(ec *engine.Conn) { ec.Data.(*conn).timeout() }

func (e *events) OnShutdown(ec *engine.Conn) {
	c := ec.Data.(*conn)
	switch c.state {
	case stateAccepted, stateIdle:
		if ec.In.Len() == 0 && ec.Out.Len() == 0 {
			c.close(nil)
		}
	}
}

func (e *events) OnClose(ec *engine.Conn, err error) {
	c, ok := ec.Data.(*conn)
	if !ok {
		return
	}
	s := e.s
	s.tel.active.Add(context.Background(), -1)

	switch {
	case err == nil, errors.Is(err, engine.ErrShutdown), errors.Is(err, io.EOF):
	case errors.Is(err, engine.ErrBufferFull):
		c.report(protocol.KindAllocation, err)
	default:
		c.report(protocol.KindIO, err)
	}
	c.release()
}

func (e *events) OnTick(time.Time) {
	if w := e.s.cfg.Watchdog; w != nil {
		w(e.s)
	}
}
