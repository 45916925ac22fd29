//go:build linux

// the event loop: one goroutine, one epoll, every connection
package engine

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	readChunk      = 16 << 10
	acceptBackoff  = 100 * time.Millisecond
	defaultEvents  = 256
	maxWritesBurst = 16
)

// ErrShutdown is passed to OnClose for connections cut by the drain deadline.
var ErrShutdown = errors.New("engine: server shutting down")

// Handler is the protocol layer, it gets called by the loop for every
// connection event. All calls happen on the loop goroutine.
type Handler interface {
	// OnOpen is called right after accept, before any read.
	OnOpen(c *Conn)
	// OnData is called after new bytes were appended to c.In.
	OnData(c *Conn)
	// OnFlushed is called when a pending c.Out was written out completely
	// after waiting for write readiness.
	OnFlushed(c *Conn)
	// OnHangup is called when the peer closed its writing side.
	OnHangup(c *Conn)
	// OnTimeout is called when the connection timer fires.
	OnTimeout(c *Conn)
	// OnShutdown is called once per live connection when draining starts.
	OnShutdown(c *Conn)
	// OnClose is the last call for c, err is nil for a normal close.
	OnClose(c *Conn, err error)
	// OnTick runs once per loop iteration.
	OnTick(now time.Time)
}

// Options tunes a Loop, zero values are replaced with defaults.
type Options struct {
	MaxEvents       int
	MaxBufferSize   int           // per direction
	ClockResolution time.Duration // Date cache refresh
	TickInterval    time.Duration // upper bound for one wait, 0 = timers only
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Loop owns the listening socket, the poller, the timers and the connections.
type Loop struct {
	opts    Options
	log     zerolog.Logger
	handler Handler

	lfd    int
	poller *Poller
	timers TimerHeap
	clock  *Clock
	table  connTable

	clockTimer *Timer
	tickTimer  *Timer
	acceptWait *Timer

	stop     atomic.Bool
	draining bool
	running  atomic.Bool

	live     atomic.Int64
	accepted atomic.Uint64

	events  []Event
	expired []*Timer
}

// NewLoop takes ownership of the listening fd.
func NewLoop(lfd int, h Handler, opts Options) (*Loop, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultEvents
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultBufferLimit
	}
	if opts.ClockResolution <= 0 {
		opts.ClockResolution = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	p, err := NewPoller(opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	if err := p.Add(lfd, Readable); err != nil {
		p.Close()
		return nil, err
	}

	return &Loop{
		opts:    opts,
		log:     opts.Logger,
		handler: h,
		lfd:     lfd,
		poller:  p,
		clock:   NewClock(opts.ClockResolution),
		events:  make([]Event, 0, opts.MaxEvents),
	}, nil
}

// Clock is the loop's date cache.
func (l *Loop) Clock() *Clock { return l.clock }

// Live is the number of open connections, safe from any goroutine.
func (l *Loop) Live() int { return int(l.live.Load()) }

// Accepted is the total number of accepted connections, safe from any goroutine.
func (l *Loop) Accepted() uint64 { return l.accepted.Load() }

// Draining reports whether shutdown has started.
func (l *Loop) Draining() bool { return l.draining }

// Shutdown asks the loop to stop accepting and drain. Safe from any goroutine,
// calling it more than once is fine.
func (l *Loop) Shutdown() {
	if l.stop.CompareAndSwap(false, true) {
		if err := l.poller.Wake(); err != nil {
			l.log.Error().Err(err).Msg("wake poller")
		}
	}
}

// Run blocks until the loop is drained after Shutdown or until the listener or
// the poller fail. Only those failures are returned.
func (l *Loop) Run() error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("engine: loop already running")
	}
	defer l.release()

	now := time.Now()
	l.clock.Refresh(now)
	l.clockTimer = l.timers.Schedule(now.Add(l.opts.ClockResolution), TimerClock, -1)
	if l.opts.TickInterval > 0 {
		l.tickTimer = l.timers.Schedule(now.Add(l.opts.TickInterval), TimerWatchdog, -1)
	}

	for {
		if l.stop.Load() && !l.draining {
			l.beginDrain(now)
		}
		if l.draining && l.table.live == 0 {
			return nil
		}

		timeout := time.Duration(-1)
		if next, ok := l.timers.Next(); ok {
			timeout = max(time.Until(next), 0)
		}

		var err error
		l.events, err = l.poller.Wait(timeout, l.events[:0])
		if err != nil {
			return err
		}
		now = time.Now()

		for _, ev := range l.events {
			if ev.Fd == l.lfd && !l.draining {
				if err := l.accept(now); err != nil {
					return err
				}
				continue
			}
			l.serve(ev)
		}

		if done := l.fire(now); done {
			return nil
		}
		l.handler.OnTick(now)
	}
}

func (l *Loop) release() {
	if !l.draining && l.lfd >= 0 {
		unix.Close(l.lfd)
		l.lfd = -1
	}
	l.table.each(func(c *Conn) { l.Close(c, ErrShutdown) })
	if err := l.poller.Close(); err != nil {
		l.log.Error().Err(err).Msg("close poller")
	}
}

func (l *Loop) beginDrain(now time.Time) {
	l.draining = true
	if err := l.poller.Del(l.lfd); err != nil {
		l.log.Error().Err(err).Msg("unregister listener")
	}
	unix.Close(l.lfd)
	l.lfd = -1
	l.timers.Cancel(l.acceptWait)

	l.log.Info().Int("conns", l.table.live).Msg("draining connections")
	l.table.each(func(c *Conn) {
		if !c.closed {
			l.handler.OnShutdown(c)
		}
	})
	l.timers.Schedule(now.Add(l.opts.ShutdownTimeout), TimerShutdown, -1)
}

// accept drains the backlog, the listener is level-triggered so stopping early
// only costs another wait.
func (l *Loop) accept(now time.Time) error {
	for {
		nfd, sa, err := unix.Accept4(l.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case err == unix.EAGAIN:
				return nil
			case tempAccept(err):
				continue
			case outOfFds(err):
				// stop listening for a moment, otherwise the ready listener spins
				l.log.Warn().Err(err).Int("conns", l.table.live).Msg("accept: out of descriptors")
				if err := l.poller.Mod(l.lfd, 0); err != nil {
					return fmt.Errorf("pause listener: %w", err)
				}
				l.acceptWait = l.timers.Schedule(now.Add(acceptBackoff), TimerAccept, -1)
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		// request/response traffic, small writes must not wait for Nagle
		if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			l.log.Debug().Err(err).Int("fd", nfd).Msg("set TCP_NODELAY")
		}

		c := connPool.Get().(*Conn)
		c.reset()
		c.Fd = nfd
		c.RemoteAddr = toAddrPort(sa)
		c.In.SetLimit(l.opts.MaxBufferSize)
		c.Out.SetLimit(l.opts.MaxBufferSize)

		if err := l.poller.Add(nfd, Readable); err != nil {
			l.log.Error().Err(err).Int("fd", nfd).Msg("register connection")
			unix.Close(nfd)
			connPool.Put(c)
			continue
		}
		c.interest = Readable
		l.table.put(c)
		l.live.Add(1)
		l.accepted.Add(1)

		l.handler.OnOpen(c)
	}
}

func (l *Loop) serve(ev Event) {
	c := l.table.get(ev.Fd)
	if c == nil {
		return
	}

	if ev.Err {
		l.Close(c, sockError(c.Fd))
		return
	}

	if ev.Writable && c.Out.Len() > 0 {
		drained, err := l.Flush(c)
		if err != nil {
			l.Close(c, err)
			return
		}
		if drained {
			l.handler.OnFlushed(c)
		}
		if c.closed {
			return
		}
	}

	switch {
	case (ev.Readable || ev.Hangup) && c.Reading():
		l.read(c)
	case ev.Hangup:
		// both directions are gone
		l.Close(c, io.EOF)
	}
}

func (l *Loop) read(c *Conn) {
	dst, err := c.In.Free(readChunk)
	if err != nil {
		l.Close(c, err)
		return
	}

	n, err := unix.Read(c.Fd, dst)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		l.Close(c, err)
		return
	case n == 0:
		c.eof = true
		l.handler.OnHangup(c)
		if !c.closed && c.Reading() {
			// nothing more will come, stop the level-triggered event
			l.setInterest(c, c.interest&^Readable)
		}
		return
	}

	c.In.Commit(n)
	l.handler.OnData(c)
}

// Flush writes as much of c.Out as the socket takes. When something is left it
// asks for write readiness and OnFlushed follows later.
func (l *Loop) Flush(c *Conn) (bool, error) {
	if c.closed {
		return false, ErrShutdown
	}

	for range maxWritesBurst {
		if c.Out.Len() == 0 {
			break
		}
		n, err := unix.Write(c.Fd, c.Out.Bytes())
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return false, err
		}
		c.Out.Consume(n)
	}

	if c.Out.Len() == 0 {
		l.setInterest(c, c.interest&^Writable)
		return true, nil
	}
	l.setInterest(c, c.interest|Writable)
	return false, nil
}

// PauseRead stops read events for c, used for back-pressure.
func (l *Loop) PauseRead(c *Conn) { l.setInterest(c, c.interest&^Readable) }

// ResumeRead asks for read events again. It is a no-op after EOF.
func (l *Loop) ResumeRead(c *Conn) {
	if c.eof {
		return
	}
	l.setInterest(c, c.interest|Readable)
}

func (l *Loop) setInterest(c *Conn, in Interest) {
	if c.closed || c.interest == in {
		return
	}
	if err := l.poller.Mod(c.Fd, in); err != nil {
		l.Close(c, err)
		return
	}
	c.interest = in
}

// SetTimeout arms the single activity timer of c, replacing the previous one.
func (l *Loop) SetTimeout(c *Conn, d time.Duration) {
	if c.closed {
		return
	}
	deadline := time.Now().Add(d)
	if c.timer == nil {
		c.timer = l.timers.Schedule(deadline, TimerConn, c.Fd)
		return
	}
	l.timers.Reset(c.timer, deadline)
}

// StopTimeout cancels the activity timer of c.
func (l *Loop) StopTimeout(c *Conn) { l.timers.Cancel(c.timer) }

// Close tears c down: timer, poller registration, socket, table entry.
// Calling it on a closed connection does nothing.
func (l *Loop) Close(c *Conn, err error) {
	if c.closed {
		return
	}
	c.closed = true

	l.timers.Cancel(c.timer)
	if perr := l.poller.Del(c.Fd); perr != nil {
		l.log.Debug().Err(perr).Int("fd", c.Fd).Msg("unregister connection")
	}
	l.table.remove(c.Fd)
	l.live.Add(-1)

	l.handler.OnClose(c, err)

	unix.Close(c.Fd)
	c.In.Release()
	c.Out.Release()
	c.reset()
	c.closed = true // stale references keep seeing a closed conn
	connPool.Put(c)
}

// fire handles expired timers, it reports true when the drain deadline passed.
func (l *Loop) fire(now time.Time) bool {
	l.expired = l.timers.PopExpired(now, l.expired[:0])
	for _, t := range l.expired {
		switch t.Kind {
		case TimerConn:
			c := l.table.get(t.Fd)
			if c == nil || c.timer != t {
				continue // stale
			}
			l.handler.OnTimeout(c)
		case TimerClock:
			l.clock.Refresh(now)
			l.timers.Reset(t, now.Add(l.opts.ClockResolution))
		case TimerWatchdog:
			l.timers.Reset(t, now.Add(l.opts.TickInterval))
		case TimerAccept:
			if l.draining {
				continue
			}
			if err := l.poller.Mod(l.lfd, Readable); err != nil {
				l.log.Error().Err(err).Msg("resume listener")
			}
		case TimerShutdown:
			l.log.Warn().Int("conns", l.table.live).Msg("drain deadline passed, closing connections")
			l.table.each(func(c *Conn) { l.Close(c, ErrShutdown) })
			return true
		}
	}
	return false
}

func sockError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return io.ErrUnexpectedEOF
	}
	return unix.Errno(errno)
}
