//go:build linux

package engine

import (
	"net/netip"
	"sync"
)

// Conn is the engine side of one accepted socket. It is owned by the loop and
// must not be touched from other goroutines.
type Conn struct {
	Fd         int
	RemoteAddr netip.AddrPort

	In  Buffer // receive
	Out Buffer // send

	// Data is free for the protocol layer, the loop never looks at it.
	Data any

	timer    *Timer
	interest Interest
	eof      bool
	closed   bool
}

// Closed reports whether the loop already tore the connection down.
func (c *Conn) Closed() bool { return c.closed }

// EOF reports whether the peer shut down its writing side.
func (c *Conn) EOF() bool { return c.eof }

// Reading reports whether read readiness is currently requested.
func (c *Conn) Reading() bool { return c.interest&Readable != 0 }

func (c *Conn) reset() {
	c.Fd = -1
	c.RemoteAddr = netip.AddrPort{}
	c.Data = nil
	c.timer = nil
	c.interest = 0
	c.eof = false
	c.closed = false
}

var connPool = sync.Pool{
	New: func() any {
		return &Conn{Fd: -1}
	},
}

// connTable maps fd to connection. fds are small dense ints so a slice wins
// over a map.
type connTable struct {
	conns []*Conn
	live  int
}

func (t *connTable) get(fd int) *Conn {
	if fd < 0 || fd >= len(t.conns) {
		return nil
	}
	return t.conns[fd]
}

func (t *connTable) put(c *Conn) {
	if c.Fd >= len(t.conns) {
		n := max(2*len(t.conns), c.Fd+1, 64)
		grown := make([]*Conn, n)
		copy(grown, t.conns)
		t.conns = grown
	}
	t.conns[c.Fd] = c
	t.live++
}

func (t *connTable) remove(fd int) {
	if t.get(fd) != nil {
		t.conns[fd] = nil
		t.live--
	}
}

// each visits every live connection, fn may close the one it gets
func (t *connTable) each(fn func(c *Conn)) {
	for _, c := range t.conns {
		if c != nil {
			fn(c)
		}
	}
}
