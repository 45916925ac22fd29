//go:build linux

// raw socket helpers: creating the listening socket and converting addresses
package engine

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

const backlog = 1024

// Listen creates a nonblocking listening TCP socket bound to addr ("host:port").
func Listen(addr string) (int, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("resolve %q: %w", addr, err)
	}

	var (
		family = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := ta.IP.To4(); ta.IP == nil || ip4 != nil {
		in4 := &unix.SockaddrInet4{Port: ta.Port}
		if ip4 != nil {
			copy(in4.Addr[:], ip4)
		}
		sa = in4
	} else {
		family = unix.AF_INET6
		in6 := &unix.SockaddrInet6{Port: ta.Port}
		copy(in6.Addr[:], ta.IP.To16())
		sa = in6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// ListenerFd duplicates the descriptor of an already bound listener. The
// caller keeps ownership of ln, the returned fd is independent and nonblocking.
func ListenerFd(ln *net.TCPListener) (int, error) {
	raw, err := ln.SyscallConn()
	if err != nil {
		return -1, err
	}

	fd := -1
	var dupErr error
	err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err = errors.Join(err, dupErr); err != nil {
		return -1, fmt.Errorf("dup listener: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// LocalAddr returns the address a socket is bound to.
func LocalAddr(fd int) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return toAddrPort(sa), nil
}

func toAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// tempAccept reports accept errors after which the listener is still usable.
func tempAccept(err error) bool {
	switch err {
	case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM:
		return true
	}
	return false
}

// outOfFds is EMFILE/ENFILE, accept has to back off until something closes.
func outOfFds(err error) bool {
	return err == unix.EMFILE || err == unix.ENFILE || err == unix.ENOBUFS || err == unix.ENOMEM
}
