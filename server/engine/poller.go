//go:build linux

// epoll wrapper, the only blocking call of the whole engine lives here
package engine

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is what the loop wants to hear about for an fd.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is one ready fd.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool
	Err      bool
}

// Poller is a level-triggered epoll instance plus an eventfd used to wake a
// blocked Wait from another goroutine.
type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// NewPoller creates the epoll instance, size is the max events per Wait.
func NewPoller(size int) (*Poller, error) {
	if size <= 0 {
		size = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &Poller{epfd: epfd, wakefd: wakefd, raw: make([]unix.EpollEvent, size)}
	if err := p.Add(wakefd, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func toEpoll(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		// peer half-close only matters while we read, otherwise it would spin
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd.
func (p *Poller) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Mod changes the interest of a registered fd.
func (p *Poller) Mod(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod %d: %w", fd, err)
	}
	return nil
}

// Del unregisters fd, it has to happen before the fd is closed.
func (p *Poller) Del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one fd is ready or timeout passes. A negative
// timeout blocks forever. Wake-ups through the eventfd are drained here and not
// reported. EINTR is not an error, it just returns zero events.
func (p *Poller) Wait(timeout time.Duration, events []Event) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		// round up so a timer is never polled a little too early
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return events, nil
		}
		return events, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := range n {
		raw := p.raw[i]
		fd := int(raw.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		events = append(events, Event{
			Fd:       fd,
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      raw.Events&unix.EPOLLERR != 0,
		})
	}
	return events, nil
}

// Wake interrupts a blocked Wait, safe to call from any goroutine.
func (p *Poller) Wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if err == unix.EAGAIN {
		// counter is saturated, Wait will wake anyway
		return nil
	}
	return err
}

func (p *Poller) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors.
func (p *Poller) Close() error {
	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}
