package engine

import (
	"container/heap"
	"time"
)

// TimerKind tells the loop what an expired entry belongs to.
type TimerKind uint8

const (
	TimerConn TimerKind = iota
	TimerClock
	TimerWatchdog
	TimerAccept   // listener paused after EMFILE
	TimerShutdown // drain deadline
)

// Timer is one entry of the heap. It stores the owner's fd, never a pointer to
// the connection, so a closed connection can't be reached through a stale timer.
type Timer struct {
	Deadline time.Time
	Kind     TimerKind
	Fd       int

	seq   uint64
	index int // -1 when not in the heap
}

// Active reports whether the timer is still pending.
func (t *Timer) Active() bool { return t != nil && t.index >= 0 }

// TimerHeap is a min-heap by deadline, equal deadlines fire in insertion order.
type TimerHeap struct {
	h   timerSlice
	seq uint64
}

type timerSlice []*Timer

func (s timerSlice) Len() int { return len(s) }

func (s timerSlice) Less(i, j int) bool {
	if s[i].Deadline.Equal(s[j].Deadline) {
		return s[i].seq < s[j].seq
	}
	return s[i].Deadline.Before(s[j].Deadline)
}

func (s timerSlice) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].index = i
	s[j].index = j
}

func (s *timerSlice) Push(x any) {
	t := x.(*Timer)
	t.index = len(*s)
	*s = append(*s, t)
}

func (s *timerSlice) Pop() any {
	old := *s
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*s = old[:n-1]
	return t
}

// Len is the number of pending timers.
func (th *TimerHeap) Len() int { return len(th.h) }

// Schedule adds a new entry and returns its handle.
func (th *TimerHeap) Schedule(deadline time.Time, kind TimerKind, fd int) *Timer {
	th.seq++
	t := &Timer{Deadline: deadline, Kind: kind, Fd: fd, seq: th.seq, index: -1}
	heap.Push(&th.h, t)
	return t
}

// Reset moves a timer to a new deadline, re-inserting it if it already fired or
// was cancelled. The FIFO position is refreshed as if it was scheduled now.
func (th *TimerHeap) Reset(t *Timer, deadline time.Time) {
	th.seq++
	t.Deadline = deadline
	t.seq = th.seq
	if t.index >= 0 {
		heap.Fix(&th.h, t.index)
		return
	}
	heap.Push(&th.h, t)
}

// Cancel removes t from the heap. Cancelling a fired or cancelled timer is a no-op.
func (th *TimerHeap) Cancel(t *Timer) {
	if t == nil || t.index < 0 || t.index >= len(th.h) || th.h[t.index] != t {
		return
	}
	heap.Remove(&th.h, t.index)
}

// Next returns the nearest deadline.
func (th *TimerHeap) Next() (time.Time, bool) {
	if len(th.h) == 0 {
		return time.Time{}, false
	}
	return th.h[0].Deadline, true
}

// PopExpired removes every timer with deadline <= now and appends it to dst
// in firing order.
func (th *TimerHeap) PopExpired(now time.Time, dst []*Timer) []*Timer {
	for len(th.h) > 0 && !th.h[0].Deadline.After(now) {
		dst = append(dst, heap.Pop(&th.h).(*Timer))
	}
	return dst
}
