package engine

import (
	"errors"
	"strconv"
	"sync"
)

const (
	minBufferSize = 4096
	// default cap for one direction of one connection
	DefaultBufferLimit = 8 << 20
)

// ErrBufferFull is returned when a buffer would have to grow past its limit.
// for a connection it means allocation failure, the loop closes it.
var ErrBufferFull = errors.New("engine: buffer limit exceeded")

// Buffer is a growable byte container with separate read and append cursors.
// invariant: 0 <= r <= w <= cap(buf)
type Buffer struct {
	buf   []byte
	r, w  int
	limit int // 0 means DefaultBufferLimit
}

// NewBuffer makes a buffer that never grows past limit bytes.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// storage pool, buffers take memory only while a connection is busy
// (same idea as lazy session buffers in the worker loop)
var storagePool = sync.Pool{
	New: func() any {
		b := make([]byte, minBufferSize)
		return &b
	},
}

func (b *Buffer) max() int {
	if b.limit <= 0 {
		return DefaultBufferLimit
	}
	return b.limit
}

// SetLimit changes the growth limit, existing storage is kept.
func (b *Buffer) SetLimit(limit int) { b.limit = limit }

// Len is the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap is the size of the current storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes returns the unread bytes, valid until the next mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Consume advances the read cursor by n, storage never shrinks here.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= b.w-b.r {
		// everything read, rewind for free
		b.r, b.w = 0, 0
		return
	}
	b.r += n
}

// Compact moves unread bytes to offset 0.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// Reset drops all unread bytes and keeps the storage.
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Release gives the storage back to the pool.
func (b *Buffer) Release() {
	if b.buf != nil && cap(b.buf) == minBufferSize {
		s := b.buf[:minBufferSize]
		storagePool.Put(&s)
	}
	b.buf = nil
	b.r, b.w = 0, 0
}

// Free returns a writable tail of at least n bytes. It compacts first when the
// read cursor went past half of the storage and grows by doubling otherwise.
func (b *Buffer) Free(n int) ([]byte, error) {
	if err := b.grow(n); err != nil {
		return nil, err
	}
	return b.buf[b.w:], nil
}

// Commit marks n bytes of the slice returned by Free as written.
func (b *Buffer) Commit(n int) {
	if n > 0 {
		b.w += n
	}
}

func (b *Buffer) grow(n int) error {
	if b.w-b.r+n > b.max() {
		return ErrBufferFull
	}
	if b.buf == nil {
		if n <= minBufferSize {
			b.buf = *storagePool.Get().(*[]byte)
			return nil
		}
	}
	if len(b.buf)-b.w >= n {
		return nil
	}
	if b.r > 0 && b.r >= len(b.buf)/2 {
		b.Compact()
		if len(b.buf)-b.w >= n {
			return nil
		}
	}

	need := b.w - b.r + n
	size := len(b.buf) * 2
	if size < minBufferSize {
		size = minBufferSize
	}
	for size < need {
		size *= 2
	}
	if size > b.max() {
		size = b.max()
	}

	nb := make([]byte, size)
	m := copy(nb, b.buf[b.r:b.w])
	if cap(b.buf) == minBufferSize {
		old := b.buf[:minBufferSize]
		storagePool.Put(&old)
	}
	b.buf, b.r, b.w = nb, 0, m
	return nil
}

// Append copies p to the end of the buffer.
func (b *Buffer) Append(p []byte) error {
	if err := b.grow(len(p)); err != nil {
		return err
	}
	b.w += copy(b.buf[b.w:], p)
	return nil
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Append(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString appends s without converting it to a slice first.
func (b *Buffer) WriteString(s string) (int, error) {
	if err := b.grow(len(s)); err != nil {
		return 0, err
	}
	b.w += copy(b.buf[b.w:], s)
	return len(s), nil
}

// WriteByte appends one byte.
func (b *Buffer) WriteByte(c byte) error {
	if err := b.grow(1); err != nil {
		return err
	}
	b.buf[b.w] = c
	b.w++
	return nil
}

// AppendInt writes n in the given base, used for Content-Length and chunk sizes.
func (b *Buffer) AppendInt(n int64, base int) error {
	if err := b.grow(20); err != nil {
		return err
	}
	out := strconv.AppendInt(b.buf[b.w:b.w], n, base)
	b.w += len(out)
	return nil
}
