package engine

import (
	"sync/atomic"
	"time"
)

// DateSize is the length of an IMF-fixdate: "Sun, 06 Nov 1994 08:49:37 GMT"
const DateSize = 29

const (
	clockDays   = "SunMonTueWedThuFriSat"
	clockMonths = "JanFebMarAprMayJunJulAugSepOctNovDec"
)

// Clock caches the formatted HTTP date and the wall time. It is refreshed by
// the loop on a coarse timer, not per request, so readers see values up to one
// resolution old. Reads are safe from any goroutine.
type Clock struct {
	Resolution time.Duration

	date atomic.Int64 // packed digits, see pack
	unix atomic.Int64 // nanoseconds
}

// NewClock makes a clock already set to now.
func NewClock(resolution time.Duration) *Clock {
	if resolution <= 0 {
		resolution = time.Second
	}
	c := &Clock{Resolution: resolution}
	c.Refresh(time.Now())
	return c
}

// Refresh stores now as the cached time.
func (c *Clock) Refresh(now time.Time) {
	c.unix.Store(now.UnixNano())
	c.date.Store(pack(now.UTC()))
}

// Now returns the cached wall time.
func (c *Clock) Now() time.Time { return time.Unix(0, c.unix.Load()) }

// Unix returns the cached time in seconds.
func (c *Clock) Unix() int64 { return c.unix.Load() / int64(time.Second) }

// pack keeps every digit in a nibble so formatting is a few shifts
func pack(now time.Time) int64 {
	year, month, day := now.Date()
	hour, minute, second := now.Clock()
	date := int64(0)
	date |= int64(second%10) << 60
	date |= int64(second/10) << 56
	date |= int64(minute%10) << 52
	date |= int64(minute/10) << 48
	date |= int64(hour%10) << 44
	date |= int64(hour/10) << 40
	date |= int64(year%10) << 36
	date |= int64(year/10%10) << 32
	date |= int64(year/100%10) << 28
	date |= int64(year/1000%10) << 24
	date |= int64(month) << 20
	date |= int64(day%10) << 16
	date |= int64(day/10) << 12
	date |= int64(now.Weekday()) << 8
	return date
}

// AppendDate appends the cached date in IMF-fixdate form.
func (c *Clock) AppendDate(dst []byte) []byte {
	date := c.date.Load()
	d := 3 * int(date>>8&0xf)
	m := 3 * int(date>>20&0xf-1)
	return append(dst,
		clockDays[d], clockDays[d+1], clockDays[d+2], ',', ' ',
		byte(date>>12&0xf)+'0', byte(date>>16&0xf)+'0', ' ',
		clockMonths[m], clockMonths[m+1], clockMonths[m+2], ' ',
		byte(date>>24&0xf)+'0', byte(date>>28&0xf)+'0', byte(date>>32&0xf)+'0', byte(date>>36&0xf)+'0', ' ',
		byte(date>>40&0xf)+'0', byte(date>>44&0xf)+'0', ':',
		byte(date>>48&0xf)+'0', byte(date>>52&0xf)+'0', ':',
		byte(date>>56&0xf)+'0', byte(date>>60&0xf)+'0', ' ',
		'G', 'M', 'T',
	)
}

// Date returns the cached date as a string.
func (c *Clock) Date() string {
	var b [DateSize]byte
	return string(c.AppendDate(b[:0]))
}
